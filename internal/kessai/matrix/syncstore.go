package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/Treynis/ejbca/internal/kessai/store"
)

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncStore persists the Matrix filter ID and next_batch token in the
// matrix_sync_state table so restarts do not re-run old room commands.
type SyncStore struct {
	db *store.Store
}

// NewSyncStore returns a SyncStore on the shared database.
func NewSyncStore(db *store.Store) *SyncStore {
	return &SyncStore{db: db}
}

func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	return s.save(ctx, userID.String(), "filter_id", filterID)
}

func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	return s.load(ctx, userID.String(), "filter_id")
}

func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	return s.save(ctx, userID.String(), "next_batch", nextBatchToken)
}

func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	return s.load(ctx, userID.String(), "next_batch")
}

func (s *SyncStore) save(ctx context.Context, userID, key, value string) error {
	_, err := s.db.DB().ExecContext(ctx, s.db.Rebind(`
		INSERT INTO matrix_sync_state (user_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value
	`), userID, key, value)
	if err != nil {
		return fmt.Errorf("failed to save matrix %s: %w", key, err)
	}
	return nil
}

// load returns "" when nothing was saved yet.
func (s *SyncStore) load(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.DB().QueryRowContext(ctx, s.db.Rebind(`
		SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?
	`), userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load matrix %s: %w", key, err)
	}
	return value, nil
}
