package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/store"
)

// CaseStore persists approval cases. Implementations distinguish a missing
// case (ErrRequestNotFound) from every other failure and reject stale writes
// with ErrConflict.
type CaseStore interface {
	Load(ctx context.Context, id string) (*Case, error)
	Create(ctx context.Context, c *Case) error
	CompareAndSave(ctx context.Context, c *Case, expectedVersion int64) error
	Replace(ctx context.Context, old *Case, expectedVersion int64, next *Case) error
	List(ctx context.Context, f Filter) ([]*Case, error)
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Sealer encrypts the serialized action at rest.
type Sealer interface {
	Seal(plaintext, additional []byte) (string, error)
	Open(sealed string, additional []byte) ([]byte, error)
}

// Store is the SQL implementation of CaseStore.
type Store struct {
	db     *store.Store
	sealer Sealer
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithSealer encrypts action payloads with sl.
func WithSealer(sl Sealer) StoreOption {
	return func(s *Store) { s.sealer = sl }
}

// NewStore creates a case store on top of the shared database.
func NewStore(db *store.Store, opts ...StoreOption) *Store {
	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const caseColumns = `row_id, case_id, profile_id, action_json, votes_json, old_votes_json,
	status, ca_id, end_entity_profile_id, requested_at, expires_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

// Load returns the current case with the given ID. Superseded rows are
// history and never returned. More than one current row for one ID means two
// different requests hashed to the same value; neither is returned.
func (s *Store) Load(ctx context.Context, id string) (*Case, error) {
	rows, err := s.db.DB().QueryContext(ctx, s.db.Rebind(`
		SELECT `+caseColumns+`
		FROM approval_cases
		WHERE case_id = ? AND superseded_at = 0
		ORDER BY row_id
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to load case: %w", err)
	}
	defer rows.Close()

	var found []*Case
	for rows.Next() {
		c, err := s.scanCase(rows)
		if err != nil {
			return nil, err
		}
		found = append(found, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to load case: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, fmt.Errorf("case %s: %w", id, ErrRequestNotFound)
	case 1:
		return found[0], nil
	default:
		slog.Error("case id collision; refusing to pick a record", "case", id, "rows", len(found))
		return nil, fmt.Errorf("case %s is ambiguous: %w", id, ErrRequestNotFound)
	}
}

// Create inserts a new case. A live case with the same ID blocks the insert
// with ErrAlreadyPending. Finished records with that ID are marked superseded
// and kept with their votes. Version is set to 1.
func (s *Store) Create(ctx context.Context, c *Case) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.insertTx(ctx, tx, c); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit case: %w", err)
	}
	return nil
}

// CompareAndSave writes c if the stored version still equals
// expectedVersion, then advances c.Version.
func (s *Store) CompareAndSave(ctx context.Context, c *Case, expectedVersion int64) error {
	actionJSON, err := s.encodeAction(c)
	if err != nil {
		return err
	}
	votes, oldVotes, err := encodeVotes(c)
	if err != nil {
		return err
	}

	res, err := s.db.DB().ExecContext(ctx, s.db.Rebind(`
		UPDATE approval_cases
		SET action_json = ?, votes_json = ?, old_votes_json = ?, status = ?, expires_at = ?, version = ?
		WHERE row_id = ? AND version = ?
	`), actionJSON, votes, oldVotes, string(c.Status), store.Stamp(c.ExpiresAt), expectedVersion+1, c.rowID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save case: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("case %s at version %d: %w", c.ID, expectedVersion, ErrConflict)
	}
	c.Version = expectedVersion + 1
	return nil
}

// Replace atomically removes old, provided it is still at expectedVersion,
// and inserts next in its place.
func (s *Store) Replace(ctx context.Context, old *Case, expectedVersion int64, next *Case) error {
	tx, err := s.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM approval_cases WHERE row_id = ? AND version = ?
	`), old.rowID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to remove edited case: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to remove edited case: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("case %s at version %d: %w", old.ID, expectedVersion, ErrConflict)
	}

	if err := s.insertTx(ctx, tx, next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit edit: %w", err)
	}
	return nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, c *Case) error {
	rows, err := tx.QueryContext(ctx, s.db.Rebind(`
		SELECT status, expires_at FROM approval_cases WHERE case_id = ? AND superseded_at = 0
	`), c.ID)
	if err != nil {
		return fmt.Errorf("failed to check existing case: %w", err)
	}
	for rows.Next() {
		var (
			status  string
			expires int64
		)
		if err := rows.Scan(&status, &expires); err != nil {
			rows.Close()
			return fmt.Errorf("failed to check existing case: %w", err)
		}
		existing := Case{Status: Status(status), ExpiresAt: store.UnixNano(expires)}
		if existing.Status == StatusExecuting || (existing.Status.hasLiveWindow() && !existing.Expired(c.RequestedAt)) {
			rows.Close()
			return fmt.Errorf("case %s: %w", c.ID, ErrAlreadyPending)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("failed to check existing case: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		UPDATE approval_cases SET superseded_at = ? WHERE case_id = ? AND superseded_at = 0
	`), max(store.Stamp(c.RequestedAt), 1), c.ID); err != nil {
		return fmt.Errorf("failed to supersede finished case: %w", err)
	}

	actionJSON, err := s.encodeAction(c)
	if err != nil {
		return err
	}
	votes, oldVotes, err := encodeVotes(c)
	if err != nil {
		return err
	}

	var rowID int64
	err = tx.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO approval_cases (case_id, profile_id, action_kind, action_json, votes_json, old_votes_json,
			status, ca_id, end_entity_profile_id, requested_at, expires_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		RETURNING row_id
	`), c.ID, c.ProfileID, string(c.Action.Kind), actionJSON, votes, oldVotes, string(c.Status),
		c.CAID, c.EndEntityProfileID, store.Stamp(c.RequestedAt), store.Stamp(c.ExpiresAt)).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("failed to insert case: %w", err)
	}
	c.rowID = rowID
	c.Version = 1
	return nil
}

// List returns cases matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Case, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.CAID != 0 {
		where = append(where, "ca_id = ?")
		args = append(args, f.CAID)
	}
	if f.EndEntityProfileID != 0 {
		where = append(where, "end_entity_profile_id = ?")
		args = append(args, f.EndEntityProfileID)
	}
	if f.ProfileID != "" {
		where = append(where, "profile_id = ?")
		args = append(args, f.ProfileID)
	}

	query := "SELECT " + caseColumns + " FROM approval_cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at DESC, row_id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.DB().QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := s.scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	return out, nil
}

// Purge deletes every case whose ExpiresAt lies before the cutoff. Cases
// stuck in Executing are kept for an operator to inspect.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.DB().ExecContext(ctx, s.db.Rebind(`
		DELETE FROM approval_cases WHERE expires_at < ? AND status <> ?
	`), store.Stamp(before), string(StatusExecuting))
	if err != nil {
		return 0, fmt.Errorf("failed to purge cases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to purge cases: %w", err)
	}
	return n, nil
}

func (s *Store) scanCase(r rowScanner) (*Case, error) {
	var (
		c                       Case
		actionJSON, votes, olds string
		status                  string
		requestedAt, expiresAt  int64
	)
	err := r.Scan(&c.rowID, &c.ID, &c.ProfileID, &actionJSON, &votes, &olds,
		&status, &c.CAID, &c.EndEntityProfileID, &requestedAt, &expiresAt, &c.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	c.Status = Status(status)
	c.RequestedAt = store.UnixNano(requestedAt)
	c.ExpiresAt = store.UnixNano(expiresAt)

	if err := s.decodeAction(c.ID, actionJSON, &c.Action); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(votes), &c.Votes); err != nil {
		return nil, fmt.Errorf("failed to decode votes of case %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(olds), &c.OldVotes); err != nil {
		return nil, fmt.Errorf("failed to decode old votes of case %s: %w", c.ID, err)
	}
	return &c, nil
}

func (s *Store) encodeAction(c *Case) (string, error) {
	raw, err := json.Marshal(c.Action)
	if err != nil {
		return "", fmt.Errorf("failed to encode action: %w", err)
	}
	if s.sealer == nil {
		return string(raw), nil
	}
	sealed, err := s.sealer.Seal(raw, []byte(c.ID))
	if err != nil {
		return "", fmt.Errorf("failed to seal action: %w", err)
	}
	return sealed, nil
}

func (s *Store) decodeAction(caseID, stored string, into *GatedAction) error {
	raw := []byte(stored)
	if !strings.HasPrefix(stored, "{") {
		if s.sealer == nil {
			return fmt.Errorf("case %s holds a sealed action but no sealer is configured", caseID)
		}
		plain, err := s.sealer.Open(stored, []byte(caseID))
		if err != nil {
			return fmt.Errorf("failed to open action of case %s: %w", caseID, err)
		}
		raw = plain
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("failed to decode action of case %s: %w", caseID, err)
	}
	return nil
}

func encodeVotes(c *Case) (string, string, error) {
	votes, err := json.Marshal(nonNil(c.Votes))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode votes: %w", err)
	}
	olds, err := json.Marshal(nonNil(c.OldVotes))
	if err != nil {
		return "", "", fmt.Errorf("failed to encode old votes: %w", err)
	}
	return string(votes), string(olds), nil
}

func nonNil(v []Vote) []Vote {
	if v == nil {
		return []Vote{}
	}
	return v
}
