// Package config holds the runtime settings of the approval service:
// whether notifications go out, who receives them, the base URL used in
// links and whether per end entity profile approval rights are enforced.
//
// Settings live in the config table so operators can change them with
// kessaictl without a restart; the Reloader refreshes the snapshot the
// engine reads.
package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/store"
)

// ErrNotFound is returned by Get when the key has not been set.
var ErrNotFound = errors.New("config: key not found")

// Store reads and writes the config table. Implementations are safe for
// concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound when the key
	// has not been set.
	Get(ctx context.Context, key string) (string, error)

	// Set checks value against the key's type, then creates or overwrites
	// the entry and records the current UTC time in updated_at.
	Set(ctx context.Context, key, value string) error

	// Delete removes key. Deleting a key that is not set is not an error.
	Delete(ctx context.Context, key string) error

	// List returns a snapshot of every stored key and value. The map is
	// empty, not nil, when nothing is set.
	List(ctx context.Context) (map[string]string, error)
}

type sqlStore struct {
	db *store.Store
}

// New creates a Store on the shared database.
func New(db *store.Store) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.DB().QueryRowContext(ctx, s.db.Rebind(`SELECT value FROM config WHERE key = ?`), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("config: get %q: %w", key, err)
	}
	return value, nil
}

// Set validates value against the key's type before storing it.
func (s *sqlStore) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	_, err := s.db.DB().ExecContext(ctx, s.db.Rebind(`
		INSERT INTO config (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value      = excluded.value,
			updated_at = excluded.updated_at
	`), key, value, store.Stamp(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("config: set %q: %w", key, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.DB().ExecContext(ctx, s.db.Rebind(`DELETE FROM config WHERE key = ?`), key); err != nil {
		return fmt.Errorf("config: delete %q: %w", key, err)
	}
	return nil
}

func (s *sqlStore) List(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.DB().QueryContext(ctx, `SELECT key, value FROM config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("config: list: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("config: list scan: %w", err)
		}
		result[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: list rows: %w", err)
	}
	return result, nil
}
