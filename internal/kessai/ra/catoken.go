package ra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

// CA token statuses.
const (
	TokenOffline = "offline"
	TokenActive  = "active"
)

// CAToken is the stored state of one CA's crypto token.
type CAToken struct {
	CAID        int
	Status      string
	ActivatedAt time.Time
}

// CATokens tracks CA crypto tokens. It implements approvals.CATokenActivator.
type CATokens struct {
	db  *store.Store
	now func() time.Time
}

var _ approvals.CATokenActivator = (*CATokens)(nil)

// NewCATokens creates the token registry on the shared database.
func NewCATokens(db *store.Store) *CATokens {
	return &CATokens{db: db, now: time.Now}
}

// RegisterCAToken records an offline token and the authentication code that
// activates it. Registering an existing CA replaces its code and takes it
// offline.
func (t *CATokens) RegisterCAToken(ctx context.Context, caID int, authCode string) error {
	if authCode == "" {
		return fmt.Errorf("CA %d: authentication code is required", caID)
	}
	hash, err := hashSecret(authCode)
	if err != nil {
		return err
	}
	_, err = t.db.DB().ExecContext(ctx, t.db.Rebind(`
		INSERT INTO ca_tokens (ca_id, status, auth_code_hash, activated_at)
		VALUES (?, ?, ?, 0)
		ON CONFLICT (ca_id) DO UPDATE SET status = excluded.status,
			auth_code_hash = excluded.auth_code_hash, activated_at = 0
	`), caID, TokenOffline, hash)
	if err != nil {
		return fmt.Errorf("failed to register CA token: %w", err)
	}
	return nil
}

// ActivateCAToken checks the authentication code and brings the token
// online. Activating an active token is a no-op once the code matches.
func (t *CATokens) ActivateCAToken(ctx context.Context, req *approvals.CAKeyActivation) error {
	var hash string
	err := t.db.DB().QueryRowContext(ctx, t.db.Rebind(`SELECT auth_code_hash FROM ca_tokens WHERE ca_id = ?`),
		req.CAID).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: CA %d", ErrCATokenNotFound, req.CAID)
	}
	if err != nil {
		return fmt.Errorf("failed to load CA token: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.AuthenticationCode)) != nil {
		slog.Warn("CA token activation refused", "ca_id", req.CAID)
		return fmt.Errorf("%w: CA %d", ErrBadAuthCode, req.CAID)
	}
	_, err = t.db.DB().ExecContext(ctx, t.db.Rebind(`UPDATE ca_tokens SET status = ?, activated_at = ? WHERE ca_id = ?`),
		TokenActive, store.Stamp(t.now()), req.CAID)
	if err != nil {
		return fmt.Errorf("failed to activate CA token: %w", err)
	}
	slog.Info("CA token activated", "ca_id", req.CAID)
	return nil
}

// Get returns the token state of a CA.
func (t *CATokens) Get(ctx context.Context, caID int) (*CAToken, error) {
	var (
		tok       CAToken
		activated int64
	)
	err := t.db.DB().QueryRowContext(ctx, t.db.Rebind(`SELECT ca_id, status, activated_at FROM ca_tokens WHERE ca_id = ?`),
		caID).Scan(&tok.CAID, &tok.Status, &activated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: CA %d", ErrCATokenNotFound, caID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load CA token: %w", err)
	}
	if activated != 0 {
		tok.ActivatedAt = store.UnixNano(activated)
	}
	return &tok, nil
}
