// Package ra is the registration authority state the gated actions operate
// on: end entities, their certificates and the CA crypto tokens.
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

var (
	ErrEndEntityExists     = errors.New("end entity already exists")
	ErrEndEntityNotFound   = errors.New("end entity not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrAlreadyRevoked      = errors.New("certificate already revoked")
	ErrInvalidStatus       = errors.New("invalid end entity status")
	ErrInvalidReason       = errors.New("invalid revocation reason")
	ErrNotKeyRecoverable   = errors.New("end entity keys are not recoverable")
	ErrCATokenNotFound     = errors.New("CA token not found")
	ErrBadAuthCode         = errors.New("wrong CA token authentication code")
)

// End entity registration statuses.
const (
	StatusNew         = "new"
	StatusFailed      = "failed"
	StatusInitialized = "initialized"
	StatusInProcess   = "inprocess"
	StatusGenerated   = "generated"
	StatusRevoked     = "revoked"
	StatusHistorical  = "historical"
	StatusKeyRecovery = "keyrecovery"
)

var validStatuses = map[string]bool{
	StatusNew: true, StatusFailed: true, StatusInitialized: true, StatusInProcess: true,
	StatusGenerated: true, StatusRevoked: true, StatusHistorical: true, StatusKeyRecovery: true,
}

// Certificate statuses.
const (
	CertActive  = "active"
	CertRevoked = "revoked"
)

// NotRevoked is the revocation reason stored for live certificates.
const NotRevoked = -1

// EndEntity is a stored end entity. The password is only kept as a hash.
type EndEntity struct {
	Username             string
	SubjectDN            string
	SubjectAltName       string
	Email                string
	CAID                 int
	EndEntityProfileID   int
	CertificateProfileID int
	Status               string
	KeyRecoverable       bool
	KeyRecoveryMarked    bool
	CreatedAt            time.Time
	UpdatedAt            time.Time

	passwordHash string
}

// Certificate is a stored certificate reference.
type Certificate struct {
	IssuerDN         string
	Serial           string
	Username         string
	Status           string
	RevocationReason int
	RevokedAt        time.Time
}

// Registry is the SQL backed end entity registry. It implements
// approvals.EndEntityManager.
type Registry struct {
	db  *store.Store
	now func() time.Time
}

var _ approvals.EndEntityManager = (*Registry)(nil)

// NewRegistry creates a registry on the shared database.
func NewRegistry(db *store.Store) *Registry {
	return &Registry{db: db, now: time.Now}
}

func hashSecret(secret string) (string, error) {
	if secret == "" {
		return "", nil
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(h), nil
}

// AddEndEntity registers a new end entity in status new.
func (r *Registry) AddEndEntity(ctx context.Context, ee *approvals.EndEntity) error {
	hash, err := hashSecret(ee.Password)
	if err != nil {
		return err
	}
	now := store.Stamp(r.now())

	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	err = tx.QueryRowContext(ctx, r.db.Rebind(`SELECT COUNT(*) FROM end_entities WHERE username = ?`), ee.Username).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check end entity: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: %s", ErrEndEntityExists, ee.Username)
	}

	_, err = tx.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO end_entities (username, subject_dn, subject_alt_name, email, ca_id,
			end_entity_profile_id, certificate_profile_id, status, password_hash,
			key_recoverable, key_recovery_marked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), ee.Username, ee.SubjectDN, ee.SubjectAltName, ee.Email, ee.CAID,
		ee.EndEntityProfileID, ee.CertificateProfileID, StatusNew, hash,
		ee.KeyRecoverable, false, now, now)
	if err != nil {
		return fmt.Errorf("failed to add end entity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit end entity: %w", err)
	}
	slog.Info("end entity added", "username", ee.Username, "ca_id", ee.CAID)
	return nil
}

// EditEndEntity replaces the registration data of an existing end entity.
// An empty password keeps the stored one.
func (r *Registry) EditEndEntity(ctx context.Context, ee *approvals.EndEntity) error {
	query := `UPDATE end_entities SET subject_dn = ?, subject_alt_name = ?, email = ?, ca_id = ?,
		end_entity_profile_id = ?, certificate_profile_id = ?, key_recoverable = ?, updated_at = ?`
	args := []any{ee.SubjectDN, ee.SubjectAltName, ee.Email, ee.CAID,
		ee.EndEntityProfileID, ee.CertificateProfileID, ee.KeyRecoverable, store.Stamp(r.now())}
	if ee.Password != "" {
		hash, err := hashSecret(ee.Password)
		if err != nil {
			return err
		}
		query += `, password_hash = ?`
		args = append(args, hash)
	}
	query += ` WHERE username = ?`
	args = append(args, ee.Username)

	if err := r.updateOne(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to edit end entity %s: %w", ee.Username, err)
	}
	slog.Info("end entity edited", "username", ee.Username)
	return nil
}

// ChangeEndEntityStatus sets a new registration status.
func (r *Registry) ChangeEndEntityStatus(ctx context.Context, req *approvals.StatusChange) error {
	if !validStatuses[req.NewStatus] {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, req.NewStatus)
	}
	err := r.updateOne(ctx, `UPDATE end_entities SET status = ?, updated_at = ? WHERE username = ?`,
		req.NewStatus, store.Stamp(r.now()), req.Username)
	if err != nil {
		return fmt.Errorf("failed to change status of %s: %w", req.Username, err)
	}
	slog.Info("end entity status changed", "username", req.Username, "status", req.NewStatus)
	return nil
}

// MarkForKeyRecovery flags the owner of a certificate so its escrowed key
// is returned on the next enrollment.
func (r *Registry) MarkForKeyRecovery(ctx context.Context, req *approvals.KeyRecovery) error {
	cert, err := r.GetCertificate(ctx, req.IssuerDN, req.CertificateSerial)
	if err != nil {
		return err
	}
	username := req.Username
	if username == "" {
		username = cert.Username
	}
	ee, err := r.GetEndEntity(ctx, username)
	if err != nil {
		return err
	}
	if !ee.KeyRecoverable {
		return fmt.Errorf("%w: %s", ErrNotKeyRecoverable, username)
	}
	err = r.updateOne(ctx, `UPDATE end_entities SET key_recovery_marked = ?, status = ?, updated_at = ? WHERE username = ?`,
		true, StatusKeyRecovery, store.Stamp(r.now()), username)
	if err != nil {
		return fmt.Errorf("failed to mark %s for key recovery: %w", username, err)
	}
	slog.Info("end entity marked for key recovery", "username", username, "serial", req.CertificateSerial)
	return nil
}

// RevokeCertificate revokes one certificate. Reasons follow RFC 5280; 7 is
// unused there and is refused.
func (r *Registry) RevokeCertificate(ctx context.Context, req *approvals.Revocation) error {
	if req.Reason < 0 || req.Reason > 10 || req.Reason == 7 {
		return fmt.Errorf("%w: %d", ErrInvalidReason, req.Reason)
	}
	cert, err := r.GetCertificate(ctx, req.IssuerDN, req.CertificateSerial)
	if err != nil {
		return err
	}
	if cert.Status == CertRevoked {
		return fmt.Errorf("%w: %s", ErrAlreadyRevoked, req.CertificateSerial)
	}
	res, err := r.db.DB().ExecContext(ctx, r.db.Rebind(`
		UPDATE certificates SET status = ?, revocation_reason = ?, revoked_at = ?
		WHERE issuer_dn = ? AND serial = ? AND status <> ?
	`), CertRevoked, req.Reason, store.Stamp(r.now()), req.IssuerDN, req.CertificateSerial, CertRevoked)
	if err != nil {
		return fmt.Errorf("failed to revoke certificate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrAlreadyRevoked, req.CertificateSerial)
	}
	slog.Info("certificate revoked", "issuer", req.IssuerDN, "serial", req.CertificateSerial, "reason", req.Reason)
	return nil
}

// RecordCertificate registers an issued certificate for an end entity.
func (r *Registry) RecordCertificate(ctx context.Context, issuerDN, serial, username string) error {
	_, err := r.db.DB().ExecContext(ctx, r.db.Rebind(`
		INSERT INTO certificates (issuer_dn, serial, username, status, revocation_reason, revoked_at)
		VALUES (?, ?, ?, ?, ?, 0)
	`), issuerDN, serial, username, CertActive, NotRevoked)
	if err != nil {
		return fmt.Errorf("failed to record certificate: %w", err)
	}
	return nil
}

// GetEndEntity loads one end entity.
func (r *Registry) GetEndEntity(ctx context.Context, username string) (*EndEntity, error) {
	var (
		ee               EndEntity
		created, updated int64
	)
	err := r.db.DB().QueryRowContext(ctx, r.db.Rebind(`
		SELECT username, subject_dn, subject_alt_name, email, ca_id, end_entity_profile_id,
			certificate_profile_id, status, password_hash, key_recoverable, key_recovery_marked,
			created_at, updated_at
		FROM end_entities WHERE username = ?
	`), username).Scan(&ee.Username, &ee.SubjectDN, &ee.SubjectAltName, &ee.Email, &ee.CAID,
		&ee.EndEntityProfileID, &ee.CertificateProfileID, &ee.Status, &ee.passwordHash,
		&ee.KeyRecoverable, &ee.KeyRecoveryMarked, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrEndEntityNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load end entity: %w", err)
	}
	ee.CreatedAt = store.UnixNano(created)
	ee.UpdatedAt = store.UnixNano(updated)
	return &ee, nil
}

// CheckPassword reports whether password matches the stored enrollment
// secret.
func (ee *EndEntity) CheckPassword(password string) bool {
	if ee.passwordHash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(ee.passwordHash), []byte(password)) == nil
}

// GetCertificate loads one certificate.
func (r *Registry) GetCertificate(ctx context.Context, issuerDN, serial string) (*Certificate, error) {
	var (
		c       Certificate
		revoked int64
	)
	err := r.db.DB().QueryRowContext(ctx, r.db.Rebind(`
		SELECT issuer_dn, serial, username, status, revocation_reason, revoked_at
		FROM certificates WHERE issuer_dn = ? AND serial = ?
	`), issuerDN, serial).Scan(&c.IssuerDN, &c.Serial, &c.Username, &c.Status, &c.RevocationReason, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrCertificateNotFound, issuerDN, serial)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	if revoked != 0 {
		c.RevokedAt = store.UnixNano(revoked)
	}
	return &c, nil
}

func (r *Registry) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.DB().ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEndEntityNotFound
	}
	return nil
}
