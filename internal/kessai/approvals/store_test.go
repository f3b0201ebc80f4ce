package approvals_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Treynis/ejbca/common/seal"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

func newTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "cases.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func pendingCase(t *testing.T, code string, now time.Time) *approvals.Case {
	t.Helper()
	action := activateCA(code)
	action.Requester = requester
	id, err := approvals.ComputeID("pair", 3, 0, action)
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	return &approvals.Case{
		ID:          id,
		ProfileID:   "pair",
		Action:      action,
		Status:      approvals.StatusPending,
		CAID:        3,
		RequestedAt: now,
		ExpiresAt:   now.Add(time.Hour),
	}
}

func TestComputeID(t *testing.T) {
	a := activateCA("foo123")
	a.Requester = requester
	id1, err := approvals.ComputeID("pair", 3, 0, a)
	if err != nil {
		t.Fatal(err)
	}
	if len(id1) != 32 {
		t.Fatalf("id length = %d, want 32 hex chars", len(id1))
	}

	edited := a
	edited.Editor = &adminX
	id2, _ := approvals.ComputeID("pair", 3, 0, edited)
	if id1 != id2 {
		t.Fatal("editor changed the ID")
	}

	changed := activateCA("bar456")
	changed.Requester = requester
	id3, _ := approvals.ComputeID("pair", 3, 0, changed)
	if id1 == id3 {
		t.Fatal("different content produced the same ID")
	}
	id4, _ := approvals.ComputeID("single", 3, 0, a)
	if id1 == id4 {
		t.Fatal("profile is not part of the ID")
	}
}

func TestStore_CompareAndSave(t *testing.T) {
	ctx := context.Background()
	cases := approvals.NewStore(newTestDB(t))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := pendingCase(t, "foo123", now)
	if err := cases.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if c.Version != 1 {
		t.Fatalf("Version = %d", c.Version)
	}

	first, _ := cases.Load(ctx, c.ID)
	second, _ := cases.Load(ctx, c.ID)

	first.Votes = append(first.Votes, approvals.Vote{ID: "v1", StepID: 1, PartitionID: 1, Admin: adminX, Accepted: true, CastAt: now})
	if err := cases.CompareAndSave(ctx, first, 1); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second.Status = approvals.StatusRejected
	if err := cases.CompareAndSave(ctx, second, 1); !errors.Is(err, approvals.ErrConflict) {
		t.Fatalf("stale save err = %v", err)
	}

	got, _ := cases.Load(ctx, c.ID)
	if got.Version != 2 || got.Status != approvals.StatusPending || len(got.Votes) != 1 {
		t.Fatalf("stored version=%d status=%s votes=%d", got.Version, got.Status, len(got.Votes))
	}
	if !got.Votes[0].Admin.Equal(adminX) || !got.Votes[0].CastAt.Equal(now) {
		t.Fatalf("vote round trip: %+v", got.Votes[0])
	}
}

func TestStore_CollisionIsNotFound(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cases := approvals.NewStore(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := pendingCase(t, "foo123", now)
	if err := cases.Create(ctx, c); err != nil {
		t.Fatal(err)
	}

	// A second record under the same ID, as a hash collision would leave.
	_, err := db.DB().ExecContext(ctx, `
		INSERT INTO approval_cases (case_id, profile_id, action_kind, action_json, status, requested_at, expires_at)
		SELECT case_id, 'single', action_kind, action_json, status, requested_at, expires_at
		FROM approval_cases WHERE case_id = ?`, c.ID)
	if err != nil {
		t.Fatalf("insert duplicate: %v", err)
	}

	if _, err := cases.Load(ctx, c.ID); !errors.Is(err, approvals.ErrRequestNotFound) {
		t.Fatalf("Load err = %v, want not found", err)
	}
}

func TestStore_CreateSupersedesStaleRecord(t *testing.T) {
	ctx := context.Background()
	cases := approvals.NewStore(newTestDB(t))
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := pendingCase(t, "foo123", now)
	if err := cases.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	if err := cases.Create(ctx, pendingCase(t, "foo123", now.Add(time.Minute))); !errors.Is(err, approvals.ErrAlreadyPending) {
		t.Fatalf("live duplicate err = %v", err)
	}

	later := pendingCase(t, "foo123", now.Add(2*time.Hour))
	if err := cases.Create(ctx, later); err != nil {
		t.Fatalf("create over expired record: %v", err)
	}
	got, err := cases.Load(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.RequestedAt.Equal(later.RequestedAt) {
		t.Fatal("stale record is still the current one")
	}
}

func TestStore_ResubmitKeepsFailedRecord(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	cases := approvals.NewStore(db)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := pendingCase(t, "foo123", now)
	if err := cases.Create(ctx, c); err != nil {
		t.Fatal(err)
	}
	c.Votes = append(c.Votes, approvals.Vote{ID: "v-failed", StepID: 1, PartitionID: 1, Admin: adminX, Accepted: true, CastAt: now})
	c.Status = approvals.StatusExecutionFailed
	c.ExpiresAt = now
	if err := cases.CompareAndSave(ctx, c, 1); err != nil {
		t.Fatalf("CompareAndSave: %v", err)
	}

	retry := pendingCase(t, "foo123", now.Add(time.Minute))
	if err := cases.Create(ctx, retry); err != nil {
		t.Fatalf("resubmit after failure: %v", err)
	}
	got, err := cases.Load(ctx, c.ID)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != approvals.StatusPending || len(got.Votes) != 0 || !got.RequestedAt.Equal(retry.RequestedAt) {
		t.Fatalf("current record status=%s votes=%d requested=%v", got.Status, len(got.Votes), got.RequestedAt)
	}

	var rows int
	if err := db.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_cases WHERE case_id = ?`, c.ID).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 2 {
		t.Fatalf("rows = %d, want the failed record kept", rows)
	}

	var status, votes string
	var superseded int64
	err = db.DB().QueryRowContext(ctx, `
		SELECT status, votes_json, superseded_at FROM approval_cases
		WHERE case_id = ? AND superseded_at <> 0`, c.ID).Scan(&status, &votes, &superseded)
	if err != nil {
		t.Fatalf("load superseded record: %v", err)
	}
	if status != string(approvals.StatusExecutionFailed) || !strings.Contains(votes, "v-failed") {
		t.Fatalf("superseded record status=%s votes=%s", status, votes)
	}
	if superseded != retry.RequestedAt.UnixNano() {
		t.Fatalf("superseded_at = %d", superseded)
	}
}

func TestStore_SealedActions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	key, err := seal.ParseKey(strings.Repeat("ab", seal.KeySize))
	if err != nil {
		t.Fatal(err)
	}
	sealer, err := seal.New(key)
	if err != nil {
		t.Fatal(err)
	}
	cases := approvals.NewStore(db, approvals.WithSealer(sealer))
	c := pendingCase(t, "very-secret-code", time.Now().UTC())
	if err := cases.Create(ctx, c); err != nil {
		t.Fatal(err)
	}

	var raw string
	if err := db.DB().QueryRowContext(ctx, `SELECT action_json FROM approval_cases WHERE case_id = ?`, c.ID).Scan(&raw); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(raw, "very-secret-code") || !seal.IsSealed(raw) {
		t.Fatalf("action stored in clear: %s", raw)
	}

	got, err := cases.Load(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Action.ActivateCAKey.AuthenticationCode != "very-secret-code" {
		t.Fatal("sealed action did not round trip")
	}

	if _, err := approvals.NewStore(db).Load(ctx, c.ID); err == nil {
		t.Fatal("sealed row loaded without a sealer")
	}
}
