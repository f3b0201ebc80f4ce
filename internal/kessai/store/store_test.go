package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kessai-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApplied(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v < 4 {
		t.Fatalf("expected at least 4 migrations, got %d", v)
	}

	for _, table := range []string{"approval_cases", "audit_log", "config", "end_entities", "certificates", "ca_tokens"} {
		var n int
		err := s.DB().QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		if err != nil || n != 1 {
			t.Errorf("table %s missing (n=%d, err=%v)", table, n, err)
		}
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, _ := s.SchemaVersion(ctx)
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	after, _ := s.SchemaVersion(ctx)
	if before != after {
		t.Errorf("schema version moved from %d to %d on a no-op migrate", before, after)
	}
}

func TestOpen_UnknownDialect(t *testing.T) {
	_, err := store.Open(context.Background(), store.Config{Dialect: "oracle", DSN: "x"})
	if err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}

func TestRebind(t *testing.T) {
	tests := []struct {
		dialect store.Dialect
		in      string
		want    string
	}{
		{store.SQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{store.Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{store.Postgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
	}
	for _, tt := range tests {
		if got := store.Rebind(tt.dialect, tt.in); got != tt.want {
			t.Errorf("Rebind(%s, %q) = %q, want %q", tt.dialect, tt.in, got, tt.want)
		}
	}
}

func TestStampRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 0, 123456789, time.UTC)
	if got := store.UnixNano(store.Stamp(now)); !got.Equal(now) {
		t.Errorf("got %v, want %v", got, now)
	}
	if !store.UnixNano(store.Stamp(time.Time{})).IsZero() {
		t.Error("zero time should survive the round trip")
	}
}

func TestWriteAndReadAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entries := []*store.AuditEntry{
		{ID: "a1", TraceID: "k_1", EventKind: "APPROVAL_APPROVE", Outcome: "success", Module: "APPROVAL", Service: "EJBCA",
			Actor: "CN=Alice", CAID: "3", CaseID: "c1", Details: map[string]any{"msg": "approved"},
			Timestamp: time.Now().Add(-time.Minute)},
		{ID: "a2", TraceID: "k_2", EventKind: "APPROVAL_REJECT", Outcome: "failure", Module: "APPROVAL", Service: "EJBCA",
			Actor: "CN=Bob", CAID: "3", CaseID: "c1"},
		{ID: "a3", TraceID: "k_2", EventKind: "APPROVAL_EDIT", Outcome: "success", Module: "APPROVAL", Service: "EJBCA",
			Actor: "CN=Bob", CaseID: "c2"},
	}
	for _, e := range entries {
		if err := s.WriteAudit(ctx, e); err != nil {
			t.Fatalf("WriteAudit(%s): %v", e.ID, err)
		}
	}

	recent, err := s.GetAuditLog(ctx, 10)
	if err != nil {
		t.Fatalf("GetAuditLog: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(recent))
	}
	if recent[len(recent)-1].ID != "a1" {
		t.Errorf("expected oldest entry last, got %s", recent[len(recent)-1].ID)
	}

	byCase, err := s.GetAuditByCase(ctx, "c1")
	if err != nil {
		t.Fatalf("GetAuditByCase: %v", err)
	}
	if len(byCase) != 2 || byCase[0].ID != "a1" {
		t.Fatalf("unexpected case entries: %+v", byCase)
	}
	if byCase[0].Details["msg"] != "approved" {
		t.Errorf("details lost: %v", byCase[0].Details)
	}

	byTrace, err := s.GetAuditByTrace(ctx, "k_2")
	if err != nil {
		t.Fatalf("GetAuditByTrace: %v", err)
	}
	if len(byTrace) != 2 {
		t.Errorf("expected 2 entries for trace, got %d", len(byTrace))
	}
}
