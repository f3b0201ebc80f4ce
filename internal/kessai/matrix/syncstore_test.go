package matrix_test

import (
	"context"
	"path/filepath"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/Treynis/ejbca/internal/kessai/matrix"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

func TestSyncStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.New(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	ss := matrix.NewSyncStore(st)
	user := id.UserID("@kessai:example.org")

	got, err := ss.LoadNextBatch(ctx, user)
	if err != nil || got != "" {
		t.Fatalf("LoadNextBatch on empty store = %q, %v", got, err)
	}

	if err := ss.SaveNextBatch(ctx, user, "s1"); err != nil {
		t.Fatal(err)
	}
	if err := ss.SaveNextBatch(ctx, user, "s2"); err != nil {
		t.Fatal(err)
	}
	if err := ss.SaveFilterID(ctx, user, "f1"); err != nil {
		t.Fatal(err)
	}

	if got, _ := ss.LoadNextBatch(ctx, user); got != "s2" {
		t.Fatalf("LoadNextBatch = %q, want s2", got)
	}
	if got, _ := ss.LoadFilterID(ctx, user); got != "f1" {
		t.Fatalf("LoadFilterID = %q, want f1", got)
	}
	if got, _ := ss.LoadNextBatch(ctx, id.UserID("@other:example.org")); got != "" {
		t.Fatalf("other user sees %q", got)
	}
}

func TestNew(t *testing.T) {
	c, err := matrix.New(matrix.Config{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@kessai:example.org",
		AccessToken: "token",
		Rooms:       []string{"!ops:example.org"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.IsConfiguredRoom("!ops:example.org") || c.IsConfiguredRoom("!other:example.org") {
		t.Fatal("IsConfiguredRoom mismatch")
	}
	c.Stop()
	c.Stop()
}
