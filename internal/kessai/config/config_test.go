package config_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/Treynis/ejbca/internal/kessai/config"
	appstore "github.com/Treynis/ejbca/internal/kessai/store"
)

func newTestStore(t *testing.T) config.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "kessai-config-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	s, err := appstore.New(f.Name())
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return config.New(s)
}

func TestGetNotFound(t *testing.T) {
	st := newTestStore(t)
	if _, err := st.Get(context.Background(), config.KeyBaseURL); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListEmpty(t *testing.T) {
	all, err := newTestStore(t).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if all == nil || len(all) != 0 {
		t.Fatalf("List on an empty store = %#v, want an empty map", all)
	}
}

func TestSetGetDelete(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.Set(ctx, config.KeyBaseURL, "https://ca.example.com/ejbca/"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := st.Set(ctx, config.KeyBaseURL, "https://ca2.example.com/"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := st.Get(ctx, config.KeyBaseURL)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "https://ca2.example.com/" {
		t.Errorf("got %q", got)
	}

	if err := st.Delete(ctx, config.KeyBaseURL); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := st.Delete(ctx, config.KeyBaseURL); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := st.Get(ctx, config.KeyBaseURL); !errors.Is(err, config.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSet_Validation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	bad := map[string]string{
		"approval.unknown":                    "x",
		config.KeyNotifications:               "maybe",
		config.KeyAdminEmail:                  "not an address",
		config.KeyBaseURL:                     "/relative",
		config.KeyEndEntityProfileLimitations: "2",
	}
	for k, v := range bad {
		if err := st.Set(ctx, k, v); err == nil {
			t.Errorf("Set(%q, %q) should fail", k, v)
		}
	}
}

func TestLoadSettings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	s, err := config.Load(ctx, st)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if s != config.Defaults() {
		t.Errorf("expected defaults, got %+v", s)
	}

	must := func(k, v string) {
		t.Helper()
		if err := st.Set(ctx, k, v); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}
	must(config.KeyNotifications, "true")
	must(config.KeyAdminEmail, "pki-admins@example.com")
	must(config.KeyEndEntityProfileLimitations, "true")

	s, err = config.Load(ctx, st)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Notifications || !s.EndEntityProfileLimitations || s.AdminEmail != "pki-admins@example.com" {
		t.Errorf("unexpected settings %+v", s)
	}
}

func TestReloader_Refresh(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	r, err := config.NewReloader(ctx, st, 0)
	if err != nil {
		t.Fatalf("NewReloader: %v", err)
	}
	if r.Current().Notifications {
		t.Fatal("notifications should start disabled")
	}

	if err := st.Set(ctx, config.KeyNotifications, "true"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if r.Current().Notifications {
		t.Fatal("snapshot must not change before Refresh")
	}
	if err := r.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !r.Current().Notifications {
		t.Fatal("snapshot should reflect the stored value after Refresh")
	}
}

func TestConcurrentSet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := st.Set(ctx, config.KeyAdminEmail, fmt.Sprintf("admin%d@example.com", i)); err != nil {
				t.Errorf("Set: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected one key, got %d", len(all))
	}
}
