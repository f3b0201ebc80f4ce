package environment_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Treynis/ejbca/common/environment"
)

func TestStringOr(t *testing.T) {
	t.Setenv("KESSAI_TEST_STRING", "hello")
	if got := environment.StringOr("KESSAI_TEST_STRING", "default"); got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}
	if got := environment.StringOr("KESSAI_TEST_STRING_MISSING", "default"); got != "default" {
		t.Errorf("expected %q, got %q", "default", got)
	}
}

func TestRequiredString(t *testing.T) {
	t.Setenv("KESSAI_TEST_REQUIRED", "value")
	if v, err := environment.RequiredString("KESSAI_TEST_REQUIRED"); err != nil || v != "value" {
		t.Fatalf("got (%q, %v)", v, err)
	}
	if _, err := environment.RequiredString("KESSAI_TEST_REQUIRED_MISSING"); err == nil {
		t.Error("expected error for missing variable")
	}
}

func TestScalarHelpers(t *testing.T) {
	t.Setenv("KESSAI_TEST_BOOL", "true")
	t.Setenv("KESSAI_TEST_INT", "42")
	t.Setenv("KESSAI_TEST_DUR", "30s")
	t.Setenv("KESSAI_TEST_SLICE", "a, b , c")

	if !environment.BoolOr("KESSAI_TEST_BOOL", false) {
		t.Error("expected true")
	}
	if got := environment.IntOr("KESSAI_TEST_INT", 0); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}
	if got := environment.DurationOr("KESSAI_TEST_DUR", time.Minute); got != 30*time.Second {
		t.Errorf("expected 30s, got %v", got)
	}
	if got := environment.StringSliceOr("KESSAI_TEST_SLICE", nil); len(got) != 3 || got[1] != "b" {
		t.Errorf("unexpected slice %v", got)
	}
	if got := environment.IntOr("KESSAI_TEST_INT_MISSING", 7); got != 7 {
		t.Errorf("expected default 7, got %d", got)
	}
}

func TestLoader_CollectsAllErrors(t *testing.T) {
	t.Setenv("KT_PORT", "not-a-number")
	t.Setenv("KT_TIMEOUT", "soon")
	t.Setenv("KT_NAME", "kessai")

	l := environment.NewLoader("KT_")
	if got := l.String("NAME", "x"); got != "kessai" {
		t.Errorf("expected kessai, got %q", got)
	}
	if got := l.Int("PORT", 8080); got != 8080 {
		t.Errorf("expected fallback 8080, got %d", got)
	}
	if got := l.Duration("TIMEOUT", time.Second); got != time.Second {
		t.Errorf("expected fallback 1s, got %v", got)
	}
	l.Required("SECRET")

	err := l.Err()
	if err == nil {
		t.Fatal("expected joined error")
	}
	for _, want := range []string{"KT_PORT", "KT_TIMEOUT", "KT_SECRET"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLoader_NoErrors(t *testing.T) {
	t.Setenv("KT_FLAG", "false")
	t.Setenv("KT_LIST", "x,y")

	l := environment.NewLoader("KT_")
	if l.Bool("FLAG", true) {
		t.Error("expected false")
	}
	if got := l.List("LIST", nil); len(got) != 2 {
		t.Errorf("expected two items, got %v", got)
	}
	if err := l.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
