package seal_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/Treynis/ejbca/common/seal"
)

func newSealer(t *testing.T) *seal.Sealer {
	t.Helper()
	key := make([]byte, seal.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := seal.New(key)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSealOpen(t *testing.T) {
	s := newSealer(t)
	plain := []byte(`{"authentication_code":"foo123"}`)

	sealed, err := s.Seal(plain, []byte("case-1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !seal.IsSealed(sealed) {
		t.Fatalf("expected sealed prefix, got %q", sealed)
	}
	if strings.Contains(sealed, "foo123") {
		t.Fatal("sealed value leaks plaintext")
	}

	got, err := s.Open(sealed, []byte("case-1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("got %q, want %q", got, plain)
	}
}

func TestOpen_WrongAdditionalData(t *testing.T) {
	s := newSealer(t)
	sealed, err := s.Seal([]byte("secret"), []byte("case-1"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if _, err := s.Open(sealed, []byte("case-2")); err == nil {
		t.Fatal("expected failure when the payload is moved to another case")
	}
}

func TestOpen_NotSealed(t *testing.T) {
	s := newSealer(t)
	if _, err := s.Open(`{"kind":"revoke"}`, nil); !errors.Is(err, seal.ErrNotSealed) {
		t.Fatalf("expected ErrNotSealed, got %v", err)
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	s := newSealer(t)
	a, _ := s.Seal([]byte("same"), nil)
	b, _ := s.Seal([]byte("same"), nil)
	if a == b {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestNew_InvalidKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		if _, err := seal.New(make([]byte, n)); !errors.Is(err, seal.ErrInvalidKeySize) {
			t.Errorf("size %d: expected ErrInvalidKeySize, got %v", n, err)
		}
	}
}

func TestParseKey(t *testing.T) {
	key, err := seal.ParseKey(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if len(key) != seal.KeySize {
		t.Errorf("expected %d bytes, got %d", seal.KeySize, len(key))
	}
	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := seal.ParseKey(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
