// Package seal encrypts approval payloads at rest with AES-256-GCM.
//
// A pending case can hold enrollment passwords or CA token authentication
// codes for hours; the case store keeps the serialized action sealed so that
// a database dump does not leak them.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	KeySize   = 32
	nonceSize = 12
	prefix    = "sealed:v1:"
)

var (
	ErrInvalidKeySize = fmt.Errorf("seal key must be exactly %d bytes", KeySize)
	ErrNotSealed      = errors.New("value is not sealed")
	ErrTooShort       = errors.New("sealed value too short")
)

// Sealer encrypts and decrypts byte strings with one master key.
type Sealer struct {
	aead cipher.AEAD
}

// New builds a Sealer from a raw 32-byte key.
func New(key []byte) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// ParseKey decodes a 64 character hex key, as produced by
// `openssl rand -hex 32`.
func ParseKey(rawHex string) ([]byte, error) {
	raw := strings.TrimSpace(rawHex)
	if raw == "" {
		return nil, errors.New("seal key is empty")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in seal key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("seal key must be %d bytes (%d hex chars), got %d bytes", KeySize, KeySize*2, len(key))
	}
	return key, nil
}

// Seal returns a printable, prefixed ciphertext of plaintext. The additional
// data binds the ciphertext to its row so a sealed payload cannot be moved to
// another case.
func (s *Sealer) Seal(plaintext, additional []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, plaintext, additional)
	return prefix + base64.RawStdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string, additional []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to decode sealed value: %w", err)
	}
	if len(raw) < nonceSize {
		return nil, ErrTooShort
	}
	plain, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], additional)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed value: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, prefix)
}
