// Package admin identifies the administrators who request, edit and vote on
// approval cases.
package admin

import (
	"fmt"
	"strings"
)

// Identity is an administrator authenticated by client certificate. Two
// identities are the same administrator when both the issuer DN and the
// certificate serial number match.
type Identity struct {
	IssuerDN  string `json:"issuer_dn" yaml:"issuer_dn"`
	Serial    string `json:"serial" yaml:"serial"`
	SubjectDN string `json:"subject_dn,omitempty" yaml:"subject_dn,omitempty"`
}

// Equal compares issuer DN exactly and the serial number without regard to
// case or leading zeros.
func (i Identity) Equal(o Identity) bool {
	if i.IsZero() || o.IsZero() {
		return false
	}
	return i.IssuerDN == o.IssuerDN && normalizeSerial(i.Serial) == normalizeSerial(o.Serial)
}

// IsZero reports whether the identity carries no certificate reference.
func (i Identity) IsZero() bool {
	return i.IssuerDN == "" && i.Serial == ""
}

// Key is a stable map key for the identity.
func (i Identity) Key() string {
	return i.IssuerDN + "#" + normalizeSerial(i.Serial)
}

func (i Identity) String() string {
	if i.SubjectDN != "" {
		return fmt.Sprintf("%s (serial %s, issuer %s)", i.SubjectDN, i.Serial, i.IssuerDN)
	}
	return fmt.Sprintf("serial %s, issuer %s", i.Serial, i.IssuerDN)
}

func normalizeSerial(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "0x")
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" && s != "" {
		return "0"
	}
	return trimmed
}
