package approvals

import (
	"errors"
	"fmt"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/admin"
)

// Kind names the variant of a GatedAction.
type Kind string

const (
	KindActivateCAKey         Kind = "activate_ca_key"
	KindAddEndEntity          Kind = "add_end_entity"
	KindChangeEndEntityStatus Kind = "change_end_entity_status"
	KindEditEndEntity         Kind = "edit_end_entity"
	KindRecoverKey            Kind = "recover_key"
	KindRevoke                Kind = "revoke"
	KindGeneric               Kind = "generic"
)

// Kinds lists every action variant. The dispatch table must cover each.
func Kinds() []Kind {
	return []Kind{
		KindActivateCAKey,
		KindAddEndEntity,
		KindChangeEndEntityStatus,
		KindEditEndEntity,
		KindRecoverKey,
		KindRevoke,
		KindGeneric,
	}
}

// GatedAction is the operation an approval case protects. Exactly one
// payload pointer is set and it matches Kind.
type GatedAction struct {
	Kind       Kind `json:"kind"`
	Executable bool `json:"executable"`
	// ValidityDuration is how long an Approved or Rejected decision stays
	// usable after resolution.
	ValidityDuration time.Duration   `json:"validity_duration"`
	Requester        admin.Identity  `json:"requester"`
	Editor           *admin.Identity `json:"editor,omitempty"`

	ActivateCAKey *CAKeyActivation `json:"activate_ca_key,omitempty"`
	EndEntity     *EndEntity       `json:"end_entity,omitempty"`
	StatusChange  *StatusChange    `json:"status_change,omitempty"`
	KeyRecovery   *KeyRecovery     `json:"key_recovery,omitempty"`
	Revocation    *Revocation      `json:"revocation,omitempty"`
	Generic       *GenericAction   `json:"generic,omitempty"`
}

// CAKeyActivation brings a CA's signing key online.
type CAKeyActivation struct {
	CAID               int    `json:"ca_id"`
	AuthenticationCode string `json:"authentication_code"`
}

// EndEntity is the registration data used by both AddEndEntity and
// EditEndEntity.
type EndEntity struct {
	Username             string `json:"username"`
	SubjectDN            string `json:"subject_dn"`
	SubjectAltName       string `json:"subject_alt_name,omitempty"`
	Email                string `json:"email,omitempty"`
	CAID                 int    `json:"ca_id"`
	EndEntityProfileID   int    `json:"end_entity_profile_id"`
	CertificateProfileID int    `json:"certificate_profile_id"`
	Password             string `json:"password,omitempty"`
	KeyRecoverable       bool   `json:"key_recoverable,omitempty"`
}

// StatusChange moves an end entity to a new registration status.
type StatusChange struct {
	Username  string `json:"username"`
	NewStatus string `json:"new_status"`
}

// KeyRecovery marks a certificate's escrowed key for recovery.
type KeyRecovery struct {
	Username          string `json:"username"`
	IssuerDN          string `json:"issuer_dn"`
	CertificateSerial string `json:"certificate_serial"`
}

// Revocation revokes one certificate.
type Revocation struct {
	Username          string `json:"username,omitempty"`
	IssuerDN          string `json:"issuer_dn"`
	CertificateSerial string `json:"certificate_serial"`
	Reason            int    `json:"reason"`
}

// GenericAction carries its own behaviour: Name selects a runner registered
// in Executors.Generic, Params is handed to it.
type GenericAction struct {
	Name   string            `json:"name"`
	Params map[string]string `json:"params,omitempty"`
}

var errInvalidAction = errors.New("invalid gated action")

// Validate checks that exactly one payload is present and that it matches
// Kind.
func (a *GatedAction) Validate() error {
	set := 0
	for _, p := range []bool{
		a.ActivateCAKey != nil, a.EndEntity != nil, a.StatusChange != nil,
		a.KeyRecovery != nil, a.Revocation != nil, a.Generic != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: expected exactly one payload, got %d", errInvalidAction, set)
	}

	var ok bool
	switch a.Kind {
	case KindActivateCAKey:
		ok = a.ActivateCAKey != nil
	case KindAddEndEntity, KindEditEndEntity:
		ok = a.EndEntity != nil && a.EndEntity.Username != ""
	case KindChangeEndEntityStatus:
		ok = a.StatusChange != nil && a.StatusChange.Username != ""
	case KindRecoverKey:
		ok = a.KeyRecovery != nil && a.KeyRecovery.CertificateSerial != ""
	case KindRevoke:
		ok = a.Revocation != nil && a.Revocation.CertificateSerial != ""
	case KindGeneric:
		ok = a.Generic != nil && a.Generic.Name != ""
	default:
		return fmt.Errorf("%w: unknown kind %q", errInvalidAction, a.Kind)
	}
	if !ok {
		return fmt.Errorf("%w: payload does not match kind %q", errInvalidAction, a.Kind)
	}
	if a.Requester.IsZero() {
		return fmt.Errorf("%w: requester is required", errInvalidAction)
	}
	if a.ValidityDuration < 0 {
		return fmt.Errorf("%w: negative validity duration", errInvalidAction)
	}
	return nil
}

// IsInvalidAction reports whether err came from GatedAction.Validate.
func IsInvalidAction(err error) bool {
	return errors.Is(err, errInvalidAction)
}

// Secrets returns the credential values the payload carries, for redaction.
func (a *GatedAction) Secrets() []string {
	var out []string
	if a.ActivateCAKey != nil && a.ActivateCAKey.AuthenticationCode != "" {
		out = append(out, a.ActivateCAKey.AuthenticationCode)
	}
	if a.EndEntity != nil && a.EndEntity.Password != "" {
		out = append(out, a.EndEntity.Password)
	}
	return out
}

// Summary is a one-line description without credentials.
func (a *GatedAction) Summary() string {
	switch {
	case a.ActivateCAKey != nil:
		return fmt.Sprintf("activate key of CA %d", a.ActivateCAKey.CAID)
	case a.EndEntity != nil && a.Kind == KindAddEndEntity:
		return fmt.Sprintf("add end entity %s (%s)", a.EndEntity.Username, a.EndEntity.SubjectDN)
	case a.EndEntity != nil:
		return fmt.Sprintf("edit end entity %s (%s)", a.EndEntity.Username, a.EndEntity.SubjectDN)
	case a.StatusChange != nil:
		return fmt.Sprintf("set status of %s to %s", a.StatusChange.Username, a.StatusChange.NewStatus)
	case a.KeyRecovery != nil:
		return fmt.Sprintf("recover key of certificate %s", a.KeyRecovery.CertificateSerial)
	case a.Revocation != nil:
		return fmt.Sprintf("revoke certificate %s (reason %d)", a.Revocation.CertificateSerial, a.Revocation.Reason)
	case a.Generic != nil:
		return "run " + a.Generic.Name
	}
	return string(a.Kind)
}

func (a GatedAction) clone() GatedAction {
	out := a
	if a.Editor != nil {
		e := *a.Editor
		out.Editor = &e
	}
	if a.ActivateCAKey != nil {
		p := *a.ActivateCAKey
		out.ActivateCAKey = &p
	}
	if a.EndEntity != nil {
		p := *a.EndEntity
		out.EndEntity = &p
	}
	if a.StatusChange != nil {
		p := *a.StatusChange
		out.StatusChange = &p
	}
	if a.KeyRecovery != nil {
		p := *a.KeyRecovery
		out.KeyRecovery = &p
	}
	if a.Revocation != nil {
		p := *a.Revocation
		out.Revocation = &p
	}
	if a.Generic != nil {
		p := *a.Generic
		p.Params = make(map[string]string, len(a.Generic.Params))
		for k, v := range a.Generic.Params {
			p.Params[k] = v
		}
		out.Generic = &p
	}
	return out
}
