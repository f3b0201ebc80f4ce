package approvals

import (
	"context"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/audit"
	"github.com/Treynis/ejbca/internal/kessai/config"
)

// Authorizer answers whether an administrator holds access to a resource
// path such as "/ca/3".
type Authorizer interface {
	IsAuthorized(ctx context.Context, who admin.Identity, resource string) bool
}

// CaseProfile decides which votes a case accepts and when it is decided.
type CaseProfile interface {
	// IsVoteAdmissible reports whether v may be added to votes: the voter
	// is eligible for its step and partition and earlier steps are done.
	IsVoteAdmissible(votes []Vote, v Vote) bool
	// CanResolve reports whether votes settle the case either way.
	CanResolve(votes []Vote) bool
	// Remaining is the number of approvals still missing.
	Remaining(votes []Vote) int
}

// ProfileProvider looks up the profile a case was created under.
type ProfileProvider interface {
	Profile(ctx context.Context, id string) (CaseProfile, error)
}

// CATokenActivator brings a CA's crypto token online.
type CATokenActivator interface {
	ActivateCAToken(ctx context.Context, req *CAKeyActivation) error
}

// EndEntityManager performs the registration authority operations that may
// be gated.
type EndEntityManager interface {
	AddEndEntity(ctx context.Context, ee *EndEntity) error
	EditEndEntity(ctx context.Context, ee *EndEntity) error
	ChangeEndEntityStatus(ctx context.Context, req *StatusChange) error
	MarkForKeyRecovery(ctx context.Context, req *KeyRecovery) error
	RevokeCertificate(ctx context.Context, req *Revocation) error
}

// GenericRunner executes a GenericAction.
type GenericRunner func(ctx context.Context, params map[string]string) error

// Executors bundles the collaborators that run approved actions.
type Executors struct {
	CAToken     CATokenActivator
	EndEntities EndEntityManager
	Generic     map[string]GenericRunner
}

// Locker serializes work on one key across goroutines or processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Notifier delivers approval notifications. Delivery is best effort;
// implementations log their own failures.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// AuditLog records security events.
type AuditLog interface {
	Log(ctx context.Context, e audit.Event)
}

// SettingsSource yields the current runtime settings snapshot.
type SettingsSource interface {
	Current() config.Settings
}

// Observer receives engine measurements.
type Observer interface {
	ObserveVote(op string, err error)
	ObserveResolution(status Status)
	ObserveExecution(kind Kind, d time.Duration, err error)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, Notification) {}

type noopAudit struct{}

func (noopAudit) Log(context.Context, audit.Event) {}

type noopObserver struct{}

func (noopObserver) ObserveVote(string, error)                   {}
func (noopObserver) ObserveResolution(Status)                    {}
func (noopObserver) ObserveExecution(Kind, time.Duration, error) {}
