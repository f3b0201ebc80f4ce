// Package audit records security events of the approval service.
//
// Every vote, edit and submission produces one Event. The SQL log keeps the
// authoritative record; the room log mirrors a one-line summary into a Matrix
// room so operators can follow activity without querying the database.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Treynis/ejbca/common/redact"
	"github.com/Treynis/ejbca/common/trace"
	"github.com/Treynis/ejbca/internal/kessai/store"
)

// Event kinds, module and service names as they appear in the security
// audit log of the CA suite.
const (
	KindApprovalAdd     = "APPROVAL_ADD"
	KindApprovalApprove = "APPROVAL_APPROVE"
	KindApprovalReject  = "APPROVAL_REJECT"
	KindApprovalEdit    = "APPROVAL_EDIT"

	ModuleApproval = "APPROVAL"
	ServiceEJBCA   = "EJBCA"
)

// Outcome is the result of the audited operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is one security event.
type Event struct {
	Kind    string
	Outcome Outcome
	Module  string
	Service string
	Actor   string
	CAID    string
	CaseID  string
	Details map[string]any
	// Secrets are credential values that must not appear anywhere in the
	// stored record.
	Secrets []string
	// TraceID defaults to the correlation ID in the context.
	TraceID   string
	Timestamp time.Time
}

// Logger records events. Implementations log their own failures.
type Logger interface {
	Log(ctx context.Context, e Event)
}

func (e *Event) normalize(ctx context.Context) {
	if e.TraceID == "" {
		e.TraceID = trace.FromContext(ctx)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Details = scrub(e.Details, e.Secrets)
	e.Secrets = nil
}

func scrub(details map[string]any, secrets []string) map[string]any {
	out := redact.Map(details)
	for k, v := range out {
		if s, ok := v.(string); ok {
			out[k] = redact.String(s, secrets...)
		}
	}
	return out
}

// SQLLog writes events to the audit_log table.
type SQLLog struct {
	db *store.Store
}

// NewSQLLog creates a SQLLog on the shared database.
func NewSQLLog(db *store.Store) *SQLLog {
	return &SQLLog{db: db}
}

// Log stores e. A failed write is logged and dropped.
func (l *SQLLog) Log(ctx context.Context, e Event) {
	e.normalize(ctx)
	err := l.db.WriteAudit(ctx, &store.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: e.Timestamp,
		TraceID:   e.TraceID,
		EventKind: e.Kind,
		Outcome:   string(e.Outcome),
		Module:    e.Module,
		Service:   e.Service,
		Actor:     e.Actor,
		CAID:      e.CAID,
		CaseID:    e.CaseID,
		Details:   e.Details,
	})
	if err != nil {
		slog.Error("failed to write audit event", "kind", e.Kind, "case", e.CaseID, "err", err)
	}
}

// Multi fans an event out to several loggers.
type Multi []Logger

// Log forwards e to every logger.
func (m Multi) Log(ctx context.Context, e Event) {
	for _, l := range m {
		l.Log(ctx, e)
	}
}

// Noop discards events.
type Noop struct{}

// Log does nothing.
func (Noop) Log(context.Context, Event) {}
