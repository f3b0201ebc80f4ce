package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Treynis/ejbca/common/retry"
	"github.com/Treynis/ejbca/common/trace"
	"github.com/Treynis/ejbca/internal/kessai/admin"
)

// Get returns one case if caller may act on it.
func (e *Engine) Get(ctx context.Context, caller admin.Identity, caseID string) (*Case, error) {
	c, err := e.store.Load(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := e.authorize(ctx, caller, c, e.settings.Current()); err != nil {
		return nil, err
	}
	return c, nil
}

// List returns the cases matching f that caller may act on, newest first.
func (e *Engine) List(ctx context.Context, caller admin.Identity, f Filter) ([]*Case, error) {
	all, err := e.store.List(ctx, f)
	if err != nil {
		return nil, err
	}
	s := e.settings.Current()
	out := make([]*Case, 0, len(all))
	for _, c := range all {
		if e.authorize(ctx, caller, c, s) == nil {
			out = append(out, c)
		}
	}
	return out, nil
}

// SubmitRequest describes a new approval request.
type SubmitRequest struct {
	ProfileID          string
	CAID               int
	EndEntityProfileID int
	Action             GatedAction
	// TTL bounds how long the request accepts votes. Zero means
	// DefaultRequestTTL.
	TTL time.Duration
}

// Submit stores a new pending case requested by caller. An identical live
// request yields ErrAlreadyPending.
func (e *Engine) Submit(ctx context.Context, caller admin.Identity, req SubmitRequest) (*Case, error) {
	ctx, _ = trace.Ensure(ctx)
	ctx, span := tracer.Start(ctx, "approvals.submit", oteltrace.WithAttributes(
		attribute.String("approval.kind", string(req.Action.Kind)),
	))
	defer span.End()

	c, err := e.submit(ctx, caller, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	if c != nil {
		e.record(ctx, opSubmit, caller, c, nil, nil, err)
	}
	return c, err
}

func (e *Engine) submit(ctx context.Context, caller admin.Identity, req SubmitRequest) (*Case, error) {
	action := req.Action.clone()
	action.Requester = caller
	action.Editor = nil
	if err := action.Validate(); err != nil {
		return nil, err
	}
	if req.CAID != AnyCA && !e.authz.IsAuthorized(ctx, caller, CAResource(req.CAID)) {
		return nil, fmt.Errorf("access to %s: %w", CAResource(req.CAID), ErrAuthorizationDenied)
	}
	if _, err := e.profiles.Profile(ctx, req.ProfileID); err != nil {
		return nil, fmt.Errorf("failed to load approval profile %q: %w", req.ProfileID, err)
	}

	id, err := ComputeID(req.ProfileID, req.CAID, req.EndEntityProfileID, action)
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultRequestTTL
	}
	now := e.now()
	c := &Case{
		ID:                 id,
		ProfileID:          req.ProfileID,
		Action:             action,
		Status:             StatusPending,
		CAID:               req.CAID,
		EndEntityProfileID: req.EndEntityProfileID,
		RequestedAt:        now,
		ExpiresAt:          now.Add(ttl),
	}
	if err := e.store.Create(ctx, c); err != nil {
		return nil, err
	}
	slog.Info("approval request submitted", "case", c.ID, "kind", action.Kind, "requester", caller.String())
	return c, nil
}

// Edit changes the action of a pending case. The edited request gets a new
// ID, every vote cast so far moves to OldVotes where it still blocks repeat
// votes, and caller becomes the editor, who may not vote on this version.
func (e *Engine) Edit(ctx context.Context, caller admin.Identity, caseID string, mutate func(*GatedAction) error) (*Case, error) {
	ctx, _ = trace.Ensure(ctx)
	ctx, span := tracer.Start(ctx, "approvals.edit", oteltrace.WithAttributes(
		attribute.String("approval.case_id", caseID),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock case %s: %w", caseID, err)
	}

	var (
		edited *Case
		seen   *Case
	)
	err = retry.Do(ctx, e.retry, func() error {
		var attemptErr error
		edited, seen, attemptErr = e.editAttempt(ctx, caller, caseID, mutate)
		return attemptErr
	})
	unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	if seen == nil {
		return nil, err
	}
	e.record(ctx, opEdit, caller, seen, nil, nil, err)
	if err != nil {
		return nil, err
	}
	slog.Info("approval request edited", "old_case", caseID, "case", edited.ID, "editor", caller.String())
	return edited, nil
}

func (e *Engine) editAttempt(ctx context.Context, caller admin.Identity, caseID string, mutate func(*GatedAction) error) (*Case, *Case, error) {
	c, err := e.store.Load(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}
	if err := e.authorize(ctx, caller, c, e.settings.Current()); err != nil {
		return nil, c, err
	}
	now := e.now()
	if c.Expired(now) {
		return nil, c, fmt.Errorf("case %s expired at %s: %w", c.ID, c.ExpiresAt.Format(time.RFC3339), ErrRequestExpired)
	}
	if c.Status != StatusPending {
		return nil, c, fmt.Errorf("case %s is %s: %w", c.ID, c.Status, ErrWrongState)
	}

	action := c.Action.clone()
	if err := mutate(&action); err != nil {
		return nil, c, retry.Permanent(fmt.Errorf("failed to edit case %s: %w", c.ID, err))
	}
	action.Kind = c.Action.Kind
	action.Requester = c.Action.Requester
	editor := caller
	action.Editor = &editor
	if err := action.Validate(); err != nil {
		return nil, c, err
	}

	id, err := ComputeID(c.ProfileID, c.CAID, c.EndEntityProfileID, action)
	if err != nil {
		return nil, c, err
	}

	next := &Case{
		ID:                 id,
		ProfileID:          c.ProfileID,
		Action:             action,
		OldVotes:           append(append([]Vote(nil), c.OldVotes...), c.Votes...),
		Status:             StatusPending,
		CAID:               c.CAID,
		EndEntityProfileID: c.EndEntityProfileID,
		RequestedAt:        now,
		ExpiresAt:          now.Add(c.ExpiresAt.Sub(c.RequestedAt)),
	}
	if err := e.store.Replace(ctx, c, c.Version, next); err != nil {
		return nil, c, err
	}
	return next, next, nil
}

// Purge removes cases whose ExpiresAt lies more than retention in the past.
// It is record cleanup only; expiry of live cases is evaluated on access.
func (e *Engine) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := e.store.Purge(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged approval cases", "count", n, "retention", retention)
	}
	return n, nil
}

// IsVoteError reports whether err is one of the engine's outcome errors as
// opposed to an infrastructure failure.
func IsVoteError(err error) bool {
	for _, target := range []error{
		ErrRequestNotFound, ErrRequestExpired, ErrWrongState, ErrAuthorizationDenied,
		ErrAlreadyApproved, ErrSelfApproval, ErrExecutionFailed, ErrAlreadyPending,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return IsInvalidAction(err)
}
