package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Treynis/ejbca/common/retry"
	"github.com/Treynis/ejbca/common/trace"
	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/audit"
)

const (
	opApprove = "approve"
	opReject  = "reject"
	opEdit    = "edit"
	opSubmit  = "submit"
)

var tracer = otel.Tracer("github.com/Treynis/ejbca/internal/kessai/approvals")

// Config wires an Engine. Store, Authorizer, Profiles and Settings are
// required; the rest have no-op defaults.
type Config struct {
	Store      CaseStore
	Authorizer Authorizer
	Profiles   ProfileProvider
	Executors  Executors
	Locker     Locker
	Settings   SettingsSource
	Notifier   Notifier
	Audit      AuditLog
	Observer   Observer
	// Retry governs how often a vote is re-attempted after ErrConflict.
	Retry retry.Config
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Engine casts votes on approval cases and runs approved actions.
type Engine struct {
	store     CaseStore
	authz     Authorizer
	profiles  ProfileProvider
	executors Executors
	locker    Locker
	settings  SettingsSource
	notifier  Notifier
	audit     AuditLog
	observer  Observer
	retry     retry.Config
	now       func() time.Time
}

// Result reports the state of a case after a successful vote.
type Result struct {
	Case      *Case
	Vote      Vote
	Resolved  bool
	Remaining int
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("approvals: case store is required")
	case cfg.Authorizer == nil:
		return nil, errors.New("approvals: authorizer is required")
	case cfg.Profiles == nil:
		return nil, errors.New("approvals: profile provider is required")
	case cfg.Settings == nil:
		return nil, errors.New("approvals: settings source is required")
	case cfg.Locker == nil:
		return nil, errors.New("approvals: locker is required")
	}

	e := &Engine{
		store:     cfg.Store,
		authz:     cfg.Authorizer,
		profiles:  cfg.Profiles,
		executors: cfg.Executors,
		locker:    cfg.Locker,
		settings:  cfg.Settings,
		notifier:  cfg.Notifier,
		audit:     cfg.Audit,
		observer:  cfg.Observer,
		retry:     cfg.Retry,
		now:       cfg.Now,
	}
	if e.notifier == nil {
		e.notifier = noopNotifier{}
	}
	if e.audit == nil {
		e.audit = noopAudit{}
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.retry.MaxAttempts == 0 {
		e.retry = retry.Config{MaxAttempts: 5, InitialDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond}
	}
	e.retry.ShouldRetry = func(err error) bool { return errors.Is(err, ErrConflict) }
	return e, nil
}

// Approve records an approving vote by caller. When the vote completes the
// case an executable action runs before Approve returns; its failure is
// reported as an *ExecutionError.
func (e *Engine) Approve(ctx context.Context, caller admin.Identity, caseID string, v Vote) (*Result, error) {
	return e.vote(ctx, opApprove, caller, caseID, v)
}

// Reject records a rejecting vote by caller. Whether one rejection decides
// the case is up to its profile.
func (e *Engine) Reject(ctx context.Context, caller admin.Identity, caseID string, v Vote) (*Result, error) {
	return e.vote(ctx, opReject, caller, caseID, v)
}

func (e *Engine) vote(ctx context.Context, op string, caller admin.Identity, caseID string, v Vote) (*Result, error) {
	ctx, _ = trace.Ensure(ctx)
	ctx, span := tracer.Start(ctx, "approvals."+op, oteltrace.WithAttributes(
		attribute.String("approval.case_id", caseID),
		attribute.Int("approval.step", v.StepID),
		attribute.Int("approval.partition", v.PartitionID),
	))
	defer span.End()

	unlock, err := e.locker.Lock(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock case %s: %w", caseID, err)
	}

	var (
		res  *Result
		seen *Case
	)
	err = retry.Do(ctx, e.retry, func() error {
		var attemptErr error
		res, seen, attemptErr = e.attempt(ctx, op, caller, caseID, v)
		return attemptErr
	})
	unlock()

	e.observer.ObserveVote(op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}

	if seen == nil {
		slog.Info("vote on unknown approval case", "op", op, "case", caseID, "admin", caller.String(), "err", err)
		return nil, err
	}

	e.record(ctx, op, caller, seen, &v, res, err)
	if err == nil {
		if s := e.settings.Current(); s.Notifications {
			e.notifier.Notify(ctx, buildNotification(op, s, res))
		}
		span.SetAttributes(attribute.String("approval.status", string(res.Case.Status)))
	}
	return res, err
}

// attempt runs one load-check-save cycle. It returns the last case it
// loaded so the caller can audit against it.
func (e *Engine) attempt(ctx context.Context, op string, caller admin.Identity, caseID string, v Vote) (*Result, *Case, error) {
	c, err := e.store.Load(ctx, caseID)
	if err != nil {
		return nil, nil, err
	}

	if err := e.authorize(ctx, caller, c, e.settings.Current()); err != nil {
		return nil, c, err
	}
	if err := checkVotePossible(caller, c, v); err != nil {
		return nil, c, err
	}

	now := e.now()
	v.ID = uuid.NewString()
	v.Admin = caller
	v.Accepted = op == opApprove
	v.CastAt = now

	if c.Expired(now) {
		return nil, c, fmt.Errorf("case %s expired at %s: %w", c.ID, c.ExpiresAt.Format(time.RFC3339), ErrRequestExpired)
	}
	if c.Status != StatusPending {
		return nil, c, fmt.Errorf("case %s is %s: %w", c.ID, c.Status, ErrWrongState)
	}

	profile, err := e.profiles.Profile(ctx, c.ProfileID)
	if err != nil {
		return nil, c, fmt.Errorf("failed to load approval profile %q: %w", c.ProfileID, err)
	}
	if !profile.IsVoteAdmissible(c.Votes, v) {
		return nil, c, fmt.Errorf("vote on step %d partition %d of %s not admissible: %w",
			v.StepID, v.PartitionID, c.ID, ErrAuthorizationDenied)
	}

	next := c.clone()
	next.Votes = append(next.Votes, v)
	res := &Result{Vote: v}

	if !profile.CanResolve(next.Votes) {
		if err := e.store.CompareAndSave(ctx, next, c.Version); err != nil {
			return nil, c, err
		}
		res.Case = next
		res.Remaining = profile.Remaining(next.Votes)
		return res, next, nil
	}

	res.Resolved = true
	return e.resolve(ctx, op, c, next, res, now)
}

func (e *Engine) resolve(ctx context.Context, op string, prev, next *Case, res *Result, now time.Time) (*Result, *Case, error) {
	action := &next.Action
	switch {
	case op == opReject && action.Executable:
		next.Status = StatusExecutionDenied
		next.ExpiresAt = now
	case op == opReject:
		next.Status = StatusRejected
		next.ExpiresAt = now.Add(action.ValidityDuration)
	case !action.Executable:
		next.Status = StatusApproved
		next.ExpiresAt = now.Add(action.ValidityDuration)
	default:
		return e.execute(ctx, prev, next, res)
	}

	if err := e.store.CompareAndSave(ctx, next, prev.Version); err != nil {
		return nil, prev, err
	}
	e.observer.ObserveResolution(next.Status)
	res.Case = next
	return res, next, nil
}

// execute claims the case by saving it as Executing, runs the action and
// records the outcome. Only the caller that wins the claim runs the action;
// nothing after the claim is retried.
func (e *Engine) execute(ctx context.Context, prev, next *Case, res *Result) (*Result, *Case, error) {
	next.Status = StatusExecuting
	if err := e.store.CompareAndSave(ctx, next, prev.Version); err != nil {
		return nil, prev, err
	}

	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "approvals.execute", oteltrace.WithAttributes(
		attribute.String("approval.kind", string(next.Action.Kind)),
	))
	started := time.Now()
	execErr := e.executors.Run(ctx, &next.Action)
	e.observer.ObserveExecution(next.Action.Kind, time.Since(started), execErr)
	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "execution failed")
	}
	span.End()

	claimed := next.Version
	if execErr != nil {
		next.Status = StatusExecutionFailed
		slog.Warn("approved action failed", "case", next.ID, "kind", next.Action.Kind, "err", execErr)
	} else {
		next.Status = StatusExecuted
		next.ExpiresAt = e.now()
	}

	if err := e.store.CompareAndSave(ctx, next, claimed); err != nil {
		slog.Error("action ran but its outcome could not be recorded",
			"case", next.ID, "kind", next.Action.Kind, "outcome", next.Status, "err", err)
		return nil, next, retry.Permanent(fmt.Errorf("failed to record outcome of case %s: %v", next.ID, err))
	}
	e.observer.ObserveResolution(next.Status)
	res.Case = next

	if execErr != nil {
		return nil, next, retry.Permanent(&ExecutionError{CaseID: next.ID, Kind: next.Action.Kind, Err: execErr})
	}
	return res, next, nil
}

func (e *Engine) record(ctx context.Context, op string, caller admin.Identity, c *Case, v *Vote, res *Result, err error) {
	kind := audit.KindApprovalApprove
	switch op {
	case opReject:
		kind = audit.KindApprovalReject
	case opEdit:
		kind = audit.KindApprovalEdit
	case opSubmit:
		kind = audit.KindApprovalAdd
	}

	details := map[string]any{"action": c.Action.Summary()}
	if v != nil {
		details["step"] = v.StepID
		details["partition"] = v.PartitionID
		if v.Comment != "" {
			details["comment"] = v.Comment
		}
	}

	outcome := audit.OutcomeSuccess
	switch {
	case err != nil:
		outcome = audit.OutcomeFailure
		details["msg"] = fmt.Sprintf("%s of approval request failed", op)
		details["reason"] = Reason(err)
		details["error"] = err.Error()
	case res != nil:
		details["msg"] = fmt.Sprintf("%s of approval request recorded", op)
		details["status"] = string(res.Case.Status)
		details["remaining"] = res.Remaining
	default:
		details["msg"] = fmt.Sprintf("%s of approval request recorded", op)
		details["status"] = string(c.Status)
	}

	e.audit.Log(ctx, audit.Event{
		Kind:    kind,
		Outcome: outcome,
		Module:  audit.ModuleApproval,
		Service: audit.ServiceEJBCA,
		Actor:   caller.String(),
		CAID:    strconv.Itoa(c.CAID),
		CaseID:  c.ID,
		Details: details,
		Secrets: c.Action.Secrets(),
	})
}
