package approvals

import (
	"errors"
	"fmt"
)

var (
	ErrRequestNotFound     = errors.New("approval request not found")
	ErrRequestExpired      = errors.New("approval request has expired")
	ErrWrongState          = errors.New("approval request is not pending")
	ErrAuthorizationDenied = errors.New("administrator is not authorized for this approval")
	ErrAlreadyApproved     = errors.New("administrator has already voted on this approval")
	ErrSelfApproval        = errors.New("administrator may not vote on a request they edited")
	ErrExecutionFailed     = errors.New("approved action failed to execute")

	// ErrConflict means the case changed between load and save.
	ErrConflict = errors.New("approval case was modified concurrently")
	// ErrAlreadyPending means an identical request is still live.
	ErrAlreadyPending = errors.New("an identical approval request is already pending")
)

// ExecutionError is returned when the gated action ran and failed. It
// matches both ErrExecutionFailed and the executor's own error.
type ExecutionError struct {
	CaseID string
	Kind   Kind
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution of %s for approval %s failed: %v", e.Kind, e.CaseID, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// Reason maps an engine error to a short stable label used in metrics, API
// responses and audit details.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestNotFound):
		return "not_found"
	case errors.Is(err, ErrRequestExpired):
		return "expired"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrAuthorizationDenied):
		return "authorization_denied"
	case errors.Is(err, ErrAlreadyApproved):
		return "already_approved"
	case errors.Is(err, ErrSelfApproval):
		return "self_approval"
	case errors.Is(err, ErrExecutionFailed):
		return "execution_failed"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrAlreadyPending):
		return "already_pending"
	case IsInvalidAction(err):
		return "invalid_action"
	}
	return "internal"
}
