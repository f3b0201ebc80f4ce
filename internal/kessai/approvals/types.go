// Package approvals implements the approval workflow that holds sensitive CA
// administration actions until enough other administrators have agreed.
//
// A request is captured as a Case in Pending state. Administrators cast votes
// through Engine.Approve and Engine.Reject; once the case profile reports the
// case resolvable the engine either runs the gated action (executable
// requests) or records the decision for a later caller to act upon.
package approvals

import (
	"time"

	"github.com/Treynis/ejbca/internal/kessai/admin"
)

// Status is the lifecycle state of a case.
type Status string

const (
	StatusPending         Status = "pending"
	StatusExecuting       Status = "executing"
	StatusExecuted        Status = "executed"
	StatusExecutionFailed Status = "execution_failed"
	StatusExecutionDenied Status = "execution_denied"
	StatusApproved        Status = "approved"
	StatusRejected        Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusExecuting, StatusExecuted, StatusExecutionFailed,
		StatusExecutionDenied, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// hasLiveWindow reports whether ExpiresAt bounds the time in which the case
// may still be acted upon. For the other statuses it only marks the moment
// the record becomes eligible for cleanup.
func (s Status) hasLiveWindow() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

const (
	// AnyCA marks a case that is not tied to a specific certificate authority.
	AnyCA = 0
	// AnyEndEntityProfile marks a case that is not tied to a specific end
	// entity profile.
	AnyEndEntityProfile = 0
)

// DefaultRequestTTL bounds how long a pending case accepts votes when the
// submitter does not choose.
const DefaultRequestTTL = 8 * time.Hour

// Vote is one administrator's decision on one step/partition of a case.
// Votes are never modified once recorded.
type Vote struct {
	ID          string         `json:"id"`
	StepID      int            `json:"step_id"`
	PartitionID int            `json:"partition_id"`
	Admin       admin.Identity `json:"admin"`
	Accepted    bool           `json:"accepted"`
	Comment     string         `json:"comment,omitempty"`
	CastAt      time.Time      `json:"cast_at"`
}

// sameSlot reports whether both votes were cast by the same administrator on
// the same step and partition.
func (v Vote) sameSlot(o Vote) bool {
	return v.StepID == o.StepID && v.PartitionID == o.PartitionID && v.Admin.Equal(o.Admin)
}

// Case is the persisted record of one approval request.
type Case struct {
	ID                 string
	ProfileID          string
	Action             GatedAction
	Votes              []Vote
	OldVotes           []Vote
	Status             Status
	CAID               int
	EndEntityProfileID int
	RequestedAt        time.Time
	ExpiresAt          time.Time
	Version            int64

	rowID int64
}

// Expired reports whether the case's live window has closed at now.
func (c *Case) Expired(now time.Time) bool {
	return c.Status.hasLiveWindow() && now.After(c.ExpiresAt)
}

// EffectiveStatus is Status with lazy expiry applied; it is what callers
// should display.
func (c *Case) EffectiveStatus(now time.Time) string {
	if c.Expired(now) {
		return "expired"
	}
	return string(c.Status)
}

// Voted reports whether the administrator already holds a vote on the given
// step/partition, counting votes carried over from edited versions.
func (c *Case) Voted(who admin.Identity, stepID, partitionID int) bool {
	probe := Vote{StepID: stepID, PartitionID: partitionID, Admin: who}
	for _, v := range c.Votes {
		if v.sameSlot(probe) {
			return true
		}
	}
	for _, v := range c.OldVotes {
		if v.sameSlot(probe) {
			return true
		}
	}
	return false
}

func (c *Case) clone() *Case {
	out := *c
	out.Votes = append([]Vote(nil), c.Votes...)
	out.OldVotes = append([]Vote(nil), c.OldVotes...)
	out.Action = c.Action.clone()
	return &out
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status             Status
	CAID               int
	EndEntityProfileID int
	ProfileID          string
	Limit              int
}
