package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

// CaseView is the JSON form of a case. Credentials carried by the action are
// blanked.
type CaseView struct {
	ID                 string                `json:"id"`
	ProfileID          string                `json:"profile_id"`
	Status             string                `json:"status"`
	StoredStatus       approvals.Status      `json:"stored_status"`
	CAID               int                   `json:"ca_id"`
	EndEntityProfileID int                   `json:"end_entity_profile_id"`
	RequestedAt        time.Time             `json:"requested_at"`
	ExpiresAt          time.Time             `json:"expires_at"`
	Version            int64                 `json:"version"`
	Summary            string                `json:"summary"`
	Action             approvals.GatedAction `json:"action"`
	Votes              []approvals.Vote      `json:"votes"`
	OldVotes           []approvals.Vote      `json:"old_votes"`
}

// VoteResponse is returned by the approve and reject endpoints.
type VoteResponse struct {
	Case      CaseView       `json:"case"`
	Vote      approvals.Vote `json:"vote"`
	Resolved  bool           `json:"resolved"`
	Remaining int            `json:"remaining"`
}

// VoteRequest selects the step and partition a vote applies to.
type VoteRequest struct {
	StepID      int    `json:"step_id"`
	PartitionID int    `json:"partition_id"`
	Comment     string `json:"comment,omitempty"`
}

// SubmitRequest is the body of POST /v1/cases.
type SubmitRequest struct {
	ProfileID          string                `json:"profile_id"`
	CAID               int                   `json:"ca_id"`
	EndEntityProfileID int                   `json:"end_entity_profile_id"`
	TTL                string                `json:"ttl,omitempty"`
	Action             approvals.GatedAction `json:"action"`
}

func (s *Server) view(c *approvals.Case) CaseView {
	return CaseView{
		ID:                 c.ID,
		ProfileID:          c.ProfileID,
		Status:             c.EffectiveStatus(s.now()),
		StoredStatus:       c.Status,
		CAID:               c.CAID,
		EndEntityProfileID: c.EndEntityProfileID,
		RequestedAt:        c.RequestedAt,
		ExpiresAt:          c.ExpiresAt,
		Version:            c.Version,
		Summary:            c.Action.Summary(),
		Action:             redactAction(c.Action),
		Votes:              nonNilVotes(c.Votes),
		OldVotes:           nonNilVotes(c.OldVotes),
	}
}

func redactAction(a approvals.GatedAction) approvals.GatedAction {
	if a.ActivateCAKey != nil {
		p := *a.ActivateCAKey
		if p.AuthenticationCode != "" {
			p.AuthenticationCode = "[REDACTED]"
		}
		a.ActivateCAKey = &p
	}
	if a.EndEntity != nil {
		p := *a.EndEntity
		if p.Password != "" {
			p.Password = "[REDACTED]"
		}
		a.EndEntity = &p
	}
	return a
}

func nonNilVotes(v []approvals.Vote) []approvals.Vote {
	if v == nil {
		return []approvals.Vote{}
	}
	return v
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	q := r.URL.Query()

	f := approvals.Filter{
		Status:    approvals.Status(q.Get("status")),
		ProfileID: q.Get("profile"),
		Limit:     100,
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	for name, dst := range map[string]*int{"ca": &f.CAID, "end_entity_profile": &f.EndEntityProfileID, "limit": &f.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", name+" must be a non-negative integer")
			return
		}
		*dst = n
	}

	cases, err := s.engine.List(r.Context(), caller, f)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]CaseView, 0, len(cases))
	for _, c := range cases {
		out = append(out, s.view(c))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	c, err := s.engine.Get(r.Context(), caller, chi.URLParam(r, "caseID"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleSubmitCase(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	var body SubmitRequest
	if !decodeBody(w, r, &body) {
		return
	}
	var ttl time.Duration
	if body.TTL != "" {
		d, err := time.ParseDuration(body.TTL)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "ttl must be a positive duration such as 8h")
			return
		}
		ttl = d
	}

	c, err := s.engine.Submit(r.Context(), caller, approvals.SubmitRequest{
		ProfileID:          body.ProfileID,
		CAID:               body.CAID,
		EndEntityProfileID: body.EndEntityProfileID,
		Action:             body.Action,
		TTL:                ttl,
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/cases/"+c.ID)
	writeJSON(w, http.StatusCreated, s.view(c))
}

// handleEditCase replaces the action payload of a pending case. Kind,
// requester and editor are fixed by the engine whatever the body says.
// Executable and ValidityDuration are part of the original request and stay
// as submitted.
func (s *Server) handleEditCase(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFromContext(r.Context())
	var next approvals.GatedAction
	if !decodeBody(w, r, &next) {
		return
	}
	c, err := s.engine.Edit(r.Context(), caller, chi.URLParam(r, "caseID"), func(a *approvals.GatedAction) error {
		next.Executable = a.Executable
		next.ValidityDuration = a.ValidityDuration
		*a = next
		return nil
	})
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(c))
}

func (s *Server) handleVote(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, _ := IdentityFromContext(r.Context())
		var body VoteRequest
		if !decodeBody(w, r, &body) {
			return
		}
		vote := approvals.Vote{StepID: body.StepID, PartitionID: body.PartitionID, Comment: body.Comment}
		caseID := chi.URLParam(r, "caseID")

		var (
			res *approvals.Result
			err error
		)
		if approve {
			res, err = s.engine.Approve(r.Context(), caller, caseID, vote)
		} else {
			if body.Comment == "" {
				writeError(w, http.StatusBadRequest, "bad_request", "a rejection needs a comment")
				return
			}
			res, err = s.engine.Reject(r.Context(), caller, caseID, vote)
		}
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, VoteResponse{
			Case:      s.view(res.Case),
			Vote:      res.Vote,
			Resolved:  res.Resolved,
			Remaining: res.Remaining,
		})
	}
}
