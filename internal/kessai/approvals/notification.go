package approvals

import (
	"strings"
	"time"

	"github.com/Treynis/ejbca/internal/kessai/config"
)

// Template selects the wording of a notification.
type Template string

const (
	TemplateNeedsApproval Template = "needs_approval"
	TemplateApproved      Template = "approved"
	TemplateRejected      Template = "rejected"
)

// Notification describes one approval event for the administrators.
type Notification struct {
	Template    Template
	Recipient   string
	From        string
	Link        string
	CaseID      string
	Status      Status
	Remaining   int
	RequestedAt time.Time
	Action      GatedAction
	Vote        Vote
}

// CaseLink is the operator-facing URL of a case.
func CaseLink(baseURL, caseID string) string {
	if baseURL == "" {
		return ""
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + "approvals/" + caseID
}

func buildNotification(op string, s config.Settings, res *Result) Notification {
	tmpl := TemplateNeedsApproval
	switch {
	case res.Resolved && op == opReject:
		tmpl = TemplateRejected
	case res.Resolved:
		tmpl = TemplateApproved
	}
	c := res.Case
	return Notification{
		Template:    tmpl,
		Recipient:   s.AdminEmail,
		From:        s.FromAddress,
		Link:        CaseLink(s.BaseURL, c.ID),
		CaseID:      c.ID,
		Status:      c.Status,
		Remaining:   res.Remaining,
		RequestedAt: c.RequestedAt,
		Action:      c.Action.clone(),
		Vote:        res.Vote,
	}
}
