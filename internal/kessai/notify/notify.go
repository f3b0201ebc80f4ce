// Package notify delivers approval notifications to administrators.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/Treynis/ejbca/common/redact"
	"github.com/Treynis/ejbca/common/retry"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

// Sender is the part of the Matrix client the notifier needs.
type Sender interface {
	SendNotice(roomID, message string) error
}

var templates = template.Must(template.New("notifications").Funcs(template.FuncMap{
	"ts": func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
}).Parse(`
{{- define "header" -}}
{{- if .Recipient}}To: {{.Recipient}}
{{end -}}
{{- if .From}}From: {{.From}}
{{end -}}
{{- end -}}

{{- define "footer" -}}
Requested: {{ts .RequestedAt}}
{{- if .Link}}
Review: {{.Link}}
{{- end -}}
{{- end -}}

{{- define "needs_approval" -}}
{{template "header" .}}Approval request {{.CaseID}} needs {{.Remaining}} more approval(s).
Action: {{.Action.Summary}}
Last vote: {{.Vote.Admin}} approved
{{template "footer" .}}
{{- end -}}

{{- define "approved" -}}
{{template "header" .}}Approval request {{.CaseID}} is approved ({{.Status}}).
Action: {{.Action.Summary}}
Final vote: {{.Vote.Admin}}
{{template "footer" .}}
{{- end -}}

{{- define "rejected" -}}
{{template "header" .}}Approval request {{.CaseID}} was rejected ({{.Status}}).
Action: {{.Action.Summary}}
Rejected by: {{.Vote.Admin}}
{{- if .Vote.Comment}}
Comment: {{.Vote.Comment}}
{{- end}}
{{template "footer" .}}
{{- end -}}
`))

// Render formats n with its template. Credentials carried by the action are
// redacted from the result.
func Render(n approvals.Notification) (string, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, string(n.Template), &n); err != nil {
		return "", fmt.Errorf("failed to render %s notification: %w", n.Template, err)
	}
	return redact.String(buf.String(), n.Action.Secrets()...), nil
}

// MatrixNotifier posts notifications to a Matrix room.
type MatrixNotifier struct {
	sender Sender
	roomID string
	retry  retry.Config
}

var _ approvals.Notifier = (*MatrixNotifier)(nil)

// NewMatrixNotifier creates a notifier posting to roomID. Sends are retried
// a few times before the notification is dropped.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{
		sender: sender,
		roomID: roomID,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// WithRetry replaces the send retry policy.
func (m *MatrixNotifier) WithRetry(cfg retry.Config) *MatrixNotifier {
	m.retry = cfg
	return m
}

// Notify renders and posts n. Failures are logged and dropped.
func (m *MatrixNotifier) Notify(ctx context.Context, n approvals.Notification) {
	if m.roomID == "" {
		return
	}
	body, err := Render(n)
	if err != nil {
		slog.Error("failed to render notification", "case", n.CaseID, "template", n.Template, "err", err)
		return
	}
	err = retry.Do(ctx, m.retry, func() error {
		return m.sender.SendNotice(m.roomID, body)
	})
	if err != nil {
		slog.Warn("failed to deliver notification", "case", n.CaseID, "room", m.roomID, "err", err)
		return
	}
	slog.Debug("notification delivered", "case", n.CaseID, "template", n.Template)
}

// Noop discards notifications.
type Noop struct{}

// Notify implements approvals.Notifier.
func (Noop) Notify(context.Context, approvals.Notification) {}
