package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Sender is the part of the Matrix client the room log needs.
type Sender interface {
	SendNotice(roomID, message string) error
}

// RoomLog posts a short notice per event to a Matrix room.
type RoomLog struct {
	sender Sender
	roomID string
}

// NewRoomLog creates a RoomLog posting to roomID.
func NewRoomLog(sender Sender, roomID string) *RoomLog {
	return &RoomLog{sender: sender, roomID: roomID}
}

// Log formats e and posts it. Send failures are logged at WARN.
func (r *RoomLog) Log(ctx context.Context, e Event) {
	if r.roomID == "" {
		return
	}
	e.normalize(ctx)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", icon(e.Kind, e.Outcome), e.Kind, e.Outcome)
	if e.CaseID != "" {
		fmt.Fprintf(&b, " case %s", e.CaseID)
	}
	if msg, ok := e.Details["msg"].(string); ok && msg != "" {
		fmt.Fprintf(&b, ": %s", msg)
	}
	if e.Actor != "" {
		fmt.Fprintf(&b, "\n  actor: %s", e.Actor)
	}
	if e.CAID != "" && e.CAID != "0" {
		fmt.Fprintf(&b, "\n  ca: %s", e.CAID)
	}
	if reason, ok := e.Details["reason"].(string); ok {
		fmt.Fprintf(&b, "\n  reason: %s", reason)
	}
	if e.TraceID != "" {
		fmt.Fprintf(&b, "\n  trace: %s", e.TraceID)
	}

	if err := r.sender.SendNotice(r.roomID, b.String()); err != nil {
		slog.Warn("failed to post audit notice", "room", r.roomID, "kind", e.Kind, "err", err)
		return
	}
	slog.Debug("posted audit notice", "room", r.roomID, "kind", e.Kind)
}

func icon(kind string, outcome Outcome) string {
	if outcome == OutcomeFailure {
		return "🚨"
	}
	switch kind {
	case KindApprovalAdd:
		return "🔔"
	case KindApprovalApprove:
		return "✅"
	case KindApprovalReject:
		return "❌"
	case KindApprovalEdit:
		return "✏️"
	default:
		return "ℹ️"
	}
}
