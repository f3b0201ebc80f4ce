package chatops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Treynis/ejbca/common/trace"
	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/matrix"
)

// Engine is the part of the approval engine the room commands use.
type Engine interface {
	Approve(ctx context.Context, caller admin.Identity, caseID string, v approvals.Vote) (*approvals.Result, error)
	Reject(ctx context.Context, caller admin.Identity, caseID string, v approvals.Vote) (*approvals.Result, error)
	Get(ctx context.Context, caller admin.Identity, caseID string) (*approvals.Case, error)
	List(ctx context.Context, caller admin.Identity, f approvals.Filter) ([]*approvals.Case, error)
}

// Directory maps room accounts to administrators.
type Directory interface {
	IdentityForMatrixUser(mxid string) (admin.Identity, bool)
}

// Replier answers a room message.
type Replier interface {
	Reply(roomID, eventID, message string) error
}

const pendingListLimit = 20

// Handler runs room commands.
type Handler struct {
	engine  Engine
	dir     Directory
	replier Replier
	now     func() time.Time
}

// NewHandler wires a Handler.
func NewHandler(engine Engine, dir Directory, replier Replier) *Handler {
	return &Handler{engine: engine, dir: dir, replier: replier, now: time.Now}
}

// HandleMessage is a matrix.MessageHandler. Ordinary chat is ignored.
func (h *Handler) HandleMessage(ctx context.Context, msg matrix.Message) {
	reply, ok := h.Execute(ctx, msg.Sender, msg.Body)
	if !ok {
		return
	}
	if err := h.replier.Reply(msg.RoomID, msg.EventID, reply); err != nil {
		slog.Warn("failed to answer room command", "room", msg.RoomID, "sender", msg.Sender, "err", err)
	}
}

// Execute runs the command in body on behalf of sender and returns the
// reply text. ok is false when body is not a command.
func (h *Handler) Execute(ctx context.Context, sender, body string) (reply string, ok bool) {
	cmd, err := Parse(body)
	if errors.Is(err, ErrNotACommand) {
		return "", false
	}
	if err != nil {
		return "⚠️ " + err.Error(), true
	}

	who, known := h.dir.IdentityForMatrixUser(sender)
	if !known {
		slog.Warn("room command from unmapped account", "sender", sender, "verb", cmd.Verb)
		return fmt.Sprintf("⛔ %s is not mapped to an administrator", sender), true
	}

	ctx, traceID := trace.Ensure(ctx)
	slog.Info("room command", "verb", cmd.Verb, "case", cmd.CaseID, "sender", sender, "admin", who.String(), "trace_id", traceID)

	switch cmd.Verb {
	case VerbApprove, VerbReject:
		return h.vote(ctx, who, cmd), true
	case VerbShow:
		return h.show(ctx, who, cmd.CaseID), true
	case VerbPending:
		return h.pending(ctx, who), true
	}
	return "⚠️ unsupported command", true
}

func (h *Handler) vote(ctx context.Context, who admin.Identity, cmd *Command) string {
	v := approvals.Vote{StepID: cmd.StepID, PartitionID: cmd.PartitionID, Comment: cmd.Comment}
	var (
		res *approvals.Result
		err error
	)
	if cmd.Verb == VerbApprove {
		res, err = h.engine.Approve(ctx, who, cmd.CaseID, v)
	} else {
		res, err = h.engine.Reject(ctx, who, cmd.CaseID, v)
	}
	if err != nil {
		return fmt.Sprintf("❌ %s %s failed: %s", cmd.Verb, cmd.CaseID, describe(err))
	}
	if !res.Resolved {
		return fmt.Sprintf("✅ vote recorded on %s; %d approval(s) still needed", res.Case.ID, res.Remaining)
	}
	return fmt.Sprintf("✅ %s is now %s", res.Case.ID, res.Case.Status)
}

func (h *Handler) show(ctx context.Context, who admin.Identity, caseID string) string {
	c, err := h.engine.Get(ctx, who, caseID)
	if err != nil {
		return fmt.Sprintf("❌ %s: %s", caseID, describe(err))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s\n", c.ID, c.EffectiveStatus(h.now()), c.Action.Summary())
	fmt.Fprintf(&b, "  requested by %s at %s\n", c.Action.Requester, c.RequestedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "  expires %s\n", c.ExpiresAt.UTC().Format(time.RFC3339))
	for _, v := range c.Votes {
		mark := "approve"
		if !v.Accepted {
			mark = "reject"
		}
		fmt.Fprintf(&b, "  step %d/%d: %s by %s\n", v.StepID, v.PartitionID, mark, v.Admin)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) pending(ctx context.Context, who admin.Identity) string {
	cases, err := h.engine.List(ctx, who, approvals.Filter{Status: approvals.StatusPending, Limit: pendingListLimit})
	if err != nil {
		return "❌ listing failed: " + describe(err)
	}
	now := h.now()
	var b strings.Builder
	for _, c := range cases {
		if c.Expired(now) {
			continue
		}
		fmt.Fprintf(&b, "%s %s (expires %s)\n", c.ID, c.Action.Summary(), c.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if b.Len() == 0 {
		return "no pending approval requests"
	}
	return strings.TrimRight(b.String(), "\n")
}

// describe hides infrastructure details from the room.
func describe(err error) string {
	if approvals.IsVoteError(err) {
		return err.Error()
	}
	return "internal error (" + approvals.Reason(err) + ")"
}
