// Package chatops lets administrators vote on approval cases from a Matrix
// room. Room accounts are mapped to administrator identities through the
// access rules; the engine applies the same checks as for API callers.
package chatops

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Verb is the command a message asks for.
type Verb string

const (
	VerbApprove Verb = "approve"
	VerbReject  Verb = "reject"
	VerbShow    Verb = "show"
	VerbPending Verb = "pending"
)

// ErrNotACommand is returned when a message is ordinary chat.
var ErrNotACommand = errors.New("not an approval command")

// Command is a parsed room command.
type Command struct {
	Verb        Verb
	CaseID      string
	StepID      int
	PartitionID int
	Comment     string
}

// Parse reads a room message. Accepted forms, case-insensitive verb:
//
//	approve <id> [step=N] [partition=M] [comment]
//	reject <id> [step=N] [partition=M] <comment>
//	deny <id> ...                       (same as reject)
//	show <id>
//	pending
//
// Step and partition default to 1. A comment may also be given as
// comment="<text>".
func Parse(text string) (*Command, error) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return nil, ErrNotACommand
	}

	var verb Verb
	switch strings.ToLower(fields[0]) {
	case "approve":
		verb = VerbApprove
	case "reject", "deny":
		verb = VerbReject
	case "show":
		verb = VerbShow
	case "pending":
		return &Command{Verb: VerbPending}, nil
	default:
		return nil, ErrNotACommand
	}

	if len(fields) < 2 {
		return nil, fmt.Errorf("usage: %s <case-id>", verb)
	}
	cmd := &Command{Verb: verb, CaseID: fields[1], StepID: 1, PartitionID: 1}
	if verb == VerbShow {
		return cmd, nil
	}

	rest := fields[2:]
options:
	for len(rest) > 0 {
		key, val, ok := strings.Cut(rest[0], "=")
		if !ok {
			break
		}
		switch strings.ToLower(key) {
		case "step":
			n, err := positive(key, val)
			if err != nil {
				return nil, err
			}
			cmd.StepID = n
		case "partition":
			n, err := positive(key, val)
			if err != nil {
				return nil, err
			}
			cmd.PartitionID = n
		default:
			break options
		}
		rest = rest[1:]
	}

	cmd.Comment = parseComment(strings.Join(rest, " "))
	if verb == VerbReject && cmd.Comment == "" {
		return nil, fmt.Errorf(`reject requires a comment: reject <id> comment="<text>" or reject <id> <text>`)
	}
	return cmd, nil
}

func positive(key, val string) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive number, got %q", key, val)
	}
	return n, nil
}

func parseComment(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(strings.ToLower(s), "comment=") {
		return strings.Trim(s[len("comment="):], `"'`)
	}
	return s
}
