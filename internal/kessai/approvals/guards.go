package approvals

import (
	"context"
	"fmt"

	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/config"
)

// Access resources checked before an administrator may see or vote on a
// case.
const (
	ResourceApproveEndEntity = "/ra_functionality/approve_end_entity"
	ResourceApproveCAAction  = "/ra_functionality/approve_caaction"
)

// EndEntityProfileResource is the per-profile approval right, checked when
// end entity profile limitations are enabled.
func EndEntityProfileResource(profileID int) string {
	return fmt.Sprintf("/endentityprofilesrules/%d/approve_end_entity", profileID)
}

// CAResource is the access right to one certificate authority.
func CAResource(caID int) string {
	return fmt.Sprintf("/ca/%d", caID)
}

// RequiredResources lists every resource an administrator needs to act on c.
func RequiredResources(c *Case, s config.Settings) []string {
	var out []string
	if c.EndEntityProfileID != AnyEndEntityProfile {
		out = append(out, ResourceApproveEndEntity)
		if s.EndEntityProfileLimitations {
			out = append(out, EndEntityProfileResource(c.EndEntityProfileID))
		}
	} else {
		out = append(out, ResourceApproveCAAction)
	}
	if c.CAID != AnyCA {
		out = append(out, CAResource(c.CAID))
	}
	return out
}

func (e *Engine) authorize(ctx context.Context, who admin.Identity, c *Case, s config.Settings) error {
	for _, resource := range RequiredResources(c, s) {
		if !e.authz.IsAuthorized(ctx, who, resource) {
			return fmt.Errorf("access to %s: %w", resource, ErrAuthorizationDenied)
		}
	}
	return nil
}

// checkVotePossible rejects votes that can never count, regardless of the
// case's state. The last editor is refused first, with ErrSelfApproval, even
// when they are also the requester or voted before editing. After that the
// requester and a second vote on the same step and partition (old versions
// included) are refused with ErrAlreadyApproved.
func checkVotePossible(who admin.Identity, c *Case, v Vote) error {
	if c.Action.Editor != nil && c.Action.Editor.Equal(who) {
		return fmt.Errorf("case %s: %w", c.ID, ErrSelfApproval)
	}
	if c.Action.Requester.Equal(who) {
		return fmt.Errorf("requester may not vote on own request %s: %w", c.ID, ErrAlreadyApproved)
	}
	if c.Voted(who, v.StepID, v.PartitionID) {
		return fmt.Errorf("step %d partition %d of %s: %w", v.StepID, v.PartitionID, c.ID, ErrAlreadyApproved)
	}
	return nil
}
