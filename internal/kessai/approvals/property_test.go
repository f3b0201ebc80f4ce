package approvals_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

const voterCount = 6

func voter(i int) admin.Identity {
	return admin.Identity{IssuerDN: issuer, Serial: fmt.Sprintf("b%d", i)}
}

// Each generated op is either an approval by voter op (op < voterCount) or an
// edit by voter op-voterCount. The "many" profile never reaches quorum, so
// the case stays pending throughout.
func TestProperty_NoAdministratorVotesTwice(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("votes stay unique across edits", prop.ForAll(
		func(ops []int) bool {
			h := newHarness(t)
			ctx := context.Background()
			c := h.submit("many", 3, 0, activateCA("code"))
			id := c.ID
			voted := make(map[int]bool)
			editor := -1

			for i, op := range ops {
				if op >= voterCount {
					who := op - voterCount
					edited, err := h.engine.Edit(ctx, voter(who), id, func(a *approvals.GatedAction) error {
						a.ActivateCAKey.AuthenticationCode = fmt.Sprintf("code-%d", i)
						return nil
					})
					if err != nil {
						t.Logf("edit %d by %d: %v", i, who, err)
						return false
					}
					id, editor = edited.ID, who
					continue
				}

				_, err := h.approve(voter(op), id, 1, 1)
				var want error
				switch {
				case voted[op]:
					want = approvals.ErrAlreadyApproved
				case editor == op:
					want = approvals.ErrSelfApproval
				}
				if (want == nil && err != nil) || (want != nil && !errors.Is(err, want)) {
					t.Logf("approve %d by %d: got %v, want %v", i, op, err, want)
					return false
				}
				if err == nil {
					voted[op] = true
				}
			}

			final := h.load(id)
			seen := make(map[string]bool)
			for _, v := range append(final.Votes, final.OldVotes...) {
				if seen[v.Admin.Key()] {
					t.Logf("duplicate vote by %s", v.Admin)
					return false
				}
				seen[v.Admin.Key()] = true
			}
			return len(seen) == len(voted) && final.Status == approvals.StatusPending
		},
		gen.SliceOfN(12, gen.IntRange(0, 2*voterCount-1)),
	))

	properties.TestingRun(t)
}
