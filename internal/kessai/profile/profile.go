// Package profile implements approval profiles: the rules deciding which
// votes a case accepts and how many are needed before it is decided.
//
// An accumulative profile needs a number of approvals from anyone allowed to
// vote. A partitioned profile splits the decision into ordered steps, each
// made of partitions with their own approval count, rejection threshold and
// eligible roles. Votes on a step are only accepted once every partition of
// the earlier steps is approved.
package profile

import (
	"fmt"
	"sort"

	"github.com/Treynis/ejbca/internal/kessai/admin"
	"github.com/Treynis/ejbca/internal/kessai/approvals"
)

// Type selects how a profile is laid out.
type Type string

const (
	TypeAccumulative Type = "accumulative"
	TypePartitioned  Type = "partitioned"
)

// The single step and partition an accumulative profile votes on.
const (
	AccumulativeStep      = 1
	AccumulativePartition = 1
)

// Membership answers role membership for partition eligibility.
type Membership interface {
	HasRole(who admin.Identity, role string) bool
}

// Definition is the YAML form of a profile.
type Definition struct {
	ID                string     `yaml:"id"`
	Name              string     `yaml:"name,omitempty"`
	Type              Type       `yaml:"type"`
	RequiredApprovals int        `yaml:"required_approvals,omitempty"`
	Roles             []string   `yaml:"roles,omitempty"`
	Steps             []StepSpec `yaml:"steps,omitempty"`
}

// StepSpec is one ordered step of a partitioned profile.
type StepSpec struct {
	ID         int             `yaml:"id"`
	Partitions []PartitionSpec `yaml:"partitions"`
}

// PartitionSpec is one independently counted group within a step.
type PartitionSpec struct {
	ID                 int      `yaml:"id"`
	Name               string   `yaml:"name,omitempty"`
	RequiredApprovals  int      `yaml:"required_approvals"`
	RejectionsRequired int      `yaml:"rejections_required,omitempty"`
	Roles              []string `yaml:"roles,omitempty"`
}

type partition struct {
	id         int
	name       string
	approvals  int
	rejections int
	roles      []string
}

type step struct {
	id         int
	partitions []partition
}

// Profile is a compiled approval profile. It implements
// approvals.CaseProfile and is safe for concurrent use.
type Profile struct {
	id      string
	name    string
	steps   []step
	members Membership
}

var _ approvals.CaseProfile = (*Profile)(nil)

// Compile checks def and builds a Profile. members may be nil when no
// partition restricts its voters by role.
func Compile(def Definition, members Membership) (*Profile, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("profile without an id")
	}
	p := &Profile{id: def.ID, name: def.Name, members: members}
	if p.name == "" {
		p.name = def.ID
	}

	switch def.Type {
	case TypeAccumulative:
		if def.RequiredApprovals < 1 {
			return nil, fmt.Errorf("profile %q: required_approvals must be at least 1", def.ID)
		}
		if len(def.Steps) > 0 {
			return nil, fmt.Errorf("profile %q: accumulative profiles have no steps", def.ID)
		}
		p.steps = []step{{
			id: AccumulativeStep,
			partitions: []partition{{
				id:         AccumulativePartition,
				name:       p.name,
				approvals:  def.RequiredApprovals,
				rejections: 1,
				roles:      def.Roles,
			}},
		}}
	case TypePartitioned:
		if len(def.Steps) == 0 {
			return nil, fmt.Errorf("profile %q: partitioned profiles need at least one step", def.ID)
		}
		steps, err := compileSteps(def)
		if err != nil {
			return nil, err
		}
		p.steps = steps
	default:
		return nil, fmt.Errorf("profile %q: unknown type %q", def.ID, def.Type)
	}

	for _, s := range p.steps {
		for _, part := range s.partitions {
			if len(part.roles) > 0 && members == nil {
				return nil, fmt.Errorf("profile %q: partition %d restricts roles but no membership source is configured", def.ID, part.id)
			}
		}
	}
	return p, nil
}

func compileSteps(def Definition) ([]step, error) {
	seenSteps := make(map[int]bool, len(def.Steps))
	steps := make([]step, 0, len(def.Steps))
	for _, ss := range def.Steps {
		if ss.ID < 1 {
			return nil, fmt.Errorf("profile %q: step ids start at 1", def.ID)
		}
		if seenSteps[ss.ID] {
			return nil, fmt.Errorf("profile %q: duplicate step %d", def.ID, ss.ID)
		}
		seenSteps[ss.ID] = true
		if len(ss.Partitions) == 0 {
			return nil, fmt.Errorf("profile %q: step %d has no partitions", def.ID, ss.ID)
		}

		s := step{id: ss.ID}
		seenParts := make(map[int]bool, len(ss.Partitions))
		for _, ps := range ss.Partitions {
			if seenParts[ps.ID] {
				return nil, fmt.Errorf("profile %q: duplicate partition %d in step %d", def.ID, ps.ID, ss.ID)
			}
			seenParts[ps.ID] = true
			if ps.RequiredApprovals < 1 {
				return nil, fmt.Errorf("profile %q: partition %d in step %d needs at least one approval", def.ID, ps.ID, ss.ID)
			}
			rej := ps.RejectionsRequired
			if rej == 0 {
				rej = 1
			}
			s.partitions = append(s.partitions, partition{
				id:         ps.ID,
				name:       ps.Name,
				approvals:  ps.RequiredApprovals,
				rejections: rej,
				roles:      ps.Roles,
			})
		}
		steps = append(steps, s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].id < steps[j].id })
	return steps, nil
}

// ID returns the profile identifier.
func (p *Profile) ID() string { return p.id }

// Name returns the display name.
func (p *Profile) Name() string { return p.name }

type tally struct {
	accepted int
	rejected int
}

func count(votes []approvals.Vote) map[[2]int]tally {
	out := make(map[[2]int]tally)
	for _, v := range votes {
		k := [2]int{v.StepID, v.PartitionID}
		t := out[k]
		if v.Accepted {
			t.accepted++
		} else {
			t.rejected++
		}
		out[k] = t
	}
	return out
}

func (p *Profile) lookup(stepID, partitionID int) (int, *partition) {
	for i := range p.steps {
		if p.steps[i].id != stepID {
			continue
		}
		for j := range p.steps[i].partitions {
			if p.steps[i].partitions[j].id == partitionID {
				return i, &p.steps[i].partitions[j]
			}
		}
	}
	return -1, nil
}

func (part *partition) approved(t tally) bool { return t.accepted >= part.approvals }
func (part *partition) rejected(t tally) bool { return t.rejected >= part.rejections }

func (p *Profile) eligible(part *partition, who admin.Identity) bool {
	if len(part.roles) == 0 {
		return true
	}
	for _, r := range part.roles {
		if p.members.HasRole(who, r) {
			return true
		}
	}
	return false
}

// IsVoteAdmissible reports whether v may join votes: its partition exists,
// every earlier step is fully approved, the partition is still open and the
// voter holds one of the partition's roles.
func (p *Profile) IsVoteAdmissible(votes []approvals.Vote, v approvals.Vote) bool {
	idx, part := p.lookup(v.StepID, v.PartitionID)
	if part == nil {
		return false
	}
	tallies := count(votes)
	for _, earlier := range p.steps[:idx] {
		for i := range earlier.partitions {
			ep := &earlier.partitions[i]
			if !ep.approved(tallies[[2]int{earlier.id, ep.id}]) {
				return false
			}
		}
	}
	t := tallies[[2]int{v.StepID, v.PartitionID}]
	if part.approved(t) || part.rejected(t) {
		return false
	}
	return p.eligible(part, v.Admin)
}

// CanResolve reports whether some partition reached its rejection threshold
// or every partition is approved.
func (p *Profile) CanResolve(votes []approvals.Vote) bool {
	tallies := count(votes)
	all := true
	for _, s := range p.steps {
		for i := range s.partitions {
			part := &s.partitions[i]
			t := tallies[[2]int{s.id, part.id}]
			if part.rejected(t) {
				return true
			}
			if !part.approved(t) {
				all = false
			}
		}
	}
	return all
}

// Remaining is the number of approvals still missing across all partitions.
func (p *Profile) Remaining(votes []approvals.Vote) int {
	tallies := count(votes)
	n := 0
	for _, s := range p.steps {
		for i := range s.partitions {
			part := &s.partitions[i]
			if missing := part.approvals - tallies[[2]int{s.id, part.id}].accepted; missing > 0 {
				n += missing
			}
		}
	}
	return n
}
