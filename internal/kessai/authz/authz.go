// Package authz evaluates administrator access rules.
//
// Rules are grouped into roles. A role lists its members, each identified by
// the issuer DN of their client certificate plus either the certificate
// serial number or the subject DN, and a set of resource rules. A rule grants
// (or with deny, refuses) one resource path such as "/ca/3"; recursive rules
// also cover every path below it. A rule may carry a CEL condition that must
// hold for the rule to apply.
//
// A request is allowed when at least one applicable rule grants it and no
// applicable rule denies it.
package authz

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/Treynis/ejbca/internal/kessai/admin"
)

// Document is the YAML form of a rule set.
type Document struct {
	Roles []RoleSpec `yaml:"roles"`
}

// RoleSpec declares one role.
type RoleSpec struct {
	Name    string       `yaml:"name"`
	Members []MemberSpec `yaml:"members"`
	Rules   []RuleSpec   `yaml:"rules"`
}

// MemberSpec matches administrators.
type MemberSpec struct {
	IssuerDN   string `yaml:"issuer_dn"`
	Serial     string `yaml:"serial,omitempty"`
	SubjectDN  string `yaml:"subject_dn,omitempty"`
	MatrixUser string `yaml:"matrix_user,omitempty"`
}

// RuleSpec grants or denies one resource.
type RuleSpec struct {
	Resource  string `yaml:"resource"`
	Recursive bool   `yaml:"recursive,omitempty"`
	Deny      bool   `yaml:"deny,omitempty"`
	Condition string `yaml:"condition,omitempty"`
}

type rule struct {
	resource  string
	recursive bool
	deny      bool
	condition cel.Program
}

type role struct {
	name    string
	members []MemberSpec
	rules   []rule
}

// RuleSet is a compiled, immutable rule set; it is safe for concurrent use.
type RuleSet struct {
	roles []role
}

// LoadFile reads and compiles a rule set document.
func LoadFile(path string) (*RuleSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read access rules: %w", err)
	}
	return Parse(raw)
}

// Parse validates and compiles a rule set document.
func Parse(raw []byte) (*RuleSet, error) {
	if err := documentSchema.ValidateYAML(raw); err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode access rules: %w", err)
	}
	return Compile(doc)
}

// Compile builds a RuleSet from a decoded document.
func Compile(doc Document) (*RuleSet, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, err
	}

	rs := &RuleSet{}
	seen := make(map[string]bool, len(doc.Roles))
	for _, spec := range doc.Roles {
		if spec.Name == "" {
			return nil, fmt.Errorf("role without a name")
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate role %q", spec.Name)
		}
		seen[spec.Name] = true

		r := role{name: spec.Name, members: spec.Members}
		for i, rspec := range spec.Rules {
			compiled := rule{
				resource:  normalizeResource(rspec.Resource),
				recursive: rspec.Recursive,
				deny:      rspec.Deny,
			}
			if rspec.Condition != "" {
				prg, err := compileCondition(env, rspec.Condition)
				if err != nil {
					return nil, fmt.Errorf("role %q rule %d: %w", spec.Name, i, err)
				}
				compiled.condition = prg
			}
			r.rules = append(r.rules, compiled)
		}
		rs.roles = append(rs.roles, r)
	}
	return rs, nil
}

func normalizeResource(r string) string {
	r = strings.TrimSpace(r)
	if r != "/" {
		r = strings.TrimSuffix(r, "/")
	}
	if !strings.HasPrefix(r, "/") {
		r = "/" + r
	}
	return r
}

func (m MemberSpec) matches(who admin.Identity) bool {
	if who.IsZero() || m.IssuerDN != who.IssuerDN {
		return false
	}
	switch {
	case m.Serial != "":
		return admin.Identity{IssuerDN: m.IssuerDN, Serial: m.Serial}.Equal(who)
	case m.SubjectDN != "":
		return m.SubjectDN == who.SubjectDN
	}
	return false
}

func (r rule) covers(resource string) bool {
	if r.resource == resource {
		return true
	}
	if !r.recursive {
		return false
	}
	if r.resource == "/" {
		return true
	}
	return strings.HasPrefix(resource, r.resource+"/")
}

func (r role) hasMember(who admin.Identity) bool {
	for _, m := range r.members {
		if m.matches(who) {
			return true
		}
	}
	return false
}

// IsAuthorized reports whether who may access resource.
func (s *RuleSet) IsAuthorized(ctx context.Context, who admin.Identity, resource string) bool {
	resource = normalizeResource(resource)
	allowed := false
	for _, r := range s.roles {
		if !r.hasMember(who) {
			continue
		}
		for _, ru := range r.rules {
			if !ru.covers(resource) || !ru.applies(ctx, who, resource) {
				continue
			}
			if ru.deny {
				return false
			}
			allowed = true
		}
	}
	return allowed
}

// HasRole reports whether who is a member of the named role.
func (s *RuleSet) HasRole(who admin.Identity, name string) bool {
	for _, r := range s.roles {
		if r.name == name && r.hasMember(who) {
			return true
		}
	}
	return false
}

// Roles lists the roles who belongs to.
func (s *RuleSet) Roles(who admin.Identity) []string {
	var out []string
	for _, r := range s.roles {
		if r.hasMember(who) {
			out = append(out, r.name)
		}
	}
	return out
}

// IdentityForMatrixUser maps a chat account to the administrator identity
// declared for it. Members without a serial number are skipped.
func (s *RuleSet) IdentityForMatrixUser(mxid string) (admin.Identity, bool) {
	for _, r := range s.roles {
		for _, m := range r.members {
			if m.MatrixUser != "" && m.MatrixUser == mxid && m.Serial != "" {
				return admin.Identity{IssuerDN: m.IssuerDN, Serial: m.Serial, SubjectDN: m.SubjectDN}, true
			}
		}
	}
	return admin.Identity{}, false
}
