package profile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Treynis/ejbca/internal/kessai/approvals"
	"github.com/Treynis/ejbca/internal/kessai/docschema"
)

// ErrUnknownProfile is returned when a case names a profile that is not
// registered.
var ErrUnknownProfile = errors.New("unknown approval profile")

// File is the YAML document holding profile definitions.
type File struct {
	Profiles []Definition `yaml:"profiles"`
}

var fileSchema = docschema.MustCompile("approval-profiles", `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["profiles"],
  "additionalProperties": false,
  "properties": {
    "profiles": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9_.-]*$"},
          "name": {"type": "string"},
          "type": {"enum": ["accumulative", "partitioned"]},
          "required_approvals": {"type": "integer", "minimum": 1},
          "roles": {"type": "array", "items": {"type": "string", "minLength": 1}},
          "steps": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["id", "partitions"],
              "additionalProperties": false,
              "properties": {
                "id": {"type": "integer", "minimum": 1},
                "partitions": {
                  "type": "array",
                  "minItems": 1,
                  "items": {
                    "type": "object",
                    "required": ["id", "required_approvals"],
                    "additionalProperties": false,
                    "properties": {
                      "id": {"type": "integer", "minimum": 1},
                      "name": {"type": "string"},
                      "required_approvals": {"type": "integer", "minimum": 1},
                      "rejections_required": {"type": "integer", "minimum": 1},
                      "roles": {"type": "array", "items": {"type": "string", "minLength": 1}}
                    }
                  }
                }
              }
            }
          }
        },
        "if": {"properties": {"type": {"const": "accumulative"}}},
        "then": {"required": ["required_approvals"]},
        "else": {"required": ["steps"]}
      }
    }
  }
}`)

// Registry holds the compiled profiles by ID. It implements
// approvals.ProfileProvider.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

var _ approvals.ProfileProvider = (*Registry)(nil)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// LoadFile reads, validates and compiles a profile document.
func LoadFile(path string, members Membership) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval profiles: %w", err)
	}
	return Parse(raw, members)
}

// Parse validates and compiles a profile document.
func Parse(raw []byte, members Membership) (*Registry, error) {
	if err := fileSchema.ValidateYAML(raw); err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode approval profiles: %w", err)
	}
	r := NewRegistry()
	for _, def := range f.Profiles {
		p, err := Compile(def, members)
		if err != nil {
			return nil, err
		}
		if err := r.Add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers p. IDs must be unique.
func (r *Registry) Add(p *Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[p.id]; ok {
		return fmt.Errorf("duplicate approval profile %q", p.id)
	}
	r.profiles[p.id] = p
	return nil
}

// Profile implements approvals.ProfileProvider.
func (r *Registry) Profile(_ context.Context, id string) (approvals.CaseProfile, error) {
	r.mu.RLock()
	p, ok := r.profiles[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProfile, id)
	}
	return p, nil
}

// IDs lists the registered profile IDs in order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
