// Package docschema validates YAML policy documents against JSON Schemas
// before they are decoded into typed configuration.
package docschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Schema is a compiled document schema.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile compiles a draft 2020-12 schema. name only labels errors and the
// schema's internal URL.
func Compile(name, schema string) (*Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://kessai.local/schemas/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("failed to load %s schema: %w", name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s schema: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is Compile for package level schemas.
func MustCompile(name, schema string) *Schema {
	s, err := Compile(name, schema)
	if err != nil {
		panic(err)
	}
	return s
}

// ValidateYAML parses doc as YAML and validates it. The document is round
// tripped through JSON so numbers and maps have the shapes the validator
// expects.
func (s *Schema) ValidateYAML(doc []byte) error {
	var raw any
	if err := yaml.Unmarshal(doc, &raw); err != nil {
		return fmt.Errorf("invalid %s document: %w", s.name, err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("invalid %s document: %w", s.name, err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("invalid %s document: %w", s.name, err)
	}
	if err := s.compiled.Validate(generic); err != nil {
		return fmt.Errorf("%s document does not match schema: %w", s.name, err)
	}
	return nil
}
