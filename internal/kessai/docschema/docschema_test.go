package docschema_test

import (
	"testing"

	"github.com/Treynis/ejbca/internal/kessai/docschema"
)

const testSchema = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "count": {"type": "integer", "minimum": 1}
  },
  "additionalProperties": false
}`

func TestValidateYAML(t *testing.T) {
	s, err := docschema.Compile("test", testSchema)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"valid", "name: x\ncount: 2\n", false},
		{"missing name", "count: 2\n", true},
		{"zero count", "name: x\ncount: 0\n", true},
		{"unknown field", "name: x\nextra: true\n", true},
		{"not yaml", "name: [unclosed\n", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateYAML([]byte(tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateYAML() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompile_BadSchema(t *testing.T) {
	if _, err := docschema.Compile("bad", `{"type": 12}`); err == nil {
		t.Fatal("expected compile error")
	}
}
