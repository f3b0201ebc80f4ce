package authz

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/Treynis/ejbca/internal/kessai/admin"
)

// Conditions see two variables:
//
//	identity  map with issuer_dn, serial and subject_dn
//	resource  the requested resource path
func newConditionEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("identity", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("resource", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return env, nil
}

func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition %q must evaluate to bool, not %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return prg, nil
}

// applies evaluates the rule's condition. A failing evaluation makes the
// rule inapplicable; for a deny rule that errs towards access, so deny
// conditions should be kept simple.
func (r rule) applies(ctx context.Context, who admin.Identity, resource string) bool {
	if r.condition == nil {
		return true
	}
	out, _, err := r.condition.ContextEval(ctx, map[string]any{
		"identity": map[string]string{
			"issuer_dn":  who.IssuerDN,
			"serial":     who.Serial,
			"subject_dn": who.SubjectDN,
		},
		"resource": resource,
	})
	if err != nil {
		slog.Warn("access rule condition failed", "resource", resource, "err", err)
		return false
	}
	ok, _ := out.Value().(bool)
	return ok
}
