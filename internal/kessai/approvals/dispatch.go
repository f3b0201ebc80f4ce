package approvals

import (
	"context"
	"errors"
	"fmt"
)

var errNoExecutor = errors.New("no executor configured")

type executorFunc func(ctx context.Context, ex Executors, a *GatedAction) error

var dispatch = map[Kind]executorFunc{
	KindActivateCAKey: func(ctx context.Context, ex Executors, a *GatedAction) error {
		if ex.CAToken == nil {
			return fmt.Errorf("ca token activation: %w", errNoExecutor)
		}
		return ex.CAToken.ActivateCAToken(ctx, a.ActivateCAKey)
	},
	KindAddEndEntity: func(ctx context.Context, ex Executors, a *GatedAction) error {
		if ex.EndEntities == nil {
			return fmt.Errorf("end entity management: %w", errNoExecutor)
		}
		return ex.EndEntities.AddEndEntity(ctx, a.EndEntity)
	},
	KindEditEndEntity: func(ctx context.Context, ex Executors, a *GatedAction) error {
		if ex.EndEntities == nil {
			return fmt.Errorf("end entity management: %w", errNoExecutor)
		}
		return ex.EndEntities.EditEndEntity(ctx, a.EndEntity)
	},
	KindChangeEndEntityStatus: func(ctx context.Context, ex Executors, a *GatedAction) error {
		if ex.EndEntities == nil {
			return fmt.Errorf("end entity management: %w", errNoExecutor)
		}
		return ex.EndEntities.ChangeEndEntityStatus(ctx, a.StatusChange)
	},
	KindRecoverKey: func(ctx context.Context, ex Executors, a *GatedAction) error {
		if ex.EndEntities == nil {
			return fmt.Errorf("end entity management: %w", errNoExecutor)
		}
		return ex.EndEntities.MarkForKeyRecovery(ctx, a.KeyRecovery)
	},
	KindRevoke: func(ctx context.Context, ex Executors, a *GatedAction) error {
		if ex.EndEntities == nil {
			return fmt.Errorf("end entity management: %w", errNoExecutor)
		}
		return ex.EndEntities.RevokeCertificate(ctx, a.Revocation)
	},
	KindGeneric: func(ctx context.Context, ex Executors, a *GatedAction) error {
		run, ok := ex.Generic[a.Generic.Name]
		if !ok {
			return fmt.Errorf("generic action %q: %w", a.Generic.Name, errNoExecutor)
		}
		return run(ctx, a.Generic.Params)
	},
}

// Run executes a through the matching executor. A kind without an entry in
// the table is an error, never a silent success.
func (ex Executors) Run(ctx context.Context, a *GatedAction) error {
	if err := a.Validate(); err != nil {
		return err
	}
	fn, ok := dispatch[a.Kind]
	if !ok {
		return fmt.Errorf("action kind %q: %w", a.Kind, errNoExecutor)
	}
	return fn(ctx, ex, a)
}
