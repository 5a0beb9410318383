package bus

import (
	"context"
	"fmt"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
)

// ControlProvider is the processor's runtime control surface, registered
// under the runtime_control capability at wiring time.
type ControlProvider interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SingleStep(ctx context.Context) (*models.StepResult, error)
	Shutdown(ctx context.Context, reason string) error
}

// RuntimeControlBus routes pause/resume/single-step/shutdown requests to the
// processor. Every operation lands in the correlation trace like any other
// bus call so control actions are auditable.
type RuntimeControlBus struct {
	core *core
}

func newRuntimeControlBus(core *core) *RuntimeControlBus {
	return &RuntimeControlBus{core: core}
}

// Pause freezes the processor at the next step boundary.
func (b *RuntimeControlBus) Pause(ctx context.Context) error {
	return b.control(ctx, "pause", func(ctx context.Context, p ControlProvider) error {
		return p.Pause(ctx)
	})
}

// Resume clears a pause freeze.
func (b *RuntimeControlBus) Resume(ctx context.Context) error {
	return b.control(ctx, "resume", func(ctx context.Context, p ControlProvider) error {
		return p.Resume(ctx)
	})
}

// SingleStep advances exactly one pipeline step point and returns that
// step's typed result. The underlying step's failure propagates; it is
// never swallowed into a generic success.
func (b *RuntimeControlBus) SingleStep(ctx context.Context) (*models.StepResult, error) {
	var result *models.StepResult
	err := b.control(ctx, "single_step", func(ctx context.Context, p ControlProvider) error {
		var err error
		result, err = p.SingleStep(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Shutdown requests orderly shutdown.
func (b *RuntimeControlBus) Shutdown(ctx context.Context, reason string) error {
	return b.control(ctx, "shutdown", func(ctx context.Context, p ControlProvider) error {
		return p.Shutdown(ctx, reason)
	})
}

func (b *RuntimeControlBus) control(ctx context.Context, operation string, fn func(context.Context, ControlProvider) error) error {
	return b.core.invoke(ctx, registry.CapabilityRuntimeControl, registry.Selector{}, operation, operation,
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			cp, ok := p.Instance.(ControlProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement ControlProvider", p.Name)
			}
			if err := fn(ctx, cp); err != nil {
				return callResult{}, err
			}
			return callResult{response: "ok"}, nil
		})
}
