package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/cirisai/ciris-engine/pkg/llm"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// LLMBus carries model invocations. Providers register under the primary
// "llm" capability; a secondary "llm_fallback" capability is consulted only
// when every primary provider's circuit is open. Token usage lands in the
// call's correlation record.
type LLMBus struct {
	core *core
}

func newLLMBus(core *core) *LLMBus {
	return &LLMBus{core: core}
}

// Call runs one model invocation. Provider selection honors circuit state;
// when no primary provider is eligible the fallback capability is tried
// before the circuit-open error surfaces to the caller.
func (b *LLMBus) Call(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if req == nil {
		return nil, services.NewValidationError("request", "required")
	}
	if err := req.Validate(); err != nil {
		return nil, services.NewValidationError("request", err.Error())
	}

	resp, err := b.callCapability(ctx, registry.CapabilityLLM, req)
	if err != nil && errors.Is(err, models.ErrCircuitOpen) {
		if fresp, ferr := b.callCapability(ctx, registry.CapabilityLLMFallback, req); ferr == nil {
			b.core.logger.Warn("LLM primary capability unavailable, served by fallback",
				"purpose", req.Purpose)
			return fresp, nil
		}
	}
	return resp, err
}

func (b *LLMBus) callCapability(ctx context.Context, capability registry.Capability, req *llm.Request) (*llm.Response, error) {
	var resp *llm.Response
	err := b.core.invoke(ctx, capability, registry.Selector{}, req.Purpose, summarize(lastUserContent(req)),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			provider, ok := p.Instance.(llm.Provider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement llm.Provider", p.Name)
			}
			var err error
			resp, err = provider.Call(ctx, req)
			if err != nil {
				return callResult{}, err
			}
			usage := resp.Usage
			return callResult{response: summarize(resp.Content), tokens: &usage}, nil
		})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// lastUserContent picks the request text recorded as the correlation's
// request summary.
func lastUserContent(req *llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return req.System
}
