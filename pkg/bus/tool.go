package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// ToolProvider serves a catalogue of executable tools. Tool names handed to
// Execute are bare (the provider prefix already stripped by the bus).
type ToolProvider interface {
	ListTools(ctx context.Context) ([]models.ToolDescriptor, error)
	Execute(ctx context.Context, tool, arguments string) (*models.ToolExecutionResult, error)
}

// ToolBus aggregates tool catalogues across providers and routes executions
// by the provider prefix of a fully qualified "provider.tool" name.
type ToolBus struct {
	core *core
}

func newToolBus(core *core) *ToolBus {
	return &ToolBus{core: core}
}

// ListTools merges every registered provider's catalogue, names qualified as
// provider.tool. A provider that fails to list is skipped; partial catalogues
// beat none.
func (b *ToolBus) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	var all []models.ToolDescriptor
	for _, p := range b.core.registry.Providers(registry.CapabilityTool) {
		tp, ok := p.Instance.(ToolProvider)
		if !ok {
			continue
		}
		tools, err := tp.ListTools(ctx)
		if err != nil {
			b.core.logger.Warn("Tool provider failed to list tools",
				"provider", p.Name, "error", err)
			continue
		}
		for _, t := range tools {
			t.Provider = p.Name
			if !strings.HasPrefix(t.Name, p.Name+".") {
				t.Name = p.Name + "." + t.Name
			}
			all = append(all, t)
		}
	}
	return all, nil
}

// Execute runs one tool. The name must be fully qualified as provider.tool;
// the provider part pins registry selection. Execution failures inside the
// tool come back as a result with IsError set, not as a Go error; only
// transport and routing failures error out.
func (b *ToolBus) Execute(ctx context.Context, name, arguments string) (*models.ToolExecutionResult, error) {
	providerName, toolName, err := splitToolName(name)
	if err != nil {
		return nil, services.NewValidationError("name", err.Error())
	}

	var result *models.ToolExecutionResult
	started := time.Now()
	err = b.core.invoke(ctx, registry.CapabilityTool, registry.Selector{Name: providerName}, "execute", name,
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			tp, ok := p.Instance.(ToolProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement ToolProvider", p.Name)
			}
			var err error
			result, err = tp.Execute(ctx, toolName, arguments)
			if err != nil {
				return callResult{}, err
			}
			return callResult{response: summarize(result.Content)}, nil
		})
	if err != nil {
		return nil, err
	}

	result.Name = name
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(started).Milliseconds()
	}
	return result, nil
}

// splitToolName splits "provider.tool" and validates both halves.
func splitToolName(name string) (provider, tool string, err error) {
	idx := strings.Index(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return "", "", fmt.Errorf("tool name %q must be provider.tool", name)
	}
	return name[:idx], name[idx+1:], nil
}
