package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// ScriptEntry defines a single scripted response.
type ScriptEntry struct {
	// Response content (Content or Error; Error wins when both set)
	Content string
	Usage   *models.TokenUsage
	Error   error

	// Test control
	BlockUntilCancelled bool            // block Call() until ctx is cancelled
	WaitCh              <-chan struct{} // block Call() until closed, then respond normally
	OnBlock             chan<- struct{} // notified when Call() enters a blocking path
}

// ScriptedProvider implements Provider with dual dispatch: per-purpose routes
// for pipeline steps whose call order is non-deterministic (the three
// concurrent DMAs), plus a sequential fallback consumed in order for
// everything else.
type ScriptedProvider struct {
	model string

	mu         sync.Mutex
	sequential []ScriptEntry
	seqIndex   int
	routes     map[string][]ScriptEntry // purpose → per-purpose script
	routeIndex map[string]int
	captured   []*Request
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider(model string) *ScriptedProvider {
	if model == "" {
		model = "scripted"
	}
	return &ScriptedProvider{
		model:      model,
		routes:     make(map[string][]ScriptEntry),
		routeIndex: make(map[string]int),
	}
}

// AddSequential adds an entry consumed in order for calls whose purpose has
// no route.
func (p *ScriptedProvider) AddSequential(entry ScriptEntry) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequential = append(p.sequential, entry)
	return p
}

// AddRouted adds an entry for a specific request purpose. Routed entries are
// consumed in order per purpose.
func (p *ScriptedProvider) AddRouted(purpose string, entry ScriptEntry) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.routes[purpose] = append(p.routes[purpose], entry)
	return p
}

// Call implements Provider.
func (p *ScriptedProvider) Call(ctx context.Context, req *Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.captured = append(p.captured, req)
	entry, err := p.nextEntry(req.Purpose)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if entry.BlockUntilCancelled {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}

	if entry.WaitCh != nil {
		if entry.OnBlock != nil {
			entry.OnBlock <- struct{}{}
		}
		select {
		case <-entry.WaitCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if entry.Error != nil {
		return nil, entry.Error
	}

	usage := models.TokenUsage{PromptTokens: 10, CompletionTokens: 5}
	if entry.Usage != nil {
		usage = *entry.Usage
	}
	return &Response{
		Content: entry.Content,
		Model:   p.model,
		Usage:   usage,
	}, nil
}

// CallCount returns the total number of Call() invocations.
func (p *ScriptedProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captured)
}

// CapturedRequests returns a copy of every request seen so far.
func (p *ScriptedProvider) CapturedRequests() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Request, len(p.captured))
	copy(out, p.captured)
	return out
}

// nextEntry selects the next script entry. Must be called with p.mu held.
func (p *ScriptedProvider) nextEntry(purpose string) (*ScriptEntry, error) {
	if entries, ok := p.routes[purpose]; ok {
		idx := p.routeIndex[purpose]
		if idx < len(entries) {
			p.routeIndex[purpose] = idx + 1
			return &entries[idx], nil
		}
	}
	if p.seqIndex < len(p.sequential) {
		entry := &p.sequential[p.seqIndex]
		p.seqIndex++
		return entry, nil
	}
	return nil, fmt.Errorf("scripted provider: no more entries (purpose=%q, sequential=%d/%d)",
		purpose, p.seqIndex, len(p.sequential))
}
