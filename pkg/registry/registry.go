// Package registry is the service registry at the base of the bus layer:
// multiple provider instances per capability, priority/strategy selection,
// and a circuit breaker per provider. Buses select providers through Get and
// report every call result back so breakers track provider health.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
)

// Capability identifies a class of service a provider can fulfill.
type Capability string

// Core capabilities. Adapters may register custom capabilities; these are the
// ones the engine's buses select on.
const (
	CapabilityLLM            Capability = "llm"
	CapabilityLLMFallback    Capability = "llm_fallback"
	CapabilityCommunication  Capability = "communication"
	CapabilityMemory         Capability = "memory"
	CapabilityTool           Capability = "tool"
	CapabilityWiseAuthority  Capability = "wise_authority"
	CapabilityRuntimeControl Capability = "runtime_control"
)

// Strategy orders eligible providers for selection.
type Strategy string

// Selection strategies.
const (
	StrategyPriority       Strategy = "priority"
	StrategyRoundRobin     Strategy = "round_robin"
	StrategyWeightedRandom Strategy = "weighted_random"
)

// Provider is a registered service instance. Instance is the typed provider
// the owning bus casts back out; the registry treats it opaquely.
type Provider struct {
	Name     string
	Instance any
	Priority int     // lower wins under the priority strategy
	Weight   float64 // tie-break and weighted_random mass; defaults to 1
	Metadata map[string]string
}

// Selector narrows a Get call. The zero value selects with the priority
// strategy across all providers of the capability.
type Selector struct {
	Strategy Strategy
	Name     string // exact provider; still subject to its breaker
}

// ProviderHealth is one row of the registry's health report.
type ProviderHealth struct {
	Capability Capability   `json:"capability"`
	Name       string       `json:"name"`
	Priority   int          `json:"priority"`
	Weight     float64      `json:"weight"`
	Circuit    BreakerState `json:"circuit"`
	Failures   int          `json:"consecutive_failures"`
}

type providerEntry struct {
	Provider
	breaker *breaker
}

type capabilityEntry struct {
	providers []*providerEntry // registration order; replaced wholesale on write
	cursor    atomic.Uint64
}

// Registry is safe for concurrent use: reads take the shared lock, writes
// (register, remove) the exclusive one. Breaker state has its own per-provider
// locking so call reporting never contends with selection.
type Registry struct {
	mu     sync.RWMutex
	caps   map[Capability]*capabilityEntry
	logger *slog.Logger
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		caps:   make(map[Capability]*capabilityEntry),
		logger: slog.Default(),
	}
}

// Register adds a provider for a capability. The (capability, name) pair must
// be unique; a zero weight defaults to 1.
func (r *Registry) Register(capability Capability, p Provider) error {
	if capability == "" {
		return fmt.Errorf("capability is required")
	}
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.Instance == nil {
		return fmt.Errorf("provider %q has no instance", p.Name)
	}
	if p.Weight < 0 {
		return fmt.Errorf("provider %q has negative weight", p.Name)
	}
	if p.Weight == 0 {
		p.Weight = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.caps[capability]
	if !ok {
		entry = &capabilityEntry{}
		r.caps[capability] = entry
	}
	for _, existing := range entry.providers {
		if existing.Name == p.Name {
			return fmt.Errorf("provider %q already registered for capability %q", p.Name, capability)
		}
	}

	next := make([]*providerEntry, len(entry.providers), len(entry.providers)+1)
	copy(next, entry.providers)
	entry.providers = append(next, &providerEntry{Provider: p, breaker: newBreaker()})

	r.logger.Info("Provider registered",
		"capability", capability, "provider", p.Name, "priority", p.Priority)
	return nil
}

// Remove deletes a provider. Removing an unknown pair is a no-op.
func (r *Registry) Remove(capability Capability, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.caps[capability]
	if !ok {
		return
	}
	next := make([]*providerEntry, 0, len(entry.providers))
	for _, p := range entry.providers {
		if p.Name != name {
			next = append(next, p)
		}
	}
	if len(next) == len(entry.providers) {
		return
	}
	if len(next) == 0 {
		delete(r.caps, capability)
		return
	}
	entry.providers = next
}

// Get selects a provider for the capability. Providers with open circuits are
// filtered out first (a cooled-down or reset circuit admits one probe), then
// the selector's strategy orders the rest. Returns false when no provider is
// eligible; the caller decides fallback or failure.
func (r *Registry) Get(ctx context.Context, capability Capability, sel Selector) (Provider, bool) {
	if ctx.Err() != nil {
		return Provider{}, false
	}

	r.mu.RLock()
	entry, ok := r.caps[capability]
	if !ok {
		r.mu.RUnlock()
		return Provider{}, false
	}
	providers := entry.providers
	r.mu.RUnlock()

	eligible := make([]*providerEntry, 0, len(providers))
	for _, p := range providers {
		if sel.Name != "" && p.Name != sel.Name {
			continue
		}
		if p.breaker.admissible() {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return Provider{}, false
	}

	// Order candidates by strategy, then admit the first whose breaker still
	// accepts. Admission consumes a half-open probe slot, so it runs only on
	// the provider actually being handed out.
	for _, p := range orderCandidates(eligible, sel.Strategy, &entry.cursor) {
		if p.breaker.tryAdmit() {
			return p.Provider, true
		}
	}
	return Provider{}, false
}

// orderCandidates returns eligible providers in selection-preference order.
func orderCandidates(eligible []*providerEntry, strategy Strategy, cursor *atomic.Uint64) []*providerEntry {
	switch strategy {
	case StrategyRoundRobin:
		start := int((cursor.Add(1) - 1) % uint64(len(eligible)))
		ordered := make([]*providerEntry, 0, len(eligible))
		for i := 0; i < len(eligible); i++ {
			ordered = append(ordered, eligible[(start+i)%len(eligible)])
		}
		return ordered

	case StrategyWeightedRandom:
		return weightedOrder(eligible)

	default: // StrategyPriority
		ordered := make([]*providerEntry, len(eligible))
		copy(ordered, eligible)
		sort.SliceStable(ordered, func(i, j int) bool {
			if ordered[i].Priority != ordered[j].Priority {
				return ordered[i].Priority < ordered[j].Priority
			}
			return ordered[i].Weight > ordered[j].Weight
		})
		// Rotate the leading tie group so exact peers share load.
		tie := 1
		for tie < len(ordered) &&
			ordered[tie].Priority == ordered[0].Priority &&
			ordered[tie].Weight == ordered[0].Weight {
			tie++
		}
		if tie > 1 {
			start := int((cursor.Add(1) - 1) % uint64(tie))
			rotated := make([]*providerEntry, 0, len(ordered))
			for i := 0; i < tie; i++ {
				rotated = append(rotated, ordered[(start+i)%tie])
			}
			ordered = append(rotated, ordered[tie:]...)
		}
		return ordered
	}
}

// weightedOrder samples providers without replacement, probability
// proportional to weight.
func weightedOrder(eligible []*providerEntry) []*providerEntry {
	remaining := make([]*providerEntry, len(eligible))
	copy(remaining, eligible)
	ordered := make([]*providerEntry, 0, len(eligible))

	for len(remaining) > 0 {
		total := 0.0
		for _, p := range remaining {
			total += p.Weight
		}
		pick := len(remaining) - 1
		roll := rand.Float64() * total
		for i, p := range remaining {
			roll -= p.Weight
			if roll < 0 {
				pick = i
				break
			}
		}
		ordered = append(ordered, remaining[pick])
		remaining = append(remaining[:pick], remaining[pick+1:]...)
	}
	return ordered
}

// ReportSuccess records a successful call for the provider's breaker.
// Unknown pairs are ignored.
func (r *Registry) ReportSuccess(capability Capability, name string) {
	if p := r.find(capability, name); p != nil {
		p.breaker.recordSuccess()
	}
}

// ReportFailure records a failed call. Five consecutive failures open the
// provider's circuit.
func (r *Registry) ReportFailure(capability Capability, name string) {
	if p := r.find(capability, name); p != nil {
		p.breaker.recordFailure()
		if state, failures := p.breaker.snapshot(); state == BreakerOpen {
			r.logger.Warn("Provider circuit opened",
				"capability", capability, "provider", name, "consecutive_failures", failures)
		}
	}
}

// ResetCircuitBreakers returns matching breakers to half-open. Empty arguments
// match everything at that position: ("", "") resets all breakers, (cap, "")
// all providers of one capability. A reset never touches a capability or
// provider outside the match.
func (r *Registry) ResetCircuitBreakers(capability Capability, name string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for capName, entry := range r.caps {
		if capability != "" && capName != capability {
			continue
		}
		for _, p := range entry.providers {
			if name != "" && p.Name != name {
				continue
			}
			p.breaker.reset()
			r.logger.Info("Provider circuit reset", "capability", capName, "provider", p.Name)
		}
	}
}

// Health reports every provider's circuit state, sorted by capability then
// name for stable API output.
func (r *Registry) Health() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var report []ProviderHealth
	for capName, entry := range r.caps {
		for _, p := range entry.providers {
			state, failures := p.breaker.snapshot()
			report = append(report, ProviderHealth{
				Capability: capName,
				Name:       p.Name,
				Priority:   p.Priority,
				Weight:     p.Weight,
				Circuit:    state,
				Failures:   failures,
			})
		}
	}
	sort.Slice(report, func(i, j int) bool {
		if report[i].Capability != report[j].Capability {
			return report[i].Capability < report[j].Capability
		}
		return report[i].Name < report[j].Name
	})
	return report
}

// Providers returns a snapshot of every provider registered for a capability
// in registration order, without touching breaker state. For aggregation
// surfaces (tool catalogues); selection goes through Get.
func (r *Registry) Providers(capability Capability) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.caps[capability]
	if !ok {
		return nil
	}
	out := make([]Provider, 0, len(entry.providers))
	for _, p := range entry.providers {
		out = append(out, p.Provider)
	}
	return out
}

func (r *Registry) find(capability Capability, name string) *providerEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.caps[capability]
	if !ok {
		return nil
	}
	for _, p := range entry.providers {
		if p.Name == name {
			return p
		}
	}
	return nil
}
