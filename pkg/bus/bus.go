// Package bus carries every cross-service call in the engine: six typed
// buses layered over the service registry. Each bus adds request validation,
// correlation stamping, a per-call deadline clipped to the round deadline,
// bounded jittered retry for transient failures, and per-capability policy
// gates (the Wise Bus's prohibition check, the Memory Bus's schema
// validation). All buses are safe for concurrent use.
package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// Call plumbing constants.
const (
	// DefaultCallTimeout is the per-call deadline when the round deadline
	// leaves more room than this.
	DefaultCallTimeout = 30 * time.Second

	// MaxCallRetries is the number of retry attempts after the initial
	// failure, for retryable errors only.
	MaxCallRetries = 2

	// RetryBackoffMin is the minimum jittered backoff between retries.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff between retries.
	RetryBackoffMax = 750 * time.Millisecond
)

// Trace identifies the thought a bus call acts for. SpanID is the current
// thought's span id; it travels with every outbound call as the correlation
// id and parents the call's own span.
type Trace struct {
	TaskID    string
	ThoughtID string
	SpanID    string
}

type traceKey struct{}

// WithTrace attaches the pipeline trace to a context.
func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFrom extracts the pipeline trace, or a zero Trace outside a pipeline.
func TraceFrom(ctx context.Context) Trace {
	t, _ := ctx.Value(traceKey{}).(Trace)
	return t
}

// MessageSink receives every recorded outbound message for event fan-out.
// Satisfied by events.Publisher. Must be non-blocking.
type MessageSink interface {
	Message(ctx context.Context, msg *models.ChannelMessage)
}

// ConsentPolicy answers whether a subject's data of a category may be read
// right now. Satisfied by services.ConsentService.
type ConsentPolicy interface {
	PermitsRead(ctx context.Context, subjectID string, category models.DataCategory) (bool, error)
}

// Deps are the shared dependencies every bus draws on.
type Deps struct {
	Registry     *registry.Registry
	Correlations *services.CorrelationService
	Messages     *services.MessageService
	Events       MessageSink   // optional
	Consent      ConsentPolicy // optional; when set, recall results are consent filtered
	Logger       *slog.Logger
}

// Buses bundles the six engine buses, constructed over one registry.
type Buses struct {
	Communication *CommunicationBus
	Memory        *MemoryBus
	LLM           *LLMBus
	Tool          *ToolBus
	Control       *RuntimeControlBus
	Wise          *WiseBus
}

// New wires all six buses. Registry and Correlations are required; Messages
// is required for the Communication Bus's history and outbound records.
func New(deps Deps) *Buses {
	if deps.Registry == nil {
		panic("bus.New: registry must not be nil")
	}
	if deps.Correlations == nil {
		panic("bus.New: correlation service must not be nil")
	}
	if deps.Messages == nil {
		panic("bus.New: message service must not be nil")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	core := &core{
		registry:     deps.Registry,
		correlations: deps.Correlations,
		consent:      deps.Consent,
		logger:       deps.Logger,
	}
	return &Buses{
		Communication: newCommunicationBus(core, deps.Messages, deps.Events),
		Memory:        newMemoryBus(core),
		LLM:           newLLMBus(core),
		Tool:          newToolBus(core),
		Control:       newRuntimeControlBus(core),
		Wise:          newWiseBus(core),
	}
}

// Close releases bus-held resources (per-channel send queues).
func (b *Buses) Close() {
	b.Communication.Close()
}
