// Package processor owns the round loop: a pool of workers claiming tasks
// for this occurrence and driving each claimed thought through the pipeline,
// plus the cognitive-state machine and the runtime control surface
// (pause / resume / single-step / shutdown) registered on the control bus.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/pipeline"
	"github.com/cirisai/ciris-engine/pkg/services"
)

var errStopped = errors.New("processor stopped")

// EventSink receives runtime progress events for fan-out to subscribers.
// Satisfied by events.Publisher. All methods must be non-blocking.
type EventSink interface {
	StepResult(ctx context.Context, result *models.StepResult)
	TaskStatus(ctx context.Context, task *models.Task, eventID int64)
	ActionOutcome(ctx context.Context, taskID, thoughtID string, outcome *models.HandlerOutcome)
}

// ErrNotPaused is returned by SingleStep outside a pause freeze.
var ErrNotPaused = errors.New("processor is not paused")

// Deps are the processor's collaborators.
type Deps struct {
	Config       *config.ProcessorConfig
	OccurrenceID string
	Engine       *pipeline.Engine
	Buses        *bus.Buses
	Tasks        *services.TaskService
	Thoughts     *services.ThoughtService
	State        *services.StateService
	Audit        *audit.Ledger
	Identity     models.IdentitySnapshot
	Events       EventSink // optional
	Logger       *slog.Logger
}

// stepRequest is one single-step token: the worker that consumes it executes
// exactly one step point and replies with its result.
type stepRequest struct {
	resp chan *models.StepResult
}

// Processor runs the occurrence's worker pool.
type Processor struct {
	cfg          *config.ProcessorConfig
	occurrenceID string
	engine       *pipeline.Engine
	buses        *bus.Buses
	tasks        *services.TaskService
	thoughts     *services.ThoughtService
	state        *services.StateService
	audit        *audit.Ledger
	identity     models.IdentitySnapshot
	events       EventSink
	logger       *slog.Logger

	mu         sync.Mutex
	cognitive  CognitiveState
	pauseGate  chan struct{} // non-nil while paused; closed by Resume
	started    bool
	intakeOpen atomic.Bool

	stepCh   chan stepRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	active  atomic.Int64
	metrics *thoughtMetrics
}

// New creates a processor. Call Start to run it.
func New(deps Deps) *Processor {
	if deps.Config == nil || deps.Engine == nil || deps.Buses == nil {
		panic("processor.New: config, engine, and buses are required")
	}
	if deps.Tasks == nil || deps.Thoughts == nil || deps.State == nil || deps.Audit == nil {
		panic("processor.New: tasks, thoughts, state, and audit are required")
	}
	if deps.OccurrenceID == "" {
		panic("processor.New: occurrence id is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		cfg:          deps.Config,
		occurrenceID: deps.OccurrenceID,
		engine:       deps.Engine,
		buses:        deps.Buses,
		tasks:        deps.Tasks,
		thoughts:     deps.Thoughts,
		state:        deps.State,
		audit:        deps.Audit,
		identity:     deps.Identity,
		events:       deps.Events,
		logger:       logger.With("component", "processor", "occurrence_id", deps.OccurrenceID),
		cognitive:    StateWakeup,
		stepCh:       make(chan stepRequest),
		stopCh:       make(chan struct{}),
		metrics:      newThoughtMetrics(deps.Config.MetricsWindow),
	}
	p.intakeOpen.Store(true)
	return p
}

// Start runs WAKEUP (stall recovery, identity confirmation), transitions to
// WORK, and spawns the worker pool. Safe to call once.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if err := p.state.SaveCognitiveState(ctx, p.occurrenceID, string(StateWakeup)); err != nil {
		return fmt.Errorf("persist wakeup state: %w", err)
	}

	released, err := p.tasks.ReleaseStalledTasks(ctx, p.occurrenceID, p.cfg.RoundTimeout)
	if err != nil {
		return fmt.Errorf("release stalled tasks: %w", err)
	}
	if released > 0 {
		p.logger.Info("Released stalled tasks from previous run", "count", released)
	}

	if err := p.confirmIdentity(ctx); err != nil {
		return fmt.Errorf("identity confirmation: %w", err)
	}

	if err := p.transition(ctx, StateWork); err != nil {
		return err
	}

	if _, err := p.audit.Append(ctx, p.occurrenceID, models.AuditSystem, map[string]string{
		"event":    "processor_started",
		"agent_id": p.identity.AgentID,
	}); err != nil {
		p.logger.Error("Startup audit append failed", "error", err)
	}

	p.logger.Info("Starting worker pool", "worker_count", p.cfg.WorkerCount)
	for i := 0; i < p.cfg.WorkerCount; i++ {
		w := &worker{id: fmt.Sprintf("worker-%d", i), p: p}
		p.wg.Add(1)
		go w.run(ctx)
	}
	return nil
}

// confirmIdentity writes the agent's standing identity into graph memory.
// WAKEUP does not complete without it: an agent that cannot state who it is
// does not get to act.
func (p *Processor) confirmIdentity(ctx context.Context) error {
	node := &models.GraphNode{
		Scope: models.ScopeIdentity,
		Type:  models.NodeAgent,
		ID:    p.identity.AgentID,
		Attributes: map[string]string{
			"name":    p.identity.Name,
			"purpose": p.identity.Purpose,
		},
	}
	stored, err := p.buses.Memory.Memorize(ctx, node)
	if err != nil {
		return err
	}
	p.logger.Info("Identity confirmed", "agent_id", p.identity.AgentID, "version", stored.Version)
	return nil
}

// Stop drains the pool: workers finish or defer their current task, then
// SHUTDOWN is persisted. Bounded by GracefulShutdownTimeout. Idempotent.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping processor")
		close(p.stopCh)

		// A pause freeze must not outlive the processor.
		p.mu.Lock()
		if p.pauseGate != nil {
			close(p.pauseGate)
			p.pauseGate = nil
		}
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(p.cfg.GracefulShutdownTimeout):
			p.logger.Warn("Graceful shutdown timeout; abandoning in-flight work")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.mu.Lock()
		p.cognitive = StateShutdown
		p.mu.Unlock()
		if err := p.state.SaveCognitiveState(ctx, p.occurrenceID, string(StateShutdown)); err != nil {
			p.logger.Error("Persisting shutdown state failed", "error", err)
		}
		if _, err := p.audit.Append(ctx, p.occurrenceID, models.AuditSystem, map[string]string{
			"event": "processor_stopped",
		}); err != nil {
			p.logger.Error("Shutdown audit append failed", "error", err)
		}
		p.logger.Info("Processor stopped")
	})
}

// transition moves the cognitive state along the live FSM and persists it.
func (p *Processor) transition(ctx context.Context, to CognitiveState) error {
	p.mu.Lock()
	from := p.cognitive
	if err := validateTransition(from, to); err != nil {
		p.mu.Unlock()
		return err
	}
	p.cognitive = to
	p.mu.Unlock()

	if err := p.state.SaveCognitiveState(ctx, p.occurrenceID, string(to)); err != nil {
		return fmt.Errorf("persist cognitive state: %w", err)
	}
	p.logger.Info("Cognitive state transition", "from", from, "to", to)
	return nil
}

// CognitiveState returns the occurrence's current operating mode.
func (p *Processor) CognitiveState() CognitiveState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cognitive
}

// Paused reports whether a pause freeze is in effect.
func (p *Processor) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pauseGate != nil
}

// IntakeOpen reports the backpressure verdict: false while the ready queue
// sits above the high-water mark, true again once it drains past low water.
func (p *Processor) IntakeOpen() bool { return p.intakeOpen.Load() }

// Snapshot assembles the runtime snapshot carried in every context bundle.
func (p *Processor) Snapshot() models.SystemSnapshot {
	return models.SystemSnapshot{
		OccurrenceID:      p.occurrenceID,
		CognitiveState:    string(p.CognitiveState()),
		Paused:            p.Paused(),
		ActiveTasks:       int(p.active.Load()),
		SecondsPerThought: p.metrics.SecondsPerThought(),
	}
}

// SecondsPerThought exposes the rolling per-thought mean for telemetry.
func (p *Processor) SecondsPerThought() float64 { return p.metrics.SecondsPerThought() }

// Pause implements bus.ControlProvider: all workers freeze at their next
// step boundary and hold until Resume, SingleStep, or Stop.
func (p *Processor) Pause(ctx context.Context) error {
	p.mu.Lock()
	if p.pauseGate == nil {
		p.pauseGate = make(chan struct{})
	}
	p.mu.Unlock()

	p.appendControl(ctx, "pause", "")
	p.logger.Info("Processor paused")
	return nil
}

// Resume implements bus.ControlProvider.
func (p *Processor) Resume(ctx context.Context) error {
	p.mu.Lock()
	if p.pauseGate != nil {
		close(p.pauseGate)
		p.pauseGate = nil
	}
	p.mu.Unlock()

	p.appendControl(ctx, "resume", "")
	p.logger.Info("Processor resumed")
	return nil
}

// SingleStep implements bus.ControlProvider: while paused, advance exactly
// one step point and return that step's typed result, success or failure.
func (p *Processor) SingleStep(ctx context.Context) (*models.StepResult, error) {
	if !p.Paused() {
		return nil, ErrNotPaused
	}

	req := stepRequest{resp: make(chan *models.StepResult, 1)}
	select {
	case p.stepCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, errStopped
	}

	select {
	case result := <-req.resp:
		p.appendControl(ctx, "single_step", string(result.Step))
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopCh:
		return nil, errStopped
	}
}

// Shutdown implements bus.ControlProvider. The stop itself runs detached so
// the control call can return while the pool drains.
func (p *Processor) Shutdown(ctx context.Context, reason string) error {
	p.appendControl(ctx, "shutdown", reason)
	go p.Stop()
	return nil
}

func (p *Processor) appendControl(ctx context.Context, operation, detail string) {
	if _, err := p.audit.Append(ctx, p.occurrenceID, models.AuditControl, models.ControlAuditPayload{
		Operation: operation,
		Detail:    detail,
	}); err != nil {
		p.logger.Error("Control audit append failed", "operation", operation, "error", err)
	}
}

// gate blocks while paused. It returns a non-nil reply channel when this
// step is driven by a single-step token; the caller must send exactly one
// step result on it.
func (p *Processor) gate(ctx context.Context) (chan<- *models.StepResult, error) {
	for {
		p.mu.Lock()
		gate := p.pauseGate
		p.mu.Unlock()
		if gate == nil {
			return nil, nil
		}
		select {
		case <-gate:
			// resumed; re-check in case of an immediate re-pause
		case req := <-p.stepCh:
			return req.resp, nil
		case <-p.stopCh:
			return nil, errStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// updateBackpressure flips the intake gate against the ready-queue water
// marks. Called from worker poll loops; racy reads are fine, the marks are
// coarse by design.
func (p *Processor) updateBackpressure(ctx context.Context) {
	counts, err := p.tasks.CountByStatus(ctx, p.occurrenceID)
	if err != nil {
		p.logger.Warn("Backpressure count failed", "error", err)
		return
	}
	pending := counts[models.TaskPending]
	switch {
	case pending >= p.cfg.QueueHighWater:
		if p.intakeOpen.CompareAndSwap(true, false) {
			p.logger.Warn("Intake paused: ready queue above high water",
				"pending", pending, "high_water", p.cfg.QueueHighWater)
		}
	case pending <= p.cfg.QueueLowWater:
		if p.intakeOpen.CompareAndSwap(false, true) {
			p.logger.Info("Intake resumed: ready queue at low water",
				"pending", pending, "low_water", p.cfg.QueueLowWater)
		}
	}
}
