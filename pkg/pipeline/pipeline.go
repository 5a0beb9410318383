// Package pipeline is the eleven-step decision machine driven once per round
// of one thought. Steps execute strictly in order, each at most once (the
// RECURSIVE_* pair only after a conscience failure), and every step yields a
// typed StepResult; recoverable errors are reified into the result and flow
// into FINALIZE_ACTION instead of crossing step boundaries as Go errors.
//
// The processor drives a Round step by step, which is also what makes
// single-step debugging work: each Next call advances exactly one step point
// and returns its result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/conscience"
	"github.com/cirisai/ciris-engine/pkg/dma"
	"github.com/cirisai/ciris-engine/pkg/handlers"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// conversationWindow bounds the recent-history pull during GATHER_CONTEXT.
const conversationWindow = 10

// terminalWriteTimeout bounds the fresh-context writes that must survive a
// cancelled round context.
const terminalWriteTimeout = 5 * time.Second

// Deps are the collaborators one engine shares across every round.
type Deps struct {
	Buses      *bus.Buses
	Evaluators *dma.Evaluators
	Conscience *conscience.Checker
	Dispatcher *handlers.Dispatcher
	Tasks      *services.TaskService
	Thoughts   *services.ThoughtService
	Audit      *audit.Ledger
	Registry   *registry.Registry

	// Identity is the standing identity confirmed during WAKEUP.
	Identity models.IdentitySnapshot
	// Snapshot reports runtime state at context-gathering time. Paused state
	// read here also drives the FINALIZE_ACTION downgrade.
	Snapshot func() models.SystemSnapshot
	// Constraints are the deployment's standing behavioral constraints,
	// carried verbatim into every context bundle.
	Constraints []string

	Logger *slog.Logger
}

// Engine creates rounds. Safe for concurrent use: all per-round state lives
// on the Round.
type Engine struct {
	deps Deps
}

// NewEngine validates the dependency set once so rounds can assume it.
func NewEngine(deps Deps) *Engine {
	if deps.Buses == nil || deps.Evaluators == nil || deps.Conscience == nil || deps.Dispatcher == nil {
		panic("pipeline.NewEngine: buses, evaluators, conscience, and dispatcher are required")
	}
	if deps.Tasks == nil || deps.Thoughts == nil || deps.Audit == nil || deps.Registry == nil {
		panic("pipeline.NewEngine: tasks, thoughts, audit, and registry are required")
	}
	if deps.Snapshot == nil {
		deps.Snapshot = func() models.SystemSnapshot { return models.SystemSnapshot{} }
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	deps.Logger = deps.Logger.With("component", "pipeline")
	return &Engine{deps: deps}
}

// Round is one pass of one thought through the step machine.
type Round struct {
	deps    Deps
	task    *models.Task
	thought *models.Thought

	next    models.StepPoint
	done    bool
	results []*models.StepResult

	round      int
	bundle     *models.ContextBundle
	dmas       *models.DMAResults
	selection  *models.ActionSelectionDMAResult
	verdict    *models.ConscienceResult
	firstFail  string
	decision   *models.ActionDecision
	outcome    *models.HandlerOutcome
	terminal   bool
	fatal      bool
	followedUp bool

	// reified recoverable failure, consumed by FINALIZE_ACTION
	failKind string
	failMsg  string
}

// NewRound starts a round for one claimed thought.
func (e *Engine) NewRound(task *models.Task, thought *models.Thought) *Round {
	return &Round{
		deps:    e.deps,
		task:    task,
		thought: thought,
		next:    models.StepStartRound,
		round:   thought.Round,
	}
}

// Run drives a round to completion and returns its step results.
func (e *Engine) Run(ctx context.Context, task *models.Task, thought *models.Thought) []*models.StepResult {
	r := e.NewRound(task, thought)
	for {
		_, more := r.Next(ctx)
		if !more {
			return r.Results()
		}
	}
}

// Results returns the step results produced so far, in execution order.
func (r *Round) Results() []*models.StepResult { return r.results }

// Terminal reports whether the round ended the task.
func (r *Round) Terminal() bool { return r.terminal }

// Fatal reports whether the round tripped the round-budget invariant and
// failed the task outright.
func (r *Round) Fatal() bool { return r.fatal }

// Outcome returns the handler outcome, nil before PERFORM_ACTION.
func (r *Round) Outcome() *models.HandlerOutcome { return r.outcome }

// Next executes exactly one step point and returns its result, plus whether
// steps remain. Calling Next after the round finished returns (nil, false).
func (r *Round) Next(ctx context.Context) (*models.StepResult, bool) {
	if r.done {
		return nil, false
	}

	ctx = bus.WithTrace(ctx, bus.Trace{
		TaskID:    r.task.ID,
		ThoughtID: r.thought.ID,
		SpanID:    string(r.next),
	})

	started := time.Now()
	var result *models.StepResult
	switch r.next {
	case models.StepStartRound:
		result = r.startRound(ctx)
	case models.StepGatherContext:
		result = r.gatherContext(ctx)
	case models.StepPerformDMAs:
		result = r.performDMAs(ctx)
	case models.StepPerformASPDMA:
		result = r.performASPDMA(ctx)
	case models.StepConscience:
		result = r.conscienceCheck()
	case models.StepRecursiveASPDMA:
		result = r.recursiveASPDMA(ctx)
	case models.StepRecursiveConscience:
		result = r.recursiveConscience()
	case models.StepFinalizeAction:
		result = r.finalizeAction()
	case models.StepPerformAction:
		result = r.performAction(ctx)
	case models.StepActionComplete:
		result = r.actionComplete(ctx)
	case models.StepRoundComplete:
		result = r.roundComplete(ctx)
	}

	result.TaskID = r.task.ID
	result.ThoughtID = r.thought.ID
	result.Round = r.round
	result.DurationMS = time.Since(started).Milliseconds()
	r.results = append(r.results, result)

	if result.Step == models.StepRoundComplete {
		r.done = true
	}
	return result, !r.done
}

func (r *Round) step(p models.StepPoint) *models.StepResult {
	return &models.StepResult{Step: p, OK: true}
}

// reify records a recoverable step failure and routes the round to
// FINALIZE_ACTION, which turns it into a deferral decision.
func (r *Round) reify(result *models.StepResult, err error) *models.StepResult {
	r.failKind = bus.ErrorKind(err)
	r.failMsg = err.Error()
	result.OK = false
	result.ErrorKind = r.failKind
	result.Error = r.failMsg
	r.next = models.StepFinalizeAction
	return result
}

// startRound increments the task's round counter and takes the thought in
// flight. A counter past the budget means the previous FINALIZE_ACTION
// rewrite was bypassed; that is a fatal invariant breach, not a deferral.
func (r *Round) startRound(ctx context.Context) *models.StepResult {
	result := r.step(models.StepStartRound)

	round, err := r.deps.Tasks.IncrementRound(ctx, r.task.ID)
	if err != nil {
		return r.reify(result, fmt.Errorf("increment round: %w", err))
	}
	r.round = round
	r.task.RoundCount = round
	r.thought.Round = round

	if round > models.MaxTaskRounds {
		result.OK = false
		result.ErrorKind = "fatal"
		result.Error = fmt.Sprintf("round %d exceeds budget %d", round, models.MaxTaskRounds)
		r.fatal = true
		r.next = models.StepRoundComplete
		return result
	}

	if err := r.deps.Thoughts.SetThoughtState(ctx, r.thought.ID, models.ThoughtInFlight); err != nil {
		return r.reify(result, fmt.Errorf("mark thought in flight: %w", err))
	}
	r.next = models.StepGatherContext
	return result
}

// gatherContext assembles the working bundle. Memory and conversation pulls
// are best-effort: a failed recall narrows the context, it does not stop the
// round.
func (r *Round) gatherContext(ctx context.Context) *models.StepResult {
	result := r.step(models.StepGatherContext)

	bundle := &models.ContextBundle{
		Identity:    r.deps.Identity,
		System:      r.deps.Snapshot(),
		Input:       r.thought.Content.Input,
		Constraints: r.deps.Constraints,
		ToolResults: r.thought.Content.ToolResults,
	}
	if bundle.Input == "" {
		bundle.Input = r.task.InitialInput
	}
	if r.thought.Content.Reflection != "" {
		bundle.Input += "\n\nReflection: " + r.thought.Content.Reflection
	}

	if r.task.SubjectID != "" {
		nodes, err := r.deps.Buses.Memory.Recall(ctx, models.RecallQuery{
			Key: &models.NodeKey{Scope: models.ScopeLocal, Type: models.NodeUser, ID: r.task.SubjectID},
		})
		if err != nil {
			r.deps.Logger.Warn("Context recall failed", "task_id", r.task.ID, "error", err)
		} else {
			bundle.Memories = nodes
		}
	}

	if r.task.ChannelID != "" {
		history, err := r.deps.Buses.Communication.FetchHistory(ctx, r.task.ChannelID, conversationWindow)
		if err != nil {
			r.deps.Logger.Warn("Context history fetch failed", "task_id", r.task.ID, "error", err)
		} else {
			bundle.Conversation = history
		}
	}

	r.bundle = bundle
	result.Context = bundle
	r.next = models.StepPerformDMAs
	return result
}

func (r *Round) performDMAs(ctx context.Context) *models.StepResult {
	result := r.step(models.StepPerformDMAs)

	dmas, err := r.deps.Evaluators.EvaluateAll(ctx, r.bundle)
	if err != nil {
		return r.reify(result, err)
	}
	r.dmas = dmas
	result.DMAs = dmas
	r.next = models.StepPerformASPDMA
	return result
}

func (r *Round) performASPDMA(ctx context.Context) *models.StepResult {
	result := r.step(models.StepPerformASPDMA)

	selection, err := r.deps.Evaluators.SelectAction(ctx, r.bundle, r.dmas, "")
	if err != nil {
		return r.reify(result, err)
	}
	r.selection = selection
	r.decision = &selection.Decision
	result.Selection = selection
	if r.consultWisdom(ctx, selection.GuidanceCapability) {
		r.next = models.StepFinalizeAction
		return result
	}
	r.next = models.StepConscience
	return result
}

func (r *Round) conscienceCheck() *models.StepResult {
	result := r.step(models.StepConscience)

	r.verdict = r.deps.Conscience.Review(r.decision, r.dmas, r.bundle)
	result.Conscience = r.verdict
	if r.verdict.Passed {
		r.next = models.StepFinalizeAction
	} else {
		r.firstFail = r.verdict.Reason
		r.next = models.StepRecursiveASPDMA
	}
	return result
}

// recursiveASPDMA re-selects with the conscience failure appended to context.
// At most one recursion per thought.
func (r *Round) recursiveASPDMA(ctx context.Context) *models.StepResult {
	result := r.step(models.StepRecursiveASPDMA)

	selection, err := r.deps.Evaluators.SelectAction(ctx, r.bundle, r.dmas, r.firstFail)
	if err != nil {
		return r.reify(result, err)
	}
	r.selection = selection
	r.decision = &selection.Decision
	result.Selection = selection
	if r.consultWisdom(ctx, selection.GuidanceCapability) {
		r.next = models.StepFinalizeAction
		return result
	}
	r.next = models.StepRecursiveConscience
	return result
}

// consultWisdom asks the Wise Bus for direction when action selection
// declared an outside competency. A prohibited capability replaces the
// decision with terminal REJECT and reports true so the caller skips the
// conscience (REJECT is exempt). Any other guidance failure narrows the
// context, it does not stop the round.
func (r *Round) consultWisdom(ctx context.Context, capability string) bool {
	if capability == "" {
		return false
	}
	resp, err := r.deps.Buses.Wise.RequestGuidance(ctx, &models.GuidanceRequest{
		TaskID:     r.task.ID,
		ThoughtID:  r.thought.ID,
		Capability: capability,
		Question:   r.bundle.Input,
	})
	switch {
	case errors.Is(err, models.ErrProhibited):
		r.deps.Logger.Warn("Prohibited capability declared, rejecting task",
			"task_id", r.task.ID, "capability", capability)
		r.decision = &models.ActionDecision{
			Action:    models.ActionReject,
			Rationale: fmt.Sprintf("declared capability %q is prohibited", capability),
			Reject:    &models.RejectParams{Reason: "prohibited_capability"},
		}
		return true
	case err != nil:
		r.deps.Logger.Warn("Guidance request failed",
			"task_id", r.task.ID, "capability", capability, "error", err)
		return false
	default:
		r.bundle.Guidance = resp.Guidance
		return false
	}
}

// recursiveConscience re-validates the second proposal. A second failure
// forces DEFER with the aggregated reason; there is no third selection.
func (r *Round) recursiveConscience() *models.StepResult {
	result := r.step(models.StepRecursiveConscience)

	r.verdict = r.deps.Conscience.Review(r.decision, r.dmas, r.bundle)
	result.Conscience = r.verdict
	if !r.verdict.Passed {
		reason := fmt.Sprintf("conscience_blocked(×2): %s; %s", r.firstFail, r.verdict.Reason)
		r.decision = &models.ActionDecision{
			Action: models.ActionDefer,
			Defer:  &models.DeferParams{Reason: reason},
		}
	}
	r.next = models.StepFinalizeAction
	return result
}

// finalizeAction applies the deterministic overrides, in order: a reified
// upstream failure becomes DEFER; the post-SPEAK completion bias rewrites to
// TASK_COMPLETE; paused state downgrades SPEAK to DEFER; the final round
// rewrites any non-terminal action to DEFER.
func (r *Round) finalizeAction() *models.StepResult {
	result := r.step(models.StepFinalizeAction)

	if r.decision == nil {
		reason := r.failKind
		if reason == "" {
			reason = "no_decision"
		}
		if r.failKind == "circuit_open" && r.allLLMCircuitsOpen() {
			reason = "no_providers"
		}
		r.decision = &models.ActionDecision{
			Action: models.ActionDefer,
			Defer:  &models.DeferParams{Reason: reason},
		}
	}

	if r.spokeLast() && r.thought.Content.FollowUpMarker == models.FollowUpNone &&
		!r.decision.Action.IsTerminal() {
		r.decision = &models.ActionDecision{
			Action:   models.ActionTaskComplete,
			Complete: &models.CompleteParams{Summary: "responded in channel"},
		}
	}

	if r.decision.Action == models.ActionSpeak && r.deps.Snapshot().Paused {
		r.decision = &models.ActionDecision{
			Action: models.ActionDefer,
			Defer:  &models.DeferParams{Reason: "paused"},
		}
	}

	if r.round >= models.MaxTaskRounds && !r.decision.Action.IsTerminal() {
		r.decision = &models.ActionDecision{
			Action: models.ActionDefer,
			Defer:  &models.DeferParams{Reason: "round_budget_exhausted"},
		}
	}

	result.Decision = r.decision
	r.next = models.StepPerformAction
	return result
}

func (r *Round) performAction(ctx context.Context) *models.StepResult {
	result := r.step(models.StepPerformAction)

	outcome := r.deps.Dispatcher.Dispatch(ctx, r.decision, handlers.Invocation{
		Task:    r.task,
		Thought: r.thought,
	})
	r.outcome = &outcome
	result.Outcome = r.outcome
	if outcome.Status == models.HandlerFailed {
		result.OK = false
		result.ErrorKind = outcome.ErrorKind
		result.Error = outcome.Message
	}
	r.next = models.StepActionComplete
	return result
}

// actionComplete writes the audit entry and persists the task's terminal
// status when the action ended it. Terminal writes use a fresh context so a
// cancelled round cannot lose them.
func (r *Round) actionComplete(ctx context.Context) *models.StepResult {
	result := r.step(models.StepActionComplete)
	result.Outcome = r.outcome

	if _, err := r.deps.Audit.Append(ctx, r.task.OccurrenceID, models.AuditAction, models.ActionAuditPayload{
		TaskID:    r.task.ID,
		ThoughtID: r.thought.ID,
		Round:     r.round,
		Action:    r.decision.Action,
		Status:    string(r.outcome.Status),
		Reason:    r.outcome.Message,
	}); err != nil {
		// Auditing is load-bearing but the action already happened;
		// the round records the failure and continues.
		r.deps.Logger.Error("Audit append failed", "task_id", r.task.ID, "error", err)
		result.OK = false
		result.ErrorKind = "audit"
		result.Error = err.Error()
	}

	if r.decision.Action.IsTerminal() && r.outcome.Status == models.HandlerOK {
		r.terminal = true
		status := terminalStatus(r.decision.Action)
		wctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
		defer cancel()
		if err := r.deps.Tasks.UpdateTaskStatus(wctx, r.task.ID, status, r.outcome.Message); err != nil {
			r.deps.Logger.Error("Terminal status write failed",
				"task_id", r.task.ID, "status", status, "error", err)
		} else {
			r.task.Status = status
		}
	}

	r.next = models.StepRoundComplete
	return result
}

// roundComplete releases the thought and schedules the next round's thought
// for a task that is still live: the handler's declared follow-up when there
// is one, otherwise a plain continuation (whose empty marker is what arms the
// post-SPEAK completion bias).
func (r *Round) roundComplete(ctx context.Context) *models.StepResult {
	result := r.step(models.StepRoundComplete)
	result.Terminal = r.terminal || r.fatal

	wctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	if r.fatal {
		if err := r.deps.Tasks.UpdateTaskStatus(wctx, r.task.ID, models.TaskFailed, "round budget invariant breached"); err != nil {
			r.deps.Logger.Error("Failed-status write failed", "task_id", r.task.ID, "error", err)
		}
		if err := r.deps.Thoughts.SetThoughtState(wctx, r.thought.ID, models.ThoughtFailed); err != nil {
			r.deps.Logger.Error("Thought release failed", "thought_id", r.thought.ID, "error", err)
		}
		return result
	}

	state := models.ThoughtCompleted
	if r.outcome != nil && r.outcome.Status == models.HandlerFailed {
		state = models.ThoughtFailed
	}
	if err := r.deps.Thoughts.SetThoughtState(wctx, r.thought.ID, state); err != nil {
		r.deps.Logger.Error("Thought release failed", "thought_id", r.thought.ID, "error", err)
	}

	if !r.terminal {
		scheduled, err := r.scheduleNextThought(ctx)
		if err != nil {
			r.deps.Logger.Error("Follow-up scheduling failed", "task_id", r.task.ID, "error", err)
			result.OK = false
			result.ErrorKind = "follow_up"
			result.Error = err.Error()
		} else {
			r.followedUp = scheduled
			result.FollowUpScheduled = scheduled
		}
	}
	return result
}

// scheduleNextThought creates at most one next-round thought carrying the
// round's residue: prior actions, tool observations, the handler's follow-up
// marker and reflection.
func (r *Round) scheduleNextThought(ctx context.Context) (bool, error) {
	content := models.ThoughtContent{
		Input:          r.thought.Content.Input,
		FollowUpMarker: models.FollowUpNone,
		PriorActions:   append([]models.PriorAction{}, r.thought.Content.PriorActions...),
	}
	if content.Input == "" {
		content.Input = r.task.InitialInput
	}

	summary := ""
	action := models.ActionType("")
	if r.outcome != nil {
		action = r.outcome.Action
		summary = r.outcome.Message
		if r.outcome.Status == models.HandlerFailed {
			summary = fmt.Sprintf("failed (%s): %s", r.outcome.ErrorKind, r.outcome.Message)
		}
		content.ToolResults = r.outcome.Observations
		if r.outcome.FollowUp != nil {
			content.FollowUpMarker = r.outcome.FollowUp.Marker
			content.Reflection = r.outcome.FollowUp.Reflection
		}
	}
	content.PriorActions = append(content.PriorActions, models.PriorAction{
		Round:   r.round,
		Action:  action,
		Summary: summary,
	})
	if r.verdict != nil && !r.verdict.Passed {
		content.ConscienceNotes = append(r.thought.Content.ConscienceNotes, r.verdict.Reason)
	}

	_, err := r.deps.Thoughts.CreateThought(ctx, services.CreateThoughtInput{
		TaskID:       r.task.ID,
		OccurrenceID: r.task.OccurrenceID,
		Generation:   models.GenerationFollowUp,
		Round:        r.round,
		Content:      content,
	})
	if err != nil {
		return false, err
	}
	return r.outcome != nil && r.outcome.FollowUp != nil, nil
}

// spokeLast reports whether the task's previous round ended in a delivered
// SPEAK, which is what arms the completion bias.
func (r *Round) spokeLast() bool {
	prior := r.thought.Content.PriorActions
	if len(prior) == 0 {
		return false
	}
	return prior[len(prior)-1].Action == models.ActionSpeak
}

// allLLMCircuitsOpen reports whether every registered model provider, primary
// and fallback, has an open circuit. With no providers registered at all the
// answer is also true: there is nobody to ask.
func (r *Round) allLLMCircuitsOpen() bool {
	open := true
	for _, h := range r.deps.Registry.Health() {
		if h.Capability != registry.CapabilityLLM && h.Capability != registry.CapabilityLLMFallback {
			continue
		}
		if h.Circuit != registry.BreakerOpen {
			open = false
		}
	}
	return open
}

func terminalStatus(action models.ActionType) models.TaskStatus {
	switch action {
	case models.ActionTaskComplete:
		return models.TaskCompleted
	case models.ActionReject:
		return models.TaskRejected
	default:
		return models.TaskDeferred
	}
}
