// Package handlers executes the pipeline's selected actions. One handler per
// action type, all dispatched through a single Dispatcher so PERFORM_ACTION
// has exactly one entry point. Handlers never mutate task or thought state;
// they act through the buses and report a typed outcome; persistence belongs
// to the pipeline's completion steps.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// defaultObserveLimit bounds an OBSERVE pull when the decision names none.
const defaultObserveLimit = 10

// Invocation is the per-dispatch context a handler acts for.
type Invocation struct {
	Task    *models.Task
	Thought *models.Thought
}

// Dispatcher routes a validated decision to its handler.
type Dispatcher struct {
	buses  *bus.Buses
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the engine buses.
func NewDispatcher(buses *bus.Buses, logger *slog.Logger) *Dispatcher {
	if buses == nil {
		panic("handlers.NewDispatcher: buses must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		buses:  buses,
		logger: logger.With("component", "handlers"),
	}
}

// Dispatch runs the handler for one decision. Handler failures are reified
// into a failed outcome with a taxonomy code; the pipeline does not retry
// within the round, and never sees a Go error from a handler.
func (d *Dispatcher) Dispatch(ctx context.Context, decision *models.ActionDecision, inv Invocation) models.HandlerOutcome {
	if err := decision.Validate(); err != nil {
		return failed(decision.Action, "validation", err)
	}

	var outcome models.HandlerOutcome
	switch decision.Action {
	case models.ActionSpeak:
		outcome = d.speak(ctx, decision.Speak)
	case models.ActionTool:
		outcome = d.tool(ctx, decision.Tool)
	case models.ActionObserve:
		outcome = d.observe(ctx, decision.Observe)
	case models.ActionMemorize:
		outcome = d.memorize(ctx, decision.Memorize)
	case models.ActionRecall:
		outcome = d.recall(ctx, decision.Recall)
	case models.ActionForget:
		outcome = d.forget(ctx, decision.Forget)
	case models.ActionReject:
		outcome = d.reject(decision.Reject)
	case models.ActionPonder:
		outcome = d.ponder(decision.Ponder)
	case models.ActionDefer:
		outcome = d.deferTask(ctx, decision.Defer, inv)
	case models.ActionTaskComplete:
		outcome = d.complete(decision.Complete)
	default:
		outcome = failed(decision.Action, "validation", fmt.Errorf("unknown action %q", decision.Action))
	}

	if outcome.Status == models.HandlerFailed {
		d.logger.Warn("Handler failed",
			"action", decision.Action, "task_id", inv.Task.ID,
			"error_kind", outcome.ErrorKind, "message", outcome.Message)
	}
	return outcome
}

// speak delivers the utterance on the Communication Bus. Per-channel FIFO is
// the bus's concern; the handler just waits for the delivery verdict.
func (d *Dispatcher) speak(ctx context.Context, p *models.SpeakParams) models.HandlerOutcome {
	if err := d.buses.Communication.Send(ctx, p.ChannelID, p.Content); err != nil {
		return failed(models.ActionSpeak, bus.ErrorKind(err), err)
	}
	return ok(models.ActionSpeak, fmt.Sprintf("delivered to %s", p.ChannelID))
}

// tool executes one tool and declares a follow-up so the result reaches the
// next thought's context. In-tool failures are observations, not handler
// failures: the pipeline should see what the tool said and decide.
func (d *Dispatcher) tool(ctx context.Context, p *models.ToolParams) models.HandlerOutcome {
	result, err := d.buses.Tool.Execute(ctx, p.Name, p.Arguments)
	if err != nil {
		return failed(models.ActionTool, bus.ErrorKind(err), err)
	}

	outcome := ok(models.ActionTool, fmt.Sprintf("executed %s", p.Name))
	outcome.Observations = []models.ToolObservation{result.Observation()}
	outcome.FollowUp = &models.FollowUpRequest{Marker: models.FollowUpPendingTool}
	return outcome
}

// observe pulls recent channel state. A follow-up thought is scheduled only
// when the decision asked for one; a bare observation completes in place.
func (d *Dispatcher) observe(ctx context.Context, p *models.ObserveParams) models.HandlerOutcome {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultObserveLimit
	}

	messages, err := d.buses.Communication.FetchHistory(ctx, p.ChannelID, limit)
	if err != nil {
		return failed(models.ActionObserve, bus.ErrorKind(err), err)
	}

	outcome := ok(models.ActionObserve, fmt.Sprintf("observed %d messages on %s", len(messages), p.ChannelID))
	outcome.Observations = []models.ToolObservation{{
		Name:    "observe." + p.ChannelID,
		Content: renderMessages(messages),
	}}
	if p.FollowUp {
		outcome.FollowUp = &models.FollowUpRequest{Marker: models.FollowUpDirective}
	}
	return outcome
}

func (d *Dispatcher) memorize(ctx context.Context, p *models.MemorizeParams) models.HandlerOutcome {
	node := p.Node
	stored, err := d.buses.Memory.Memorize(ctx, &node)
	if err != nil {
		return failed(models.ActionMemorize, bus.ErrorKind(err), err)
	}
	return ok(models.ActionMemorize, fmt.Sprintf("stored %s v%d", stored.Key(), stored.Version))
}

// recall reads graph memory and declares a follow-up so the recalled nodes
// flow into the next round's context bundle.
func (d *Dispatcher) recall(ctx context.Context, p *models.RecallParams) models.HandlerOutcome {
	nodes, err := d.buses.Memory.Recall(ctx, p.Query)
	if err != nil {
		return failed(models.ActionRecall, bus.ErrorKind(err), err)
	}

	outcome := ok(models.ActionRecall, fmt.Sprintf("recalled %d nodes", len(nodes)))
	outcome.Observations = []models.ToolObservation{{
		Name:    "recall",
		Content: renderNodes(nodes),
	}}
	outcome.FollowUp = &models.FollowUpRequest{Marker: models.FollowUpDirective}
	return outcome
}

func (d *Dispatcher) forget(ctx context.Context, p *models.ForgetParams) models.HandlerOutcome {
	if err := d.buses.Memory.Forget(ctx, p.Key); err != nil {
		return failed(models.ActionForget, bus.ErrorKind(err), err)
	}
	msg := fmt.Sprintf("forgot %s", p.Key)
	if p.Reason != "" {
		msg += " (" + p.Reason + ")"
	}
	return ok(models.ActionForget, msg)
}

func (d *Dispatcher) reject(p *models.RejectParams) models.HandlerOutcome {
	return ok(models.ActionReject, p.Reason)
}

// ponder schedules the task's one follow-up thought carrying the reflection.
func (d *Dispatcher) ponder(p *models.PonderParams) models.HandlerOutcome {
	outcome := ok(models.ActionPonder, "pondering")
	outcome.FollowUp = &models.FollowUpRequest{
		Marker:     models.FollowUpDirective,
		Reflection: renderReflection(p),
	}
	return outcome
}

// deferTask hands the task off. The wise authority hears about it; with no
// authority online the deferral still succeeds locally and the task record
// carries the deferred state.
func (d *Dispatcher) deferTask(ctx context.Context, p *models.DeferParams, inv Invocation) models.HandlerOutcome {
	deferral := &models.Deferral{
		TaskID:     inv.Task.ID,
		ThoughtID:  inv.Thought.ID,
		Reason:     p.Reason,
		DeferUntil: p.DeferUntil,
	}
	if err := d.buses.Wise.SubmitDeferral(ctx, deferral); err != nil {
		return failed(models.ActionDefer, bus.ErrorKind(err), err)
	}
	return ok(models.ActionDefer, p.Reason)
}

func (d *Dispatcher) complete(p *models.CompleteParams) models.HandlerOutcome {
	return ok(models.ActionTaskComplete, p.Summary)
}

func ok(action models.ActionType, message string) models.HandlerOutcome {
	return models.HandlerOutcome{Action: action, Status: models.HandlerOK, Message: message}
}

func failed(action models.ActionType, errorKind string, err error) models.HandlerOutcome {
	return models.HandlerOutcome{
		Action:    action,
		Status:    models.HandlerFailed,
		ErrorKind: errorKind,
		Message:   err.Error(),
	}
}

func renderMessages(messages []*models.ChannelMessage) string {
	if len(messages) == 0 {
		return "no messages"
	}
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), m.AuthorID, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderNodes(nodes []*models.GraphNode) string {
	if len(nodes) == 0 {
		return "no matching nodes"
	}
	var b strings.Builder
	for _, n := range nodes {
		fmt.Fprintf(&b, "%s: %v\n", n.Key(), n.Attributes)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderReflection(p *models.PonderParams) string {
	var parts []string
	if p.Note != "" {
		parts = append(parts, p.Note)
	}
	for _, q := range p.Questions {
		parts = append(parts, "consider: "+q)
	}
	return strings.Join(parts, "\n")
}
