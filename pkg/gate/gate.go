// Package gate is the admission layer in front of task creation. Every
// adapter routes inbound traffic through Accept, which enforces consent
// streams, debits Commons Credit, scrubs privileged framing from the
// payload, and records every refusal in the signed audit log.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// Runtime is the processor surface the gate consults before admitting work.
type Runtime interface {
	Snapshot() models.SystemSnapshot
	IntakeOpen() bool
}

// Deps are the gate's collaborators.
type Deps struct {
	Config       *config.GateConfig
	OccurrenceID string
	Consent      *services.ConsentService
	Credit       *services.CreditService
	Tasks        *services.TaskService
	Audit        *audit.Ledger
	Runtime      Runtime
	// Ready reports whether first-run setup finished. Nil means always ready.
	Ready  func() bool
	Logger *slog.Logger
}

// Gate admits or refuses inbound events.
type Gate struct {
	cfg          *config.GateConfig
	occurrenceID string
	consent      *services.ConsentService
	credit       *services.CreditService
	tasks        *services.TaskService
	audit        *audit.Ledger
	runtime      Runtime
	ready        func() bool
	scrubber     *Scrubber
	logger       *slog.Logger
}

// New creates a gate. All deps except Ready and Logger are required.
func New(deps Deps) *Gate {
	if deps.Config == nil || deps.Consent == nil || deps.Credit == nil ||
		deps.Tasks == nil || deps.Audit == nil || deps.Runtime == nil {
		panic("gate.New: config, consent, credit, tasks, audit, and runtime are required")
	}
	if deps.OccurrenceID == "" {
		panic("gate.New: occurrence id is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gate")
	return &Gate{
		cfg:          deps.Config,
		occurrenceID: deps.OccurrenceID,
		consent:      deps.Consent,
		credit:       deps.Credit,
		tasks:        deps.Tasks,
		audit:        deps.Audit,
		runtime:      deps.Runtime,
		ready:        deps.Ready,
		scrubber:     NewScrubber(logger),
		logger:       logger,
	}
}

// Accept runs the admission sequence for one inbound event: runtime checks,
// consent, credit, scrub, task creation. Rejections come back as a typed
// AcceptResult with a nil error; errors are infrastructure failures.
func (g *Gate) Accept(ctx context.Context, event models.InboundEvent) (models.AcceptResult, error) {
	if err := validateEvent(event); err != nil {
		return g.reject(ctx, event, models.RejectionProhibited, err.Error()), nil
	}

	if g.ready != nil && !g.ready() {
		return g.reject(ctx, event, models.RejectionShutdown, "setup incomplete"), nil
	}

	snap := g.runtime.Snapshot()
	switch snap.CognitiveState {
	case "WORK":
	case "WAKEUP":
		return g.reject(ctx, event, models.RejectionShutdown, "agent is waking up"), nil
	default:
		return g.reject(ctx, event, models.RejectionShutdown, "agent is shutting down"), nil
	}
	if !g.runtime.IntakeOpen() {
		return g.reject(ctx, event, models.RejectionShutdown, "intake saturated"), nil
	}

	record, err := g.consent.GetOrCreateConsent(ctx, event.SubjectID)
	if err != nil {
		return models.AcceptResult{}, fmt.Errorf("consent lookup: %w", err)
	}
	if record.RevokedAt != nil {
		return g.reject(ctx, event, models.RejectionConsentBlocked, "consent revoked; data in decay"), nil
	}
	if record.Expired(time.Now().UTC()) {
		// The sweeper may not have caught the expired record yet. Contact
		// restarts the temporary window.
		if _, err := g.consent.UpdateStream(ctx, event.SubjectID, models.StreamTemporary, "ttl_renewed", ""); err != nil {
			return models.AcceptResult{}, fmt.Errorf("consent renewal: %w", err)
		}
	}

	// Debit before the task exists so a rejected debit leaves nothing behind.
	// The debit persists regardless of the task's outcome.
	if !event.Role.BypassesCredit() {
		err := g.credit.Debit(ctx, event.SubjectID, "", g.cfg.InteractionCost, "interaction")
		if errors.Is(err, services.ErrInsufficientCredit) {
			return g.reject(ctx, event, models.RejectionCreditDenied, "insufficient credit"), nil
		}
		if err != nil {
			return models.AcceptResult{}, fmt.Errorf("credit debit: %w", err)
		}
	}

	input, matched := g.scrub(event.Payload)
	if len(matched) > 0 {
		g.logger.Warn("Scrubbed privileged framing from inbound payload",
			"subject_id", event.SubjectID, "patterns", strings.Join(matched, ","))
	}

	task, err := g.tasks.CreateTask(ctx, models.CreateTaskRequest{
		OccurrenceID: g.occurrenceID,
		Kind:         models.TaskKindStandard,
		AdapterID:    event.AdapterID,
		ChannelID:    event.ChannelID,
		SubjectID:    event.SubjectID,
		InitialInput: input,
	})
	if err != nil {
		g.refund(event)
		return models.AcceptResult{}, fmt.Errorf("task creation: %w", err)
	}

	g.logger.Info("Accepted interaction",
		"task_id", task.ID, "subject_id", event.SubjectID, "channel_id", event.ChannelID)
	return models.AcceptResult{Accepted: true, TaskID: task.ID}, nil
}

// RequestPartnership spawns the partnership-decision task for a subject
// asking to upgrade to the partnered stream. The pipeline's terminal action
// on that task resolves the request.
func (g *Gate) RequestPartnership(ctx context.Context, subjectID, channelID, note string) (*models.Task, error) {
	if subjectID == "" {
		return nil, services.NewValidationError("subject_id", "required")
	}

	record, err := g.consent.GetOrCreateConsent(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("consent lookup: %w", err)
	}
	if record.Stream == models.StreamPartnered {
		return nil, services.NewValidationError("stream", "already partnered")
	}

	input := fmt.Sprintf("Partnership request from subject %s. Decide whether to accept a partnered consent relationship.", subjectID)
	if note != "" {
		input += " Subject's note: " + note
	}
	task, err := g.tasks.CreateTask(ctx, models.CreateTaskRequest{
		OccurrenceID: g.occurrenceID,
		Kind:         models.TaskKindPartnership,
		AdapterID:    "consent",
		ChannelID:    channelID,
		SubjectID:    subjectID,
		InitialInput: input,
	})
	if err != nil {
		return nil, fmt.Errorf("partnership task creation: %w", err)
	}

	if _, err := g.audit.Append(ctx, g.occurrenceID, models.AuditConsent, models.ConsentAuditPayload{
		SubjectID: subjectID,
		ToStream:  string(models.StreamPartnered),
		TaskID:    task.ID,
		Reason:    "partnership_requested",
	}); err != nil {
		g.logger.Error("Consent audit append failed", "task_id", task.ID, "error", err)
	}
	return task, nil
}

// ResolvePartnership reads a partnership task's terminal action and applies
// the bilateral outcome: TASK_COMPLETE accepts (the subject becomes
// partnered), REJECT refuses, DEFER waits, anything still open is pending.
func (g *Gate) ResolvePartnership(ctx context.Context, taskID string) (models.PartnershipStatus, error) {
	task, err := g.tasks.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task.Kind != models.TaskKindPartnership {
		return "", services.NewValidationError("task_id", "not a partnership task")
	}

	switch task.Status {
	case models.TaskCompleted:
		if _, err := g.consent.UpdateStream(ctx, task.SubjectID, models.StreamPartnered, "partnership_accepted", task.ID); err != nil {
			return "", fmt.Errorf("partnered upgrade: %w", err)
		}
		return models.PartnershipAccepted, nil
	case models.TaskRejected:
		return models.PartnershipRefused, nil
	case models.TaskDeferred:
		return models.PartnershipDeferred, nil
	default:
		return models.PartnershipPending, nil
	}
}

func (g *Gate) scrub(payload string) (string, []string) {
	if g.cfg.ScrubEnabled != nil && !*g.cfg.ScrubEnabled {
		return payload, nil
	}
	return g.scrubber.Scrub(payload)
}

// reject audits the refusal and shapes the result. Audit failure downgrades
// to a log line; the caller still gets the rejection.
func (g *Gate) reject(ctx context.Context, event models.InboundEvent, reason models.RejectionReason, detail string) models.AcceptResult {
	if _, err := g.audit.Append(ctx, g.occurrenceID, models.AuditGateRejection, models.GateAuditPayload{
		AdapterID: event.AdapterID,
		ChannelID: event.ChannelID,
		SubjectID: event.SubjectID,
		Rejection: string(reason),
		Detail:    detail,
	}); err != nil {
		g.logger.Error("Gate rejection audit append failed", "error", err)
	}
	g.logger.Info("Rejected interaction",
		"subject_id", event.SubjectID, "rejection", reason, "detail", detail)
	return models.AcceptResult{Rejection: reason, Detail: detail}
}

// refund returns the interaction debit when task creation failed after the
// debit committed. Best effort on a fresh context.
func (g *Gate) refund(event models.InboundEvent) {
	if event.Role.BypassesCredit() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := g.credit.Grant(ctx, event.SubjectID, g.cfg.InteractionCost, "task_creation_failed"); err != nil {
		g.logger.Error("Credit refund failed", "subject_id", event.SubjectID, "error", err)
	}
}

func validateEvent(event models.InboundEvent) error {
	switch {
	case event.AdapterID == "":
		return errors.New("adapter_id is required")
	case event.ChannelID == "":
		return errors.New("channel_id is required")
	case event.SubjectID == "":
		return errors.New("subject_id is required")
	case strings.TrimSpace(event.Payload) == "":
		return errors.New("payload is required")
	}
	return nil
}
