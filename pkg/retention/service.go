// Package retention enforces the engine's data lifecycle in the background:
//   - Expired temporary consent triggers the forget routine for the subject
//   - Completed 90-day revocation decay removes the last traces of a subject
//   - Correlations and channel history are pruned past their windows
//   - Expired API tokens are removed
//   - Pending data-subject requests are claimed and fulfilled
//
// All passes are idempotent and safe to run from multiple occurrences
// sharing one store.
package retention

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// Deps are the retention service's collaborators.
type Deps struct {
	Config       *config.RetentionConfig
	OccurrenceID string
	Consent      *services.ConsentService
	Credit       *services.CreditService
	Graph        *services.GraphService
	Correlations *services.CorrelationService
	Messages     *services.MessageService
	Users        *services.UserService
	DSAR         *services.DSARService
	Audit        *audit.Ledger
	Logger       *slog.Logger
}

// Service runs the periodic retention sweep.
type Service struct {
	cfg          *config.RetentionConfig
	occurrenceID string
	consent      *services.ConsentService
	credit       *services.CreditService
	graph        *services.GraphService
	correlations *services.CorrelationService
	messages     *services.MessageService
	users        *services.UserService
	dsar         *services.DSARService
	audit        *audit.Ledger
	logger       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention service. Call Start to run it.
func NewService(deps Deps) *Service {
	if deps.Config == nil {
		panic("retention.NewService: config must not be nil")
	}
	if deps.Consent == nil || deps.Credit == nil || deps.Graph == nil ||
		deps.Correlations == nil || deps.Messages == nil || deps.Users == nil ||
		deps.DSAR == nil || deps.Audit == nil {
		panic("retention.NewService: all services are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:          deps.Config,
		occurrenceID: deps.OccurrenceID,
		consent:      deps.Consent,
		credit:       deps.Credit,
		graph:        deps.Graph,
		correlations: deps.Correlations,
		messages:     deps.Messages,
		users:        deps.Users,
		dsar:         deps.DSAR,
		audit:        deps.Audit,
		logger:       logger.With("component", "retention"),
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention service started",
		"sweep_interval", s.cfg.SweepInterval,
		"correlation_retention", s.cfg.CorrelationRetention,
		"channel_message_retention", s.cfg.ChannelMessageRetention)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs every retention pass once. Exported so tests and operators can
// force a pass without waiting for the ticker.
func (s *Service) Sweep(ctx context.Context) {
	s.expireTemporaryConsent(ctx)
	s.completeDecay(ctx)
	s.pruneCorrelations(ctx)
	s.pruneMessages(ctx)
	s.pruneTokens(ctx)
	s.processDSAR(ctx)
}

// expireTemporaryConsent forgets subjects whose 14-day temporary grant has
// lapsed. Expiry is not revocation: the data goes away without the 90-day
// decay window because the subject never agreed to longer retention.
func (s *Service) expireTemporaryConsent(ctx context.Context) {
	records, err := s.consent.ListExpiredTemporary(ctx, time.Now().UTC(), s.cfg.DecayBatchSize)
	if err != nil {
		s.logger.Error("Retention: listing expired temporary consent failed", "error", err)
		return
	}
	for _, record := range records {
		if err := s.forgetSubject(ctx, record.SubjectID, "temporary_expired"); err != nil {
			s.logger.Error("Retention: forgetting expired subject failed",
				"subject_id", record.SubjectID, "error", err)
		}
	}
	if len(records) > 0 {
		s.logger.Info("Retention: expired temporary consent", "count", len(records))
	}
}

// completeDecay removes subjects whose revocation decay window has run out.
func (s *Service) completeDecay(ctx context.Context) {
	records, err := s.consent.ListDecayCompleted(ctx, time.Now().UTC(), s.cfg.DecayBatchSize)
	if err != nil {
		s.logger.Error("Retention: listing completed decay failed", "error", err)
		return
	}
	for _, record := range records {
		if err := s.forgetSubject(ctx, record.SubjectID, "decay_complete"); err != nil {
			s.logger.Error("Retention: decay completion failed",
				"subject_id", record.SubjectID, "error", err)
		}
	}
	if len(records) > 0 {
		s.logger.Info("Retention: completed revocation decay", "count", len(records))
	}
}

// forgetSubject erases a subject's footprint: channel history, the user's
// graph node, the credit account, and finally the consent record itself. The
// erasure is recorded on the audit chain before the consent record goes away.
func (s *Service) forgetSubject(ctx context.Context, subjectID, reason string) error {
	deleted, err := s.messages.DeleteBySubject(ctx, subjectID)
	if err != nil {
		return fmt.Errorf("delete subject messages: %w", err)
	}

	key := models.NodeKey{Scope: models.ScopeLocal, Type: models.NodeUser, ID: subjectID}
	if err := s.graph.DeleteNode(ctx, key); err != nil {
		return fmt.Errorf("delete subject node: %w", err)
	}

	if err := s.credit.DeleteAccount(ctx, subjectID); err != nil {
		return fmt.Errorf("delete credit account: %w", err)
	}

	if _, err := s.audit.Append(ctx, s.occurrenceID, models.AuditConsent, models.ConsentAuditPayload{
		SubjectID: subjectID,
		ToStream:  string(models.StreamAnonymous),
		Reason:    fmt.Sprintf("%s: removed %d messages", reason, deleted),
	}); err != nil {
		return fmt.Errorf("record forget: %w", err)
	}

	if err := s.consent.DeleteRecord(ctx, subjectID); err != nil {
		return fmt.Errorf("delete consent record: %w", err)
	}
	return nil
}

func (s *Service) pruneCorrelations(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.CorrelationRetention)
	count, err := s.correlations.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: correlation prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned correlations", "count", count)
	}
}

func (s *Service) pruneMessages(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.ChannelMessageRetention)
	count, err := s.messages.PruneOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Retention: message prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned channel messages", "count", count)
	}
}

func (s *Service) pruneTokens(ctx context.Context) {
	count, err := s.users.PruneExpiredTokens(ctx)
	if err != nil {
		s.logger.Error("Retention: token prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention: pruned expired tokens", "count", count)
	}
}

// processDSAR drains the pending data-subject request queue. Each claim is
// atomic, so concurrent occurrences never fulfill the same request twice.
func (s *Service) processDSAR(ctx context.Context) {
	for {
		req, err := s.dsar.ClaimNextPending(ctx)
		if err != nil {
			s.logger.Error("Retention: DSAR claim failed", "error", err)
			return
		}
		if req == nil {
			return
		}
		if err := s.fulfill(ctx, req); err != nil {
			s.logger.Error("Retention: DSAR fulfillment failed",
				"request_id", req.ID, "type", req.Type, "error", err)
			if failErr := s.dsar.FailRequest(ctx, req.ID, err.Error()); failErr != nil {
				s.logger.Error("Retention: DSAR fail-mark failed",
					"request_id", req.ID, "error", failErr)
			}
			continue
		}
		s.logger.Info("DSAR fulfilled", "request_id", req.ID,
			"type", req.Type, "subject_id", req.SubjectID)
	}
}

func (s *Service) fulfill(ctx context.Context, req *models.DSARRequest) error {
	switch req.Type {
	case models.DSARAccess, models.DSARExport:
		bundle, err := s.subjectBundle(ctx, req.SubjectID)
		if err != nil {
			return err
		}
		return s.dsar.CompleteRequest(ctx, req.ID, bundle)

	case models.DSARDelete:
		if err := s.forgetSubject(ctx, req.SubjectID, "dsar_delete"); err != nil {
			return err
		}
		return s.dsar.CompleteRequest(ctx, req.ID, `{"deleted":true}`)

	case models.DSARCorrect:
		return s.applyCorrection(ctx, req)

	default:
		return fmt.Errorf("unknown DSAR type %q", req.Type)
	}
}

// subjectBundle assembles everything the engine holds about a subject into
// one JSON document. Consent state, its audit trail, and the credit balance
// are lifecycle records and always included; conversation and profile data
// honor the subject's current consent state, so a lapsed or revoked grant
// withholds them here the same as on any other read path.
func (s *Service) subjectBundle(ctx context.Context, subjectID string) (string, error) {
	consent, err := s.consent.GetConsent(ctx, subjectID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return "", fmt.Errorf("load consent: %w", err)
	}
	consentAudit, err := s.consent.ListAudit(ctx, subjectID, 100)
	if err != nil {
		return "", fmt.Errorf("load consent audit: %w", err)
	}
	balance, err := s.credit.Balance(ctx, subjectID)
	if err != nil && !errors.Is(err, services.ErrNotFound) {
		return "", fmt.Errorf("load credit balance: %w", err)
	}

	now := time.Now().UTC()
	var withheld []string

	// Conversation history is what the agent operates on; it is essential
	// category, so a live temporary grant still covers it.
	var messages []*models.ChannelMessage
	if consent == nil || consent.Permits(models.CategoryEssential, now) {
		messages, err = s.messages.ListBySubject(ctx, subjectID, s.cfg.DecayBatchSize)
		if err != nil {
			return "", fmt.Errorf("load messages: %w", err)
		}
	} else {
		withheld = append(withheld, "messages")
	}

	var node *models.GraphNode
	if consent == nil || consent.Permits(models.NodeUser.DataCategory(), now) {
		node, err = s.graph.GetNode(ctx, models.NodeKey{
			Scope: models.ScopeLocal, Type: models.NodeUser, ID: subjectID,
		})
		if err != nil && !errors.Is(err, services.ErrNotFound) {
			return "", fmt.Errorf("load subject node: %w", err)
		}
	} else {
		withheld = append(withheld, "memory")
	}

	bundle := map[string]any{
		"subject_id":     subjectID,
		"generated_at":   now,
		"consent":        consent,
		"consent_audit":  consentAudit,
		"messages":       messages,
		"credit_balance": balance,
		"memory":         node,
	}
	if len(withheld) > 0 {
		bundle["withheld"] = withheld
	}
	data, err := json.Marshal(bundle)
	if err != nil {
		return "", fmt.Errorf("marshal bundle: %w", err)
	}
	return string(data), nil
}

// applyCorrection writes corrected attributes onto the subject's user node.
// The request detail carries the corrections as a JSON object of attribute
// key to new value.
func (s *Service) applyCorrection(ctx context.Context, req *models.DSARRequest) error {
	if req.Detail == "" {
		return fmt.Errorf("correction request has no corrections")
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(req.Detail), &attrs); err != nil {
		return fmt.Errorf("parse corrections: %w", err)
	}

	node := &models.GraphNode{
		Scope:      models.ScopeLocal,
		Type:       models.NodeUser,
		ID:         req.SubjectID,
		Attributes: attrs,
	}
	stored, err := s.graph.UpsertNode(ctx, node)
	if err != nil {
		return fmt.Errorf("apply correction: %w", err)
	}
	return s.dsar.CompleteRequest(ctx, req.ID,
		fmt.Sprintf(`{"corrected":true,"version":%d}`, stored.Version))
}
