// Package wise provides the built-in wisdom authorities registered on the
// wise_authority capability: a local rule-backed authority for standalone
// deployments and a deferral queue for installations where a human reviews
// parked tasks out of band.
package wise

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// LocalAuthority answers guidance requests from a fixed principle table and
// records accepted deferrals on the audit chain. It never consults a network
// service, so it is always available as the lowest-priority fallback.
type LocalAuthority struct {
	name         string
	occurrenceID string
	ledger       *audit.Ledger
	logger       *slog.Logger
}

// NewLocalAuthority creates the built-in authority.
func NewLocalAuthority(name, occurrenceID string, ledger *audit.Ledger, logger *slog.Logger) *LocalAuthority {
	if ledger == nil {
		panic("wise.NewLocalAuthority: ledger must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalAuthority{
		name:         name,
		occurrenceID: occurrenceID,
		ledger:       ledger,
		logger:       logger.With("component", "wise", "authority", name),
	}
}

// guidanceTable maps capability prefixes to standing direction. Capabilities
// with no entry fall through to the default counsel.
var guidanceTable = map[string]string{
	"moderation": "Address the behavior, not the person. Prefer the least restrictive intervention that resolves the harm.",
	"privacy":    "Minimize what you retain. When in doubt about consent, treat the data as not consented.",
	"escalation": "If the requester signals distress or danger, stop automated handling and surface the task to a human.",
}

const defaultCounsel = "Act within your stated purpose. If the action is " +
	"irreversible or affects someone who has not consented, defer to a human."

// Guidance implements bus.WiseProvider. Answers are deterministic so the
// same question under the same capability always yields the same counsel.
func (a *LocalAuthority) Guidance(_ context.Context, req *models.GuidanceRequest) (*models.GuidanceResponse, error) {
	counsel := defaultCounsel
	lowered := strings.ToLower(req.Capability)
	for prefix, text := range guidanceTable {
		if strings.HasPrefix(lowered, prefix) {
			counsel = text
			break
		}
	}
	a.logger.Debug("Guidance served", "capability", req.Capability, "task_id", req.TaskID)
	return &models.GuidanceResponse{Guidance: counsel}, nil
}

// AcceptDeferral implements bus.WiseProvider. The deferral becomes a system
// audit entry so a reviewer can find every parked task on the chain.
func (a *LocalAuthority) AcceptDeferral(ctx context.Context, d *models.Deferral) error {
	payload := map[string]string{
		"event":      "deferral_accepted",
		"authority":  a.name,
		"task_id":    d.TaskID,
		"thought_id": d.ThoughtID,
		"reason":     d.Reason,
	}
	if d.DeferUntil != nil {
		payload["defer_until"] = d.DeferUntil.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	if _, err := a.ledger.Append(ctx, a.occurrenceID, models.AuditSystem, payload); err != nil {
		return fmt.Errorf("record deferral: %w", err)
	}
	a.logger.Info("Deferral accepted", "task_id", d.TaskID, "reason", d.Reason)
	return nil
}
