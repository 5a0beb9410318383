package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// LedgerCatchup replays missed events from the audit chain. Each replayed
// event is a compact audit.appended envelope carrying the chain seq as the
// cursor; clients re-fetch full records through the REST API. Only the audit
// and tasks channels are replayable; conversation and step events are
// live-only.
type LedgerCatchup struct {
	ledger       *audit.Ledger
	occurrenceID string
}

// NewLedgerCatchup creates a catch-up source over the occurrence's chain.
func NewLedgerCatchup(ledger *audit.Ledger, occurrenceID string) *LedgerCatchup {
	if ledger == nil {
		panic("events.NewLedgerCatchup: ledger must not be nil")
	}
	return &LedgerCatchup{ledger: ledger, occurrenceID: occurrenceID}
}

// CatchupEvents implements CatchupQuerier.
func (c *LedgerCatchup) CatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	q := audit.EntryQuery{AfterSeq: sinceID, Limit: limit}
	switch channel {
	case AuditChannel:
	case TasksChannel:
		q.Kind = models.AuditAction
	default:
		return nil, nil
	}

	entries, err := c.ledger.Entries(ctx, c.occurrenceID, q)
	if err != nil {
		return nil, fmt.Errorf("catchup query for channel %s: %w", channel, err)
	}

	events := make([]CatchupEvent, 0, len(entries))
	for _, entry := range entries {
		payload, err := json.Marshal(AuditAppendedPayload{
			Type:      EventTypeAuditAppended,
			Kind:      string(entry.Kind),
			TaskID:    taskIDFromPayload(entry.Payload),
			EventID:   entry.Seq,
			Timestamp: entry.CreatedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal catchup event: %w", err)
		}
		events = append(events, CatchupEvent{ID: entry.Seq, Payload: payload})
	}
	return events, nil
}

func taskIDFromPayload(raw json.RawMessage) string {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.TaskID
}
