package wise

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// DeferralQueue is a deferral-only authority: it holds parked tasks in memory
// for a human reviewer polling the control surface. Guidance requests fail so
// the registry falls through to an authority that can answer them.
type DeferralQueue struct {
	name   string
	logger *slog.Logger

	mu      sync.Mutex
	pending []*models.Deferral
}

// NewDeferralQueue creates a deferral-only authority.
func NewDeferralQueue(name string, logger *slog.Logger) *DeferralQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeferralQueue{
		name:   name,
		logger: logger.With("component", "wise", "authority", name),
	}
}

// Guidance implements bus.WiseProvider. Always fails; the failure is not
// retryable so the bus moves on immediately.
func (q *DeferralQueue) Guidance(context.Context, *models.GuidanceRequest) (*models.GuidanceResponse, error) {
	return nil, models.NewHandlerError("guidance_unsupported", "authority "+q.name+" only accepts deferrals")
}

// AcceptDeferral implements bus.WiseProvider.
func (q *DeferralQueue) AcceptDeferral(_ context.Context, d *models.Deferral) error {
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
	q.logger.Info("Deferral queued for review", "task_id", d.TaskID, "reason", d.Reason)
	return nil
}

// Pending returns a copy of the queued deferrals, oldest first.
func (q *DeferralQueue) Pending() []*models.Deferral {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*models.Deferral, len(q.pending))
	copy(out, q.pending)
	return out
}

// Resolve removes a task's deferral from the queue, returning true if it was
// present.
func (q *DeferralQueue) Resolve(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.pending {
		if d.TaskID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}
