package processor

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/pipeline"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// claimBackoff is the pause after a failed claim attempt.
const claimBackoff = time.Second

// worker claims pending tasks for the occurrence and drives each one round
// by round until a terminal step or shutdown.
type worker struct {
	id string
	p  *Processor
}

func (w *worker) run(ctx context.Context) {
	defer w.p.wg.Done()
	logger := w.p.logger.With("worker_id", w.id)
	logger.Info("Worker started")

	for {
		select {
		case <-w.p.stopCh:
			logger.Info("Worker stopping")
			return
		case <-ctx.Done():
			logger.Info("Worker context cancelled")
			return
		default:
		}

		// The claim boundary is also a step boundary: a paused worker
		// holds here, and a single-step token received while idle is
		// answered after the claim (or with an idle marker below).
		resp, err := w.p.gate(ctx)
		if err != nil {
			logger.Info("Worker stopping")
			return
		}

		task, err := w.p.tasks.ClaimNextPendingTask(ctx, w.p.occurrenceID)
		if err != nil {
			logger.Error("Claim failed", "error", err)
			w.replyIdle(resp)
			w.sleep(claimBackoff)
			continue
		}
		if task == nil {
			w.replyIdle(resp)
			w.p.updateBackpressure(ctx)
			w.sleep(w.pollInterval())
			continue
		}

		logger.Info("Claimed task", "task_id", task.ID, "kind", task.Kind)
		w.processTask(ctx, logger, task, resp)
	}
}

// processTask drives the task's rounds to a terminal action, the round
// budget, or shutdown. resp carries over a single-step token consumed at the
// claim boundary; it answers the first step of the first round.
func (w *worker) processTask(ctx context.Context, logger *slog.Logger, task *models.Task, resp chan<- *models.StepResult) {
	w.p.active.Add(1)
	defer w.p.active.Add(-1)

	for {
		thought, err := w.readyThought(ctx, task)
		if err != nil {
			logger.Warn("Locating ready thought failed", "task_id", task.ID, "error", err)
			w.deferTask(task, "thought lookup failed")
			return
		}
		if thought == nil {
			// Terminal handlers already settled the task status.
			return
		}

		started := time.Now()
		round := w.p.engine.NewRound(task, thought)
		roundCtx, cancel := context.WithTimeout(ctx, w.p.cfg.RoundTimeout)
		terminal, err := w.driveRound(roundCtx, round, resp)
		cancel()
		resp = nil
		w.p.metrics.Observe(time.Since(started))
		w.publishRound(ctx, task, round)
		if err != nil {
			// Pool is stopping mid-round; the task stays active and the
			// next run's stall recovery reclaims it.
			return
		}
		if terminal || round.Fatal() {
			return
		}

		select {
		case <-w.p.stopCh:
			w.deferTask(task, "shutdown")
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// driveRound advances one round step by step, holding at the pause gate
// between steps. resp, when non-nil, answers exactly the first step.
func (w *worker) driveRound(ctx context.Context, round *pipeline.Round, resp chan<- *models.StepResult) (bool, error) {
	first := true
	for {
		if !first {
			var err error
			resp, err = w.p.gate(ctx)
			if err != nil {
				return false, err
			}
		}
		first = false

		result, more := round.Next(ctx)
		if result != nil && w.p.events != nil {
			w.p.events.StepResult(ctx, result)
		}
		if resp != nil && result != nil {
			resp <- result
			resp = nil
		}
		if !more {
			return round.Terminal(), nil
		}
	}
}

// readyThought returns the task's open thought, seeding one for a task that
// has never run. Nil with no error means the task is settled.
func (w *worker) readyThought(ctx context.Context, task *models.Task) (*models.Thought, error) {
	thoughts, err := w.p.thoughts.ThoughtsForTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	for i := len(thoughts) - 1; i >= 0; i-- {
		if thoughts[i].State == models.ThoughtNew {
			return thoughts[i], nil
		}
	}
	if len(thoughts) == 0 {
		return w.p.thoughts.CreateThought(ctx, services.CreateThoughtInput{
			TaskID:       task.ID,
			OccurrenceID: task.OccurrenceID,
			Generation:   models.GenerationSeed,
			Round:        task.RoundCount,
			Content:      models.ThoughtContent{Input: task.InitialInput},
		})
	}
	return nil, nil
}

// publishRound reports the round's action outcome and the task's refreshed
// status to event subscribers.
func (w *worker) publishRound(ctx context.Context, task *models.Task, round *pipeline.Round) {
	if w.p.events == nil {
		return
	}
	if outcome := round.Outcome(); outcome != nil {
		thoughtID := ""
		if results := round.Results(); len(results) > 0 {
			thoughtID = results[len(results)-1].ThoughtID
		}
		w.p.events.ActionOutcome(ctx, task.ID, thoughtID, outcome)
	}
	updated, err := w.p.tasks.GetTask(ctx, task.ID)
	if err != nil || updated == nil {
		return
	}
	w.p.events.TaskStatus(ctx, updated, 0)
}

// deferTask parks a task we cannot continue. Runs on a fresh background
// context so it survives the worker's own cancellation.
func (w *worker) deferTask(task *models.Task, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.p.tasks.UpdateTaskStatus(ctx, task.ID, models.TaskDeferred, reason); err != nil {
		w.p.logger.Error("Deferring task failed", "task_id", task.ID, "error", err)
	}
}

// pollInterval returns the idle poll interval with jitter applied, keeping
// workers from synchronizing their claim attempts.
func (w *worker) pollInterval() time.Duration {
	base := w.p.cfg.PollInterval
	jitter := w.p.cfg.PollIntervalJitter
	if jitter <= 0 || jitter >= base {
		return base
	}
	return base - jitter + time.Duration(rand.Int64N(int64(2*jitter)))
}

// sleep waits for d unless the pool stops first.
func (w *worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.p.stopCh:
	}
}

// replyIdle answers a single-step token consumed while no work was
// available, so the controller's call does not hang.
func (w *worker) replyIdle(resp chan<- *models.StepResult) {
	if resp == nil {
		return
	}
	resp <- &models.StepResult{
		Step:      models.StepStartRound,
		OK:        false,
		ErrorKind: "idle",
		Error:     "no pending tasks",
	}
}
