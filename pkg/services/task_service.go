package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/google/uuid"
)

// TaskService manages task lifecycle and claiming
type TaskService struct {
	client *database.Client
}

// NewTaskService creates a new TaskService
func NewTaskService(client *database.Client) *TaskService {
	if client == nil {
		panic("NewTaskService: client must not be nil")
	}
	return &TaskService{client: client}
}

// CreateTask creates a new task in "pending" status for the worker pool
// to claim.
func (s *TaskService) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if req.OccurrenceID == "" {
		return nil, NewValidationError("occurrence_id", "required")
	}
	kind := req.Kind
	if kind == "" {
		kind = models.TaskKindStandard
	}
	if !kind.IsValid() {
		return nil, NewValidationError("kind", fmt.Sprintf("unknown task kind '%s'", kind))
	}
	if req.InitialInput == "" {
		return nil, NewValidationError("initial_input", "required")
	}

	now := time.Now().UTC()
	task := &models.Task{
		ID:           uuid.New().String(),
		OccurrenceID: req.OccurrenceID,
		Kind:         kind,
		AdapterID:    req.AdapterID,
		ChannelID:    req.ChannelID,
		SubjectID:    req.SubjectID,
		InitialInput: req.InitialInput,
		Status:       models.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO tasks (id, occurrence_id, kind, adapter_id, channel_id, subject_id,
		                    initial_input, status, round_count, outcome_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)`),
		task.ID, task.OccurrenceID, task.Kind, task.AdapterID, task.ChannelID,
		task.SubjectID, task.InitialInput, task.Status, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}

	return task, nil
}

// GetTask retrieves a task by ID
func (s *TaskService) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		selectTaskColumns+` FROM tasks WHERE id = ?`), taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// ListTasks lists an occurrence's tasks with filtering and pagination
func (s *TaskService) ListTasks(ctx context.Context, occurrenceID string, filters models.TaskFilters) (*models.TaskListResponse, error) {
	where := `WHERE occurrence_id = ?`
	args := []any{occurrenceID}

	if filters.Status != "" {
		where += ` AND status = ?`
		args = append(args, filters.Status)
	}
	if filters.SubjectID != "" {
		where += ` AND subject_id = ?`
		args = append(args, filters.SubjectID)
	}
	if filters.ChannelID != "" {
		where += ` AND channel_id = ?`
		args = append(args, filters.ChannelID)
	}

	var totalCount int
	err := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT COUNT(*) FROM tasks `+where), args...).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	args = append(args, limit, offset)
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		selectTaskColumns+` FROM tasks `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return &models.TaskListResponse{
		Tasks:      tasks,
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// ClaimNextPendingTask atomically claims the oldest pending task belonging to
// the occurrence. Returns (nil, nil) when there is nothing to claim. Claims
// never cross occurrence boundaries.
func (s *TaskService) ClaimNextPendingTask(ctx context.Context, occurrenceID string) (*models.Task, error) {
	// Use background context with timeout so an in-flight claim is never torn
	// by caller cancellation
	claimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(claimCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Find oldest pending task for this occurrence
	row := tx.QueryRowContext(claimCtx, s.client.Rebind(
		selectTaskColumns+` FROM tasks
		 WHERE occurrence_id = ? AND status = ?
		 ORDER BY created_at ASC LIMIT 1`)+s.client.Dialect().LockSuffix(),
		occurrenceID, models.TaskPending)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No pending tasks
		}
		return nil, fmt.Errorf("failed to query pending task: %w", err)
	}

	// Conditional update: only claim if still pending
	now := time.Now().UTC()
	res, err := tx.ExecContext(claimCtx, s.client.Rebind(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`),
		models.TaskActive, now, task.ID, models.TaskPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check claim result: %w", err)
	}
	if claimed == 0 {
		// Task was already claimed by another worker
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	task.Status = models.TaskActive
	task.UpdatedAt = now
	return task, nil
}

// IncrementRound bumps the task's round counter and returns the new value
func (s *TaskService) IncrementRound(ctx context.Context, taskID string) (int, error) {
	var round int
	err := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`UPDATE tasks SET round_count = round_count + 1, updated_at = ?
		 WHERE id = ? RETURNING round_count`),
		time.Now().UTC(), taskID).Scan(&round)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to increment round: %w", err)
	}
	return round, nil
}

// TouchTask refreshes updated_at so stall recovery does not reclaim a task a
// worker is still driving
func (s *TaskService) TouchTask(ctx context.Context, taskID string) error {
	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`UPDATE tasks SET updated_at = ? WHERE id = ?`),
		time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to touch task: %w", err)
	}
	return nil
}

// UpdateTaskStatus transitions a task to a new status. Terminal statuses set
// completed_at; a task that already reached a terminal status is immutable.
func (s *TaskService) UpdateTaskStatus(ctx context.Context, taskID string, status models.TaskStatus, reason string) error {
	if !status.IsValid() {
		return NewValidationError("status", fmt.Sprintf("unknown task status '%s'", status))
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	var res sql.Result
	var err error
	if status.IsTerminal() {
		res, err = s.client.DB().ExecContext(writeCtx, s.client.Rebind(
			`UPDATE tasks SET status = ?, outcome_reason = ?, updated_at = ?, completed_at = ?
			 WHERE id = ? AND status IN (?, ?)`),
			status, reason, now, now, taskID, models.TaskPending, models.TaskActive)
	} else {
		res, err = s.client.DB().ExecContext(writeCtx, s.client.Rebind(
			`UPDATE tasks SET status = ?, outcome_reason = ?, updated_at = ?
			 WHERE id = ? AND status IN (?, ?)`),
			status, reason, now, taskID, models.TaskPending, models.TaskActive)
	}
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check status update: %w", err)
	}
	if affected == 0 {
		// Either the task does not exist or it already terminated
		if _, getErr := s.GetTask(writeCtx, taskID); getErr != nil {
			return getErr
		}
		return ErrTaskTerminal
	}
	return nil
}

// ReleaseStalledTasks returns this occurrence's active tasks that have not
// been touched within the threshold back to pending. Run at startup so a
// crashed process's claims are not lost.
func (s *TaskService) ReleaseStalledTasks(ctx context.Context, occurrenceID string, olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan)

	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`UPDATE tasks SET status = ?, updated_at = ?
		 WHERE occurrence_id = ? AND status = ? AND updated_at < ?`),
		models.TaskPending, time.Now().UTC(), occurrenceID, models.TaskActive, threshold)
	if err != nil {
		return 0, fmt.Errorf("failed to release stalled tasks: %w", err)
	}
	released, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count released tasks: %w", err)
	}
	return released, nil
}

// CountByStatus returns task counts per status for one occurrence
func (s *TaskService) CountByStatus(ctx context.Context, occurrenceID string) (map[models.TaskStatus]int, error) {
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		`SELECT status, COUNT(*) FROM tasks WHERE occurrence_id = ? GROUP BY status`),
		occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := map[models.TaskStatus]int{}
	for rows.Next() {
		var status models.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

const selectTaskColumns = `SELECT id, occurrence_id, kind, adapter_id, channel_id, subject_id,
	initial_input, status, round_count, outcome_reason, created_at, updated_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var completedAt sql.NullTime
	err := row.Scan(
		&task.ID, &task.OccurrenceID, &task.Kind, &task.AdapterID, &task.ChannelID,
		&task.SubjectID, &task.InitialInput, &task.Status, &task.RoundCount,
		&task.OutcomeReason, &task.CreatedAt, &task.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return &task, nil
}
