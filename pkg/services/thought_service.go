package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/google/uuid"
)

// CreateThoughtInput contains the fields needed to open a new thought for a
// task round.
type CreateThoughtInput struct {
	TaskID       string
	OccurrenceID string
	Generation   models.ThoughtGeneration
	Round        int
	Content      models.ThoughtContent
}

// ThoughtService manages thought records, one per task round
type ThoughtService struct {
	client *database.Client
}

// NewThoughtService creates a new ThoughtService
func NewThoughtService(client *database.Client) *ThoughtService {
	if client == nil {
		panic("NewThoughtService: client must not be nil")
	}
	return &ThoughtService{client: client}
}

// CreateThought persists a new thought in "new" state
func (s *ThoughtService) CreateThought(ctx context.Context, input CreateThoughtInput) (*models.Thought, error) {
	if input.TaskID == "" {
		return nil, NewValidationError("task_id", "required")
	}
	if input.OccurrenceID == "" {
		return nil, NewValidationError("occurrence_id", "required")
	}
	generation := input.Generation
	if generation == "" {
		generation = models.GenerationSeed
	}

	contentJSON, err := json.Marshal(input.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal thought content: %w", err)
	}

	now := time.Now().UTC()
	thought := &models.Thought{
		ID:           uuid.New().String(),
		TaskID:       input.TaskID,
		OccurrenceID: input.OccurrenceID,
		Generation:   generation,
		Round:        input.Round,
		State:        models.ThoughtNew,
		Content:      input.Content,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO thoughts (id, task_id, occurrence_id, generation, round, state, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		thought.ID, thought.TaskID, thought.OccurrenceID, thought.Generation,
		thought.Round, thought.State, string(contentJSON), thought.CreatedAt, thought.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create thought: %w", err)
	}

	return thought, nil
}

// GetThought retrieves a thought by ID
func (s *ThoughtService) GetThought(ctx context.Context, thoughtID string) (*models.Thought, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		selectThoughtColumns+` FROM thoughts WHERE id = ?`), thoughtID)

	thought, err := scanThought(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get thought: %w", err)
	}
	return thought, nil
}

// SetThoughtState transitions a thought's lifecycle state
func (s *ThoughtService) SetThoughtState(ctx context.Context, thoughtID string, state models.ThoughtState) error {
	if !state.IsValid() {
		return NewValidationError("state", fmt.Sprintf("unknown thought state '%s'", state))
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.client.DB().ExecContext(writeCtx, s.client.Rebind(
		`UPDATE thoughts SET state = ?, updated_at = ? WHERE id = ?`),
		state, time.Now().UTC(), thoughtID)
	if err != nil {
		return fmt.Errorf("failed to update thought state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check thought update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateContent rewrites a thought's working content (conscience notes,
// reflections added mid-round)
func (s *ThoughtService) UpdateContent(ctx context.Context, thoughtID string, content models.ThoughtContent) error {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal thought content: %w", err)
	}

	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`UPDATE thoughts SET content = ?, updated_at = ? WHERE id = ?`),
		string(contentJSON), time.Now().UTC(), thoughtID)
	if err != nil {
		return fmt.Errorf("failed to update thought content: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check content update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ThoughtsForTask lists a task's thoughts in round order
func (s *ThoughtService) ThoughtsForTask(ctx context.Context, taskID string) ([]*models.Thought, error) {
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		selectThoughtColumns+` FROM thoughts WHERE task_id = ? ORDER BY round ASC, created_at ASC`),
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thoughts: %w", err)
	}
	defer rows.Close()

	thoughts := []*models.Thought{}
	for rows.Next() {
		thought, err := scanThought(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thought: %w", err)
		}
		thoughts = append(thoughts, thought)
	}
	return thoughts, rows.Err()
}

// FailOpenThoughts marks every non-terminal thought of a task as failed.
// Used when a task terminates abnormally so no thought stays in flight.
func (s *ThoughtService) FailOpenThoughts(ctx context.Context, taskID string) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`UPDATE thoughts SET state = ?, updated_at = ?
		 WHERE task_id = ? AND state IN (?, ?)`),
		models.ThoughtFailed, time.Now().UTC(), taskID,
		models.ThoughtNew, models.ThoughtInFlight)
	if err != nil {
		return 0, fmt.Errorf("failed to fail open thoughts: %w", err)
	}
	return res.RowsAffected()
}

const selectThoughtColumns = `SELECT id, task_id, occurrence_id, generation, round, state, content, created_at, updated_at`

func scanThought(row rowScanner) (*models.Thought, error) {
	var thought models.Thought
	var contentJSON []byte
	err := row.Scan(
		&thought.ID, &thought.TaskID, &thought.OccurrenceID, &thought.Generation,
		&thought.Round, &thought.State, &contentJSON, &thought.CreatedAt, &thought.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(contentJSON) > 0 {
		if err := json.Unmarshal(contentJSON, &thought.Content); err != nil {
			return nil, fmt.Errorf("failed to unmarshal thought content: %w", err)
		}
	}
	return &thought, nil
}
