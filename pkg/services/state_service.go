package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
)

// StateService persists the processor's cognitive state across restarts
type StateService struct {
	client *database.Client
}

// NewStateService creates a new StateService
func NewStateService(client *database.Client) *StateService {
	if client == nil {
		panic("NewStateService: client must not be nil")
	}
	return &StateService{client: client}
}

// SaveCognitiveState records the occurrence's current cognitive state
func (s *StateService) SaveCognitiveState(ctx context.Context, occurrenceID, state string) error {
	if occurrenceID == "" {
		return NewValidationError("occurrence_id", "required")
	}

	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.client.DB().ExecContext(writeCtx, s.client.Rebind(
		`INSERT INTO processor_state (occurrence_id, cognitive_state, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (occurrence_id) DO UPDATE SET
		   cognitive_state = excluded.cognitive_state,
		   updated_at = excluded.updated_at`),
		occurrenceID, state, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save cognitive state: %w", err)
	}
	return nil
}

// LoadCognitiveState returns the last recorded state, or "" when the
// occurrence has never run
func (s *StateService) LoadCognitiveState(ctx context.Context, occurrenceID string) (string, error) {
	var state string
	err := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT cognitive_state FROM processor_state WHERE occurrence_id = ?`),
		occurrenceID).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to load cognitive state: %w", err)
	}
	return state, nil
}
