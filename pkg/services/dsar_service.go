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

// DSARService persists data-subject access requests. Fulfilment is
// orchestrated elsewhere; this service owns the request lifecycle rows.
type DSARService struct {
	client *database.Client
}

// NewDSARService creates a new DSARService
func NewDSARService(client *database.Client) *DSARService {
	if client == nil {
		panic("NewDSARService: client must not be nil")
	}
	return &DSARService{client: client}
}

// CreateRequest opens a new DSAR in "pending" status
func (s *DSARService) CreateRequest(ctx context.Context, subjectID string, reqType models.DSARType, detail string) (*models.DSARRequest, error) {
	if subjectID == "" {
		return nil, NewValidationError("subject_id", "required")
	}
	if !reqType.IsValid() {
		return nil, NewValidationError("type", fmt.Sprintf("unknown request type '%s'", reqType))
	}

	req := &models.DSARRequest{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Type:      reqType,
		Status:    models.DSARPending,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`INSERT INTO dsar_requests (id, subject_id, request_type, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		req.ID, req.SubjectID, req.Type, req.Status, req.Detail, req.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create dsar request: %w", err)
	}
	return req, nil
}

// GetRequest retrieves one DSAR by id
func (s *DSARService) GetRequest(ctx context.Context, requestID string) (*models.DSARRequest, error) {
	row := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		selectDSARColumns+` FROM dsar_requests WHERE id = ?`), requestID)
	req, err := scanDSAR(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get dsar request: %w", err)
	}
	return req, nil
}

// ListBySubject lists a subject's requests, newest first
func (s *DSARService) ListBySubject(ctx context.Context, subjectID string) ([]*models.DSARRequest, error) {
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		selectDSARColumns+` FROM dsar_requests WHERE subject_id = ? ORDER BY created_at DESC`),
		subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dsar requests: %w", err)
	}
	defer rows.Close()

	requests := []*models.DSARRequest{}
	for rows.Next() {
		req, err := scanDSAR(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dsar request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// ClaimNextPending atomically moves the oldest pending request to
// "processing". Returns (nil, nil) when there is nothing to do.
func (s *DSARService) ClaimNextPending(ctx context.Context) (*models.DSARRequest, error) {
	claimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.DB().BeginTx(claimCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(claimCtx, s.client.Rebind(
		selectDSARColumns+` FROM dsar_requests WHERE status = ? ORDER BY created_at ASC LIMIT 1`)+
		s.client.Dialect().LockSuffix(),
		models.DSARPending)
	req, err := scanDSAR(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query pending dsar: %w", err)
	}

	res, err := tx.ExecContext(claimCtx, s.client.Rebind(
		`UPDATE dsar_requests SET status = ? WHERE id = ? AND status = ?`),
		models.DSARProcessing, req.ID, models.DSARPending)
	if err != nil {
		return nil, fmt.Errorf("failed to claim dsar: %w", err)
	}
	claimed, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check dsar claim: %w", err)
	}
	if claimed == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit dsar claim: %w", err)
	}
	req.Status = models.DSARProcessing
	return req, nil
}

// CompleteRequest marks a request completed and stores its result bundle
func (s *DSARService) CompleteRequest(ctx context.Context, requestID, result string) error {
	return s.finish(ctx, requestID, models.DSARCompleted, result, "")
}

// FailRequest marks a request failed with a reason
func (s *DSARService) FailRequest(ctx context.Context, requestID, detail string) error {
	return s.finish(ctx, requestID, models.DSARFailed, "", detail)
}

func (s *DSARService) finish(ctx context.Context, requestID string, status models.DSARStatus, result, detail string) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	query := `UPDATE dsar_requests SET status = ?, completed_at = ?`
	args := []any{status, time.Now().UTC()}
	if result != "" {
		query += `, result = ?`
		args = append(args, result)
	}
	if detail != "" {
		query += `, detail = ?`
		args = append(args, detail)
	}
	query += ` WHERE id = ?`
	args = append(args, requestID)

	res, err := s.client.DB().ExecContext(writeCtx, s.client.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to finish dsar request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check dsar update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const selectDSARColumns = `SELECT id, subject_id, request_type, status, detail, result, created_at, completed_at`

func scanDSAR(row rowScanner) (*models.DSARRequest, error) {
	var req models.DSARRequest
	var result sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(&req.ID, &req.SubjectID, &req.Type, &req.Status,
		&req.Detail, &result, &req.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	req.Result = result.String
	if completedAt.Valid {
		req.CompletedAt = &completedAt.Time
	}
	return &req, nil
}
