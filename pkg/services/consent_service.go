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

// ConsentService persists consent records and the per-subject consent audit
// trail. Every stream transition lands in both tables inside one transaction.
type ConsentService struct {
	client *database.Client
}

// NewConsentService creates a new ConsentService
func NewConsentService(client *database.Client) *ConsentService {
	if client == nil {
		panic("NewConsentService: client must not be nil")
	}
	return &ConsentService{client: client}
}

// GetConsent retrieves a subject's consent record
func (s *ConsentService) GetConsent(ctx context.Context, subjectID string) (*models.ConsentRecord, error) {
	return s.getConsent(ctx, s.client.DB(), subjectID)
}

// PermitsRead reports whether the subject's consent state allows reading
// their data of the given category right now. A subject with no record has
// never entered the gate, so operator-stored data about them is not consent
// scoped and reads pass.
func (s *ConsentService) PermitsRead(ctx context.Context, subjectID string, category models.DataCategory) (bool, error) {
	record, err := s.GetConsent(ctx, subjectID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return record.Permits(category, time.Now().UTC()), nil
}

// GetOrCreateConsent returns the subject's consent record, creating the
// default temporary record (14-day TTL, ESSENTIAL only) on first contact.
func (s *ConsentService) GetOrCreateConsent(ctx context.Context, subjectID string) (*models.ConsentRecord, error) {
	if subjectID == "" {
		return nil, NewValidationError("subject_id", "required")
	}

	record, err := s.GetConsent(ctx, subjectID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	expires := now.Add(models.TemporaryConsentTTL)
	record = &models.ConsentRecord{
		SubjectID:  subjectID,
		Stream:     models.StreamTemporary,
		Categories: []models.DataCategory{models.CategoryEssential},
		GrantedAt:  now,
		ExpiresAt:  &expires,
		UpdatedAt:  now,
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	categoriesJSON, _ := json.Marshal(record.Categories)
	_, err = tx.ExecContext(ctx, s.client.Rebind(
		`INSERT INTO consent_records (subject_id, stream, categories, granted_at, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subject_id) DO NOTHING`),
		record.SubjectID, record.Stream, string(categoriesJSON),
		record.GrantedAt, record.ExpiresAt, record.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create consent record: %w", err)
	}

	if err := s.insertAudit(ctx, tx, &models.ConsentAuditEntry{
		SubjectID: subjectID,
		ToStream:  models.StreamTemporary,
		Reason:    "first_contact",
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit consent record: %w", err)
	}

	// A concurrent creator may have won the upsert; read back the stored row
	return s.GetConsent(ctx, subjectID)
}

// UpdateStream transitions a subject to a new consent stream. Partnered
// transitions must only be invoked after the agent accepted the partnership
// task; that protocol lives with the caller.
func (s *ConsentService) UpdateStream(ctx context.Context, subjectID string, stream models.ConsentStream, reason, taskID string) (*models.ConsentRecord, error) {
	if !stream.IsValid() {
		return nil, NewValidationError("stream", fmt.Sprintf("unknown consent stream '%s'", stream))
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	record, err := s.getConsent(ctx, tx, subjectID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	fromStream := record.Stream
	record.Stream = stream
	record.GrantedAt = now
	record.UpdatedAt = now
	record.RevokedAt = nil
	record.DecayCompletesAt = nil
	record.ExpiresAt = nil

	switch stream {
	case models.StreamTemporary:
		expires := now.Add(models.TemporaryConsentTTL)
		record.ExpiresAt = &expires
		record.Categories = []models.DataCategory{models.CategoryEssential}
	case models.StreamPartnered:
		record.Categories = []models.DataCategory{
			models.CategoryEssential, models.CategoryBehavioral, models.CategoryPreference,
		}
	case models.StreamAnonymous:
		record.Categories = []models.DataCategory{models.CategoryStatistical}
	}

	if err := s.writeRecord(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := s.insertAudit(ctx, tx, &models.ConsentAuditEntry{
		SubjectID:  subjectID,
		FromStream: fromStream,
		ToStream:   stream,
		Reason:     reason,
		TaskID:     taskID,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stream update: %w", err)
	}
	return record, nil
}

// Revoke starts revocation decay: the subject drops to anonymous and linked
// data decays to statistical patterns over the decay window.
func (s *ConsentService) Revoke(ctx context.Context, subjectID, reason string) (*models.ConsentRecord, error) {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	record, err := s.getConsent(ctx, tx, subjectID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	decayCompletes := now.Add(models.RevocationDecayPeriod)
	fromStream := record.Stream
	record.Stream = models.StreamAnonymous
	record.Categories = []models.DataCategory{models.CategoryStatistical}
	record.RevokedAt = &now
	record.DecayCompletesAt = &decayCompletes
	record.ExpiresAt = nil
	record.UpdatedAt = now

	if err := s.writeRecord(ctx, tx, record); err != nil {
		return nil, err
	}
	if err := s.insertAudit(ctx, tx, &models.ConsentAuditEntry{
		SubjectID:  subjectID,
		FromStream: fromStream,
		ToStream:   models.StreamAnonymous,
		Reason:     reason,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit revocation: %w", err)
	}
	return record, nil
}

// ListAudit returns a subject's consent transitions, newest first
func (s *ConsentService) ListAudit(ctx context.Context, subjectID string, limit int) ([]*models.ConsentAuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		`SELECT id, subject_id, from_stream, to_stream, reason, task_id, created_at
		 FROM consent_audit WHERE subject_id = ? ORDER BY created_at DESC LIMIT ?`),
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent audit: %w", err)
	}
	defer rows.Close()

	entries := []*models.ConsentAuditEntry{}
	for rows.Next() {
		var entry models.ConsentAuditEntry
		err := rows.Scan(&entry.ID, &entry.SubjectID, &entry.FromStream,
			&entry.ToStream, &entry.Reason, &entry.TaskID, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// ListExpiredTemporary returns temporary records past their TTL, for the
// retention sweeper
func (s *ConsentService) ListExpiredTemporary(ctx context.Context, now time.Time, limit int) ([]*models.ConsentRecord, error) {
	return s.listByCondition(ctx,
		`WHERE stream = ? AND expires_at IS NOT NULL AND expires_at < ?`,
		[]any{models.StreamTemporary, now}, limit)
}

// ListDecayCompleted returns revoked records whose decay window has elapsed
func (s *ConsentService) ListDecayCompleted(ctx context.Context, now time.Time, limit int) ([]*models.ConsentRecord, error) {
	return s.listByCondition(ctx,
		`WHERE revoked_at IS NOT NULL AND decay_completes_at IS NOT NULL AND decay_completes_at < ?`,
		[]any{now}, limit)
}

// DeleteRecord removes a consent record once its data has been purged
func (s *ConsentService) DeleteRecord(ctx context.Context, subjectID string) error {
	_, err := s.client.DB().ExecContext(ctx, s.client.Rebind(
		`DELETE FROM consent_records WHERE subject_id = ?`), subjectID)
	if err != nil {
		return fmt.Errorf("failed to delete consent record: %w", err)
	}
	return nil
}

type queryexec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ConsentService) getConsent(ctx context.Context, q queryexec, subjectID string) (*models.ConsentRecord, error) {
	row := q.QueryRowContext(ctx, s.client.Rebind(
		`SELECT subject_id, stream, categories, granted_at, expires_at, revoked_at, decay_completes_at, updated_at
		 FROM consent_records WHERE subject_id = ?`), subjectID)

	var record models.ConsentRecord
	var categoriesJSON []byte
	var expiresAt, revokedAt, decayAt sql.NullTime
	err := row.Scan(&record.SubjectID, &record.Stream, &categoriesJSON,
		&record.GrantedAt, &expiresAt, &revokedAt, &decayAt, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent record: %w", err)
	}
	if len(categoriesJSON) > 0 {
		if err := json.Unmarshal(categoriesJSON, &record.Categories); err != nil {
			return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
		}
	}
	if expiresAt.Valid {
		record.ExpiresAt = &expiresAt.Time
	}
	if revokedAt.Valid {
		record.RevokedAt = &revokedAt.Time
	}
	if decayAt.Valid {
		record.DecayCompletesAt = &decayAt.Time
	}
	return &record, nil
}

func (s *ConsentService) writeRecord(ctx context.Context, q queryexec, record *models.ConsentRecord) error {
	categoriesJSON, err := json.Marshal(record.Categories)
	if err != nil {
		return fmt.Errorf("failed to marshal categories: %w", err)
	}
	_, err = q.ExecContext(ctx, s.client.Rebind(
		`UPDATE consent_records
		 SET stream = ?, categories = ?, granted_at = ?, expires_at = ?,
		     revoked_at = ?, decay_completes_at = ?, updated_at = ?
		 WHERE subject_id = ?`),
		record.Stream, string(categoriesJSON), record.GrantedAt, record.ExpiresAt,
		record.RevokedAt, record.DecayCompletesAt, record.UpdatedAt, record.SubjectID)
	if err != nil {
		return fmt.Errorf("failed to write consent record: %w", err)
	}
	return nil
}

func (s *ConsentService) insertAudit(ctx context.Context, q queryexec, entry *models.ConsentAuditEntry) error {
	_, err := q.ExecContext(ctx, s.client.Rebind(
		`INSERT INTO consent_audit (id, subject_id, from_stream, to_stream, reason, task_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), entry.SubjectID, entry.FromStream, entry.ToStream,
		entry.Reason, entry.TaskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert consent audit entry: %w", err)
	}
	return nil
}

func (s *ConsentService) listByCondition(ctx context.Context, where string, args []any, limit int) ([]*models.ConsentRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		`SELECT subject_id, stream, categories, granted_at, expires_at, revoked_at, decay_completes_at, updated_at
		 FROM consent_records `+where+` ORDER BY updated_at ASC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent records: %w", err)
	}
	defer rows.Close()

	records := []*models.ConsentRecord{}
	for rows.Next() {
		var record models.ConsentRecord
		var categoriesJSON []byte
		var expiresAt, revokedAt, decayAt sql.NullTime
		err := rows.Scan(&record.SubjectID, &record.Stream, &categoriesJSON,
			&record.GrantedAt, &expiresAt, &revokedAt, &decayAt, &record.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent record: %w", err)
		}
		if len(categoriesJSON) > 0 {
			if err := json.Unmarshal(categoriesJSON, &record.Categories); err != nil {
				return nil, fmt.Errorf("failed to unmarshal categories: %w", err)
			}
		}
		if expiresAt.Valid {
			record.ExpiresAt = &expiresAt.Time
		}
		if revokedAt.Valid {
			record.RevokedAt = &revokedAt.Time
		}
		if decayAt.Valid {
			record.DecayCompletesAt = &decayAt.Time
		}
		records = append(records, &record)
	}
	return records, rows.Err()
}
