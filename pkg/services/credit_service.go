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

// CreditService maintains Commons Credit balances and the append-only
// ledger. Debits are atomic: the balance row and the ledger entry commit
// together or not at all.
type CreditService struct {
	client         *database.Client
	initialBalance int64
}

// NewCreditService creates a new CreditService. New accounts open with
// initialBalance credits.
func NewCreditService(client *database.Client, initialBalance int64) *CreditService {
	if client == nil {
		panic("NewCreditService: client must not be nil")
	}
	return &CreditService{client: client, initialBalance: initialBalance}
}

// GetAccount returns a subject's account, creating it with the initial
// balance on first sight
func (s *CreditService) GetAccount(ctx context.Context, subjectID string) (*models.CreditAccount, error) {
	if subjectID == "" {
		return nil, NewValidationError("subject_id", "required")
	}

	if err := s.ensureAccount(ctx, s.client.DB(), subjectID); err != nil {
		return nil, err
	}

	var account models.CreditAccount
	err := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT subject_id, balance, updated_at FROM credit_accounts WHERE subject_id = ?`),
		subjectID).Scan(&account.SubjectID, &account.Balance, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get credit account: %w", err)
	}
	return &account, nil
}

// Debit withdraws amount credits for one interaction. Returns
// ErrInsufficientCredit without touching the balance when it would go
// negative.
func (s *CreditService) Debit(ctx context.Context, subjectID, taskID string, amount int64, reason string) error {
	if amount < 0 {
		return NewValidationError("amount", "must be non-negative")
	}
	if amount == 0 {
		return nil
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureAccount(ctx, tx, subjectID); err != nil {
		return err
	}

	// Conditional decrement: only succeeds when the balance covers the debit
	res, err := tx.ExecContext(ctx, s.client.Rebind(
		`UPDATE credit_accounts SET balance = balance - ?, updated_at = ?
		 WHERE subject_id = ? AND balance >= ?`),
		amount, time.Now().UTC(), subjectID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit account: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check debit result: %w", err)
	}
	if affected == 0 {
		return ErrInsufficientCredit
	}

	if err := s.insertLedger(ctx, tx, subjectID, taskID, -amount, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit debit: %w", err)
	}
	return nil
}

// Grant adds credits to a subject's balance
func (s *CreditService) Grant(ctx context.Context, subjectID string, amount int64, reason string) error {
	if amount <= 0 {
		return NewValidationError("amount", "must be positive")
	}

	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ensureAccount(ctx, tx, subjectID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.client.Rebind(
		`UPDATE credit_accounts SET balance = balance + ?, updated_at = ? WHERE subject_id = ?`),
		amount, time.Now().UTC(), subjectID)
	if err != nil {
		return fmt.Errorf("failed to grant credit: %w", err)
	}

	if err := s.insertLedger(ctx, tx, subjectID, "", amount, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit grant: %w", err)
	}
	return nil
}

// Ledger lists a subject's credit history, newest first
func (s *CreditService) Ledger(ctx context.Context, subjectID string, limit int) ([]*models.CreditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(
		`SELECT id, subject_id, task_id, delta, reason, created_at
		 FROM credit_ledger WHERE subject_id = ? ORDER BY created_at DESC LIMIT ?`),
		subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list credit ledger: %w", err)
	}
	defer rows.Close()

	entries := []*models.CreditEntry{}
	for rows.Next() {
		var entry models.CreditEntry
		err := rows.Scan(&entry.ID, &entry.SubjectID, &entry.TaskID,
			&entry.Delta, &entry.Reason, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// DeleteAccount removes a subject's account and ledger, for post-decay purges
func (s *CreditService) DeleteAccount(ctx context.Context, subjectID string) error {
	tx, err := s.client.DB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.client.Rebind(
		`DELETE FROM credit_ledger WHERE subject_id = ?`), subjectID); err != nil {
		return fmt.Errorf("failed to delete credit ledger: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.client.Rebind(
		`DELETE FROM credit_accounts WHERE subject_id = ?`), subjectID); err != nil {
		return fmt.Errorf("failed to delete credit account: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit account deletion: %w", err)
	}
	return nil
}

func (s *CreditService) ensureAccount(ctx context.Context, q queryexec, subjectID string) error {
	if subjectID == "" {
		return NewValidationError("subject_id", "required")
	}
	_, err := q.ExecContext(ctx, s.client.Rebind(
		`INSERT INTO credit_accounts (subject_id, balance, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (subject_id) DO NOTHING`),
		subjectID, s.initialBalance, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure credit account: %w", err)
	}
	return nil
}

func (s *CreditService) insertLedger(ctx context.Context, q queryexec, subjectID, taskID string, delta int64, reason string) error {
	_, err := q.ExecContext(ctx, s.client.Rebind(
		`INSERT INTO credit_ledger (id, subject_id, task_id, delta, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), subjectID, taskID, delta, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// Balance is a convenience wrapper returning just the numeric balance
func (s *CreditService) Balance(ctx context.Context, subjectID string) (int64, error) {
	var balance int64
	err := s.client.DB().QueryRowContext(ctx, s.client.Rebind(
		`SELECT balance FROM credit_accounts WHERE subject_id = ?`), subjectID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}
