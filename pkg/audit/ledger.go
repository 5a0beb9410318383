package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
)

// genesisHash anchors the first entry of every occurrence's chain.
var genesisHash = strings.Repeat("0", 64)

// ErrChainCorrupt reports a broken hash chain or bad signature. Treated as a
// fatal invariant violation by the processor.
var ErrChainCorrupt = fmt.Errorf("%w: audit chain corrupt", models.ErrFatal)

// Ledger appends to and reads the audit chain. Appends for one occurrence are
// serialized on the tail lock; each occurrence chains independently with its
// own monotonic seq.
type Ledger struct {
	client *database.Client
	signer *Signer

	mu    sync.Mutex
	tails map[string]tail

	notify func(*models.AuditEntry)
}

type tail struct {
	seq  int64
	hash string
}

// NewLedger creates an audit ledger over the given store and signing key.
func NewLedger(client *database.Client, signer *Signer) *Ledger {
	if client == nil {
		panic("NewLedger: client must not be nil")
	}
	if signer == nil {
		panic("NewLedger: signer must not be nil")
	}
	return &Ledger{
		client: client,
		signer: signer,
		tails:  map[string]tail{},
	}
}

// Append writes one entry to the occurrence's chain:
// entry_hash = SHA-256(prev_hash ‖ payload), signature = Ed25519(entry_hash).
func (l *Ledger) Append(ctx context.Context, occurrenceID string, kind models.AuditKind, payload any) (*models.AuditEntry, error) {
	if occurrenceID == "" {
		return nil, fmt.Errorf("audit append: occurrence id is required")
	}
	if !kind.IsValid() {
		return nil, fmt.Errorf("audit append: unknown kind %q", kind)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Audit entries are evidence; never drop one to caller cancellation
	writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entry, err := l.appendLocked(writeCtx, occurrenceID, kind, payloadJSON)
	if err != nil {
		// A stale cached tail (crash recovery, external writer) surfaces as a
		// primary-key conflict. Reload the tail once and retry.
		delete(l.tails, occurrenceID)
		entry, err = l.appendLocked(writeCtx, occurrenceID, kind, payloadJSON)
		if err != nil {
			return nil, err
		}
	}

	if l.notify != nil {
		l.notify(entry)
	}
	return entry, nil
}

// SetNotify installs a hook invoked after every successful append. Set once
// during wiring, before any appends; the hook must not call back into the
// ledger's append path.
func (l *Ledger) SetNotify(fn func(*models.AuditEntry)) {
	l.notify = fn
}

func (l *Ledger) appendLocked(ctx context.Context, occurrenceID string, kind models.AuditKind, payloadJSON []byte) (*models.AuditEntry, error) {
	t, ok := l.tails[occurrenceID]
	if !ok {
		loaded, err := l.loadTail(ctx, occurrenceID)
		if err != nil {
			return nil, err
		}
		t = loaded
	}

	entry := &models.AuditEntry{
		Seq:          t.seq + 1,
		OccurrenceID: occurrenceID,
		Kind:         kind,
		Payload:      payloadJSON,
		PrevHash:     t.hash,
		CreatedAt:    time.Now().UTC(),
	}
	entry.EntryHash = entryHash(entry.PrevHash, payloadJSON)
	digest, err := hex.DecodeString(entry.EntryHash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry hash: %w", err)
	}
	entry.Signature = l.signer.Sign(digest)

	_, err = l.client.DB().ExecContext(ctx, l.client.Rebind(
		`INSERT INTO audit_entries (occurrence_id, seq, kind, payload, prev_hash, entry_hash, signature, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.OccurrenceID, entry.Seq, entry.Kind, string(payloadJSON),
		entry.PrevHash, entry.EntryHash, entry.Signature, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append audit entry: %w", err)
	}

	l.tails[occurrenceID] = tail{seq: entry.Seq, hash: entry.EntryHash}
	return entry, nil
}

func (l *Ledger) loadTail(ctx context.Context, occurrenceID string) (tail, error) {
	var t tail
	err := l.client.DB().QueryRowContext(ctx, l.client.Rebind(
		`SELECT seq, entry_hash FROM audit_entries
		 WHERE occurrence_id = ? ORDER BY seq DESC LIMIT 1`),
		occurrenceID).Scan(&t.seq, &t.hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tail{seq: 0, hash: genesisHash}, nil
		}
		return tail{}, fmt.Errorf("failed to load audit tail: %w", err)
	}
	return t, nil
}

// EntryQuery filters ledger reads.
type EntryQuery struct {
	Kind     models.AuditKind
	AfterSeq int64
	Since    time.Time
	Limit    int
}

// Entries lists an occurrence's chain in seq order with optional filters.
func (l *Ledger) Entries(ctx context.Context, occurrenceID string, q EntryQuery) ([]*models.AuditEntry, error) {
	where := `WHERE occurrence_id = ?`
	args := []any{occurrenceID}
	if q.Kind != "" {
		where += ` AND kind = ?`
		args = append(args, q.Kind)
	}
	if q.AfterSeq > 0 {
		where += ` AND seq > ?`
		args = append(args, q.AfterSeq)
	}
	if !q.Since.IsZero() {
		where += ` AND created_at >= ?`
		args = append(args, q.Since)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := l.client.DB().QueryContext(ctx, l.client.Rebind(
		`SELECT occurrence_id, seq, kind, payload, prev_hash, entry_hash, signature, created_at
		 FROM audit_entries `+where+` ORDER BY seq ASC LIMIT ?`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*models.AuditEntry{}
	for rows.Next() {
		var entry models.AuditEntry
		var payload []byte
		err := rows.Scan(&entry.OccurrenceID, &entry.Seq, &entry.Kind, &payload,
			&entry.PrevHash, &entry.EntryHash, &entry.Signature, &entry.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.Payload = json.RawMessage(payload)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// CountByKindSince aggregates entry counts per kind, for the transparency feed.
func (l *Ledger) CountByKindSince(ctx context.Context, occurrenceID string, since time.Time) (map[models.AuditKind]int, error) {
	rows, err := l.client.DB().QueryContext(ctx, l.client.Rebind(
		`SELECT kind, COUNT(*) FROM audit_entries
		 WHERE occurrence_id = ? AND created_at >= ? GROUP BY kind`),
		occurrenceID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit entries: %w", err)
	}
	defer rows.Close()

	counts := map[models.AuditKind]int{}
	for rows.Next() {
		var kind models.AuditKind
		var count int
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan audit count: %w", err)
		}
		counts[kind] = count
	}
	return counts, rows.Err()
}

func entryHash(prevHash string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
