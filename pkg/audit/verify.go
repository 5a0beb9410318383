package audit

import (
	"context"
	"encoding/hex"
	"fmt"
)

// VerifyReport summarizes a chain verification run.
type VerifyReport struct {
	OccurrenceID string `json:"occurrence_id"`
	Entries      int    `json:"entries"`
	Valid        bool   `json:"valid"`
	// BadSeq/Reason identify the first broken entry when Valid is false.
	BadSeq int64  `json:"bad_seq,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Verify walks an occurrence's whole chain top to bottom: seq contiguity,
// prev-hash linkage, recomputed entry hashes, and signatures. A corrupt chain
// returns the report plus an ErrChainCorrupt-wrapped error so callers can
// escalate it as fatal.
func (l *Ledger) Verify(ctx context.Context, occurrenceID string) (*VerifyReport, error) {
	report := &VerifyReport{OccurrenceID: occurrenceID, Valid: true}

	rows, err := l.client.DB().QueryContext(ctx, l.client.Rebind(
		`SELECT seq, payload, prev_hash, entry_hash, signature FROM audit_entries
		 WHERE occurrence_id = ? ORDER BY seq ASC`), occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit chain: %w", err)
	}
	defer rows.Close()

	prevHash := genesisHash
	var prevSeq int64
	for rows.Next() {
		var seq int64
		var payload []byte
		var storedPrev, storedHash, signature string
		if err := rows.Scan(&seq, &payload, &storedPrev, &storedHash, &signature); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		report.Entries++

		fail := func(reason string) (*VerifyReport, error) {
			report.Valid = false
			report.BadSeq = seq
			report.Reason = reason
			return report, fmt.Errorf("%w: occurrence %s seq %d: %s", ErrChainCorrupt, occurrenceID, seq, reason)
		}

		if seq != prevSeq+1 {
			return fail(fmt.Sprintf("seq gap: expected %d", prevSeq+1))
		}
		if storedPrev != prevHash {
			return fail("prev_hash does not link to the preceding entry")
		}
		if recomputed := entryHash(storedPrev, payload); recomputed != storedHash {
			return fail("entry_hash does not match payload")
		}
		digest, err := hex.DecodeString(storedHash)
		if err != nil {
			return fail("entry_hash is not valid hex")
		}
		if !l.signer.Verify(digest, signature) {
			return fail("signature does not verify")
		}

		prevSeq = seq
		prevHash = storedHash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate audit chain: %w", err)
	}
	return report, nil
}
