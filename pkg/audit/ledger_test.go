package audit

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cirisai/ciris-engine/pkg/models"
	testdb "github.com/cirisai/ciris-engine/test/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedgerFixture(t *testing.T) (*Ledger, context.Context) {
	t.Helper()
	client := testdb.NewTestClient(t)
	signer, err := GenerateSigner()
	require.NoError(t, err)
	return NewLedger(client, signer), context.Background()
}

func TestLedger_Append(t *testing.T) {
	ledger, ctx := newLedgerFixture(t)

	t.Run("first entry chains from genesis", func(t *testing.T) {
		entry, err := ledger.Append(ctx, "occ-1", models.AuditAction, models.ActionAuditPayload{
			TaskID: "task-1", ThoughtID: "thought-1", Round: 1,
			Action: models.ActionSpeak, Status: "ok",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), entry.Seq)
		assert.Equal(t, genesisHash, entry.PrevHash)
		assert.Len(t, entry.EntryHash, 64)
		assert.NotEmpty(t, entry.Signature)
	})

	t.Run("subsequent entries link to the tail", func(t *testing.T) {
		first, err := ledger.Entries(ctx, "occ-1", EntryQuery{})
		require.NoError(t, err)
		require.Len(t, first, 1)

		entry, err := ledger.Append(ctx, "occ-1", models.AuditControl, models.ControlAuditPayload{
			Operation: "pause", Actor: "admin",
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), entry.Seq)
		assert.Equal(t, first[0].EntryHash, entry.PrevHash)
	})

	t.Run("occurrences chain independently", func(t *testing.T) {
		entry, err := ledger.Append(ctx, "occ-2", models.AuditSystem, map[string]string{"event": "startup"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), entry.Seq)
		assert.Equal(t, genesisHash, entry.PrevHash)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		_, err := ledger.Append(ctx, "", models.AuditAction, nil)
		require.Error(t, err)
		_, err = ledger.Append(ctx, "occ-1", "gossip", nil)
		require.Error(t, err)
	})
}

func TestLedger_AppendSurvivesRestart(t *testing.T) {
	client := testdb.NewTestClient(t)
	signer, err := GenerateSigner()
	require.NoError(t, err)
	ctx := context.Background()

	first := NewLedger(client, signer)
	_, err = first.Append(ctx, "occ-1", models.AuditSystem, map[string]string{"event": "startup"})
	require.NoError(t, err)
	tailEntry, err := first.Append(ctx, "occ-1", models.AuditSystem, map[string]string{"event": "work"})
	require.NoError(t, err)

	// A fresh ledger (new process) resumes the chain from the stored tail
	second := NewLedger(client, signer)
	entry, err := second.Append(ctx, "occ-1", models.AuditSystem, map[string]string{"event": "resumed"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), entry.Seq)
	assert.Equal(t, tailEntry.EntryHash, entry.PrevHash)

	report, err := second.Verify(ctx, "occ-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Entries)
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	ledger, ctx := newLedgerFixture(t)

	const appends = 20
	var wg sync.WaitGroup
	for i := 0; i < appends; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Append(ctx, "occ-1", models.AuditAction, models.ActionAuditPayload{
				TaskID: "task", Action: models.ActionPonder, Status: "ok",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	report, err := ledger.Verify(ctx, "occ-1")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, appends, report.Entries)
}

func TestLedger_Verify(t *testing.T) {
	ledger, ctx := newLedgerFixture(t)

	for i := 0; i < 5; i++ {
		_, err := ledger.Append(ctx, "occ-1", models.AuditAction, models.ActionAuditPayload{
			TaskID: "task-1", Round: i + 1, Action: models.ActionPonder, Status: "ok",
		})
		require.NoError(t, err)
	}

	t.Run("intact chain verifies", func(t *testing.T) {
		report, err := ledger.Verify(ctx, "occ-1")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Equal(t, 5, report.Entries)
	})

	t.Run("empty chain verifies trivially", func(t *testing.T) {
		report, err := ledger.Verify(ctx, "occ-never-ran")
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.Zero(t, report.Entries)
	})

	t.Run("tampered payload is detected", func(t *testing.T) {
		client := testdb.NewTestClient(t)
		signer, err := GenerateSigner()
		require.NoError(t, err)
		tampered := NewLedger(client, signer)

		for i := 0; i < 3; i++ {
			_, err := tampered.Append(ctx, "occ-t", models.AuditAction, models.ActionAuditPayload{
				TaskID: "task-1", Round: i + 1, Action: models.ActionSpeak, Status: "ok",
			})
			require.NoError(t, err)
		}

		// Rewrite entry 2's payload behind the ledger's back
		_, err = client.DB().ExecContext(ctx, client.Rebind(
			`UPDATE audit_entries SET payload = ? WHERE occurrence_id = ? AND seq = ?`),
			`{"task_id":"task-1","round":2,"action":"FORGET","status":"ok"}`, "occ-t", 2)
		require.NoError(t, err)

		report, err := tampered.Verify(ctx, "occ-t")
		require.ErrorIs(t, err, ErrChainCorrupt)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(2), report.BadSeq)
	})

	t.Run("deleted entry breaks the chain", func(t *testing.T) {
		client := testdb.NewTestClient(t)
		signer, err := GenerateSigner()
		require.NoError(t, err)
		gapped := NewLedger(client, signer)

		for i := 0; i < 3; i++ {
			_, err := gapped.Append(ctx, "occ-g", models.AuditSystem, map[string]int{"n": i})
			require.NoError(t, err)
		}
		_, err = client.DB().ExecContext(ctx, client.Rebind(
			`DELETE FROM audit_entries WHERE occurrence_id = ? AND seq = ?`), "occ-g", 2)
		require.NoError(t, err)

		report, err := gapped.Verify(ctx, "occ-g")
		require.ErrorIs(t, err, ErrChainCorrupt)
		assert.False(t, report.Valid)
		assert.Equal(t, int64(3), report.BadSeq)
	})

	t.Run("foreign signature is rejected", func(t *testing.T) {
		client := testdb.NewTestClient(t)
		signer, err := GenerateSigner()
		require.NoError(t, err)
		ledger := NewLedger(client, signer)
		_, err = ledger.Append(ctx, "occ-f", models.AuditSystem, map[string]string{"event": "x"})
		require.NoError(t, err)

		otherSigner, err := GenerateSigner()
		require.NoError(t, err)
		otherLedger := NewLedger(client, otherSigner)

		report, err := otherLedger.Verify(ctx, "occ-f")
		require.ErrorIs(t, err, ErrChainCorrupt)
		assert.False(t, report.Valid)
		assert.Contains(t, report.Reason, "signature")
	})
}

func TestLedger_Entries(t *testing.T) {
	ledger, ctx := newLedgerFixture(t)

	_, err := ledger.Append(ctx, "occ-1", models.AuditAction, models.ActionAuditPayload{TaskID: "t1", Action: models.ActionSpeak, Status: "ok"})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, "occ-1", models.AuditGateRejection, models.GateAuditPayload{SubjectID: "alice", Rejection: "credit_denied"})
	require.NoError(t, err)
	_, err = ledger.Append(ctx, "occ-1", models.AuditAction, models.ActionAuditPayload{TaskID: "t2", Action: models.ActionDefer, Status: "ok"})
	require.NoError(t, err)

	t.Run("full chain in seq order", func(t *testing.T) {
		entries, err := ledger.Entries(ctx, "occ-1", EntryQuery{})
		require.NoError(t, err)
		require.Len(t, entries, 3)
		assert.Equal(t, int64(1), entries[0].Seq)
		assert.Equal(t, int64(3), entries[2].Seq)
	})

	t.Run("filter by kind", func(t *testing.T) {
		entries, err := ledger.Entries(ctx, "occ-1", EntryQuery{Kind: models.AuditGateRejection})
		require.NoError(t, err)
		require.Len(t, entries, 1)

		var payload models.GateAuditPayload
		require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
		assert.Equal(t, "credit_denied", payload.Rejection)
	})

	t.Run("after seq for catch-up", func(t *testing.T) {
		entries, err := ledger.Entries(ctx, "occ-1", EntryQuery{AfterSeq: 1})
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, int64(2), entries[0].Seq)
	})

	t.Run("counts by kind", func(t *testing.T) {
		counts, err := ledger.CountByKindSince(ctx, "occ-1", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, 2, counts[models.AuditAction])
		assert.Equal(t, 1, counts[models.AuditGateRejection])
	})
}

func TestLoadOrCreateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit_signing.key")

	first, err := LoadOrCreateSigner(path)
	require.NoError(t, err)

	// Loading again yields the same key
	second, err := LoadOrCreateSigner(path)
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey(), second.PublicKey())

	digest := make([]byte, 32)
	sig := first.Sign(digest)
	assert.True(t, second.Verify(digest, sig))

	// A different key does not verify
	other, err := GenerateSigner()
	require.NoError(t, err)
	assert.False(t, other.Verify(digest, sig))
	assert.Len(t, first.PublicKey(), ed25519.PublicKeySize)
}
