package wise

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/models"
	testdb "github.com/cirisai/ciris-engine/test/database"
)

func newLocalAuthority(t *testing.T) (*LocalAuthority, *audit.Ledger) {
	t.Helper()
	client := testdb.NewTestClient(t)
	signer, err := audit.GenerateSigner()
	require.NoError(t, err)
	ledger := audit.NewLedger(client, signer)
	return NewLocalAuthority("local", "occ-1", ledger, nil), ledger
}

func TestLocalAuthority_GuidanceIsDeterministic(t *testing.T) {
	authority, _ := newLocalAuthority(t)
	ctx := context.Background()

	req := &models.GuidanceRequest{
		TaskID:     "task-1",
		Capability: "moderation_review",
		Question:   "Should this post be removed?",
	}

	first, err := authority.Guidance(ctx, req)
	require.NoError(t, err)
	second, err := authority.Guidance(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.Guidance, second.Guidance)
	assert.Contains(t, first.Guidance, "least restrictive")
}

func TestLocalAuthority_GuidanceFallsBackToDefaultCounsel(t *testing.T) {
	authority, _ := newLocalAuthority(t)

	resp, err := authority.Guidance(context.Background(), &models.GuidanceRequest{
		TaskID:     "task-1",
		Capability: "gardening",
		Question:   "Prune now or in spring?",
	})
	require.NoError(t, err)
	assert.Equal(t, defaultCounsel, resp.Guidance)
}

func TestLocalAuthority_AcceptDeferralLandsOnChain(t *testing.T) {
	authority, ledger := newLocalAuthority(t)
	ctx := context.Background()

	until := time.Now().UTC().Add(2 * time.Hour).Truncate(time.Second)
	err := authority.AcceptDeferral(ctx, &models.Deferral{
		TaskID:     "task-9",
		ThoughtID:  "thought-3",
		Reason:     "round budget exhausted",
		DeferUntil: &until,
	})
	require.NoError(t, err)

	entries, err := ledger.Entries(ctx, "occ-1", audit.EntryQuery{Kind: models.AuditSystem})
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(entries[0].Payload, &payload))
	assert.Equal(t, "deferral_accepted", payload["event"])
	assert.Equal(t, "task-9", payload["task_id"])
	assert.Equal(t, "round budget exhausted", payload["reason"])
	assert.NotEmpty(t, payload["defer_until"])
}

func TestDeferralQueue_GuidanceUnsupported(t *testing.T) {
	q := NewDeferralQueue("review", nil)

	_, err := q.Guidance(context.Background(), &models.GuidanceRequest{Question: "?"})
	require.Error(t, err)

	assert.Equal(t, "guidance_unsupported", models.HandlerErrorCode(err))
}

func TestDeferralQueue_PendingAndResolve(t *testing.T) {
	q := NewDeferralQueue("review", nil)
	ctx := context.Background()

	require.NoError(t, q.AcceptDeferral(ctx, &models.Deferral{TaskID: "task-1", Reason: "needs human"}))
	require.NoError(t, q.AcceptDeferral(ctx, &models.Deferral{TaskID: "task-2", Reason: "needs human"}))

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "task-1", pending[0].TaskID)

	assert.True(t, q.Resolve("task-1"))
	assert.False(t, q.Resolve("task-1"))
	require.Len(t, q.Pending(), 1)
	assert.Equal(t, "task-2", q.Pending()[0].TaskID)
}
