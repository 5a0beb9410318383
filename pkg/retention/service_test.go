package retention

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/services"
	testdb "github.com/cirisai/ciris-engine/test/database"
)

const testOccurrence = "occ-1"

type fixture struct {
	client       *database.Client
	service      *Service
	consent      *services.ConsentService
	credit       *services.CreditService
	graph        *services.GraphService
	correlations *services.CorrelationService
	messages     *services.MessageService
	users        *services.UserService
	dsar         *services.DSARService
	ledger       *audit.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	client := testdb.NewTestClient(t)
	signer, err := audit.GenerateSigner()
	require.NoError(t, err)

	f := &fixture{
		client:       client,
		consent:      services.NewConsentService(client),
		credit:       services.NewCreditService(client, 10),
		graph:        services.NewGraphService(client),
		correlations: services.NewCorrelationService(client),
		messages:     services.NewMessageService(client),
		users:        services.NewUserService(client),
		dsar:         services.NewDSARService(client),
		ledger:       audit.NewLedger(client, signer),
	}
	f.service = NewService(Deps{
		Config:       config.DefaultRetentionConfig(),
		OccurrenceID: testOccurrence,
		Consent:      f.consent,
		Credit:       f.credit,
		Graph:        f.graph,
		Correlations: f.correlations,
		Messages:     f.messages,
		Users:        f.users,
		DSAR:         f.dsar,
		Audit:        f.ledger,
	})
	return f
}

// seedSubject gives a subject the full footprint the forget routine removes:
// a consent record, channel history, a credit account, and a user graph node.
func (f *fixture) seedSubject(t *testing.T, subjectID string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.consent.GetOrCreateConsent(ctx, subjectID)
	require.NoError(t, err)

	_, _, err = f.messages.RecordInbound(ctx, models.ChannelMessage{
		ChannelID: "api/" + subjectID,
		AdapterID: "api",
		AuthorID:  subjectID,
		Content:   "hello",
	})
	require.NoError(t, err)

	require.NoError(t, f.credit.Grant(ctx, subjectID, 5, "seed"))

	_, err = f.graph.UpsertNode(ctx, &models.GraphNode{
		Scope:      models.ScopeLocal,
		Type:       models.NodeUser,
		ID:         subjectID,
		Attributes: map[string]string{"display_name": "Sam"},
	})
	require.NoError(t, err)
}

func (f *fixture) assertForgotten(t *testing.T, subjectID string) {
	t.Helper()
	ctx := context.Background()

	_, err := f.consent.GetConsent(ctx, subjectID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	msgs, err := f.messages.ListBySubject(ctx, subjectID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = f.credit.Balance(ctx, subjectID)
	assert.ErrorIs(t, err, services.ErrNotFound)

	_, err = f.graph.GetNode(ctx, models.NodeKey{
		Scope: models.ScopeLocal, Type: models.NodeUser, ID: subjectID,
	})
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestSweep_ExpiredTemporaryConsentForgetsSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "temp-subject")

	// Age the temporary grant past its TTL.
	_, err := f.client.DB().ExecContext(ctx, f.client.Rebind(
		`UPDATE consent_records SET expires_at = ? WHERE subject_id = ?`),
		time.Now().UTC().Add(-time.Hour), "temp-subject")
	require.NoError(t, err)

	f.service.Sweep(ctx)
	f.assertForgotten(t, "temp-subject")

	entries, err := f.ledger.Entries(ctx, testOccurrence, audit.EntryQuery{Kind: models.AuditConsent})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	var payload models.ConsentAuditPayload
	require.NoError(t, json.Unmarshal(entries[len(entries)-1].Payload, &payload))
	assert.Equal(t, "temp-subject", payload.SubjectID)
	assert.Contains(t, payload.Reason, "temporary_expired")
}

func TestSweep_CompletedDecayForgetsSubject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "revoked-subject")

	_, err := f.consent.Revoke(ctx, "revoked-subject", "done here")
	require.NoError(t, err)

	// A revoked record survives the sweep while the decay window runs.
	f.service.Sweep(ctx)
	_, err = f.consent.GetConsent(ctx, "revoked-subject")
	require.NoError(t, err)

	_, err = f.client.DB().ExecContext(ctx, f.client.Rebind(
		`UPDATE consent_records SET decay_completes_at = ? WHERE subject_id = ?`),
		time.Now().UTC().Add(-time.Hour), "revoked-subject")
	require.NoError(t, err)

	f.service.Sweep(ctx)
	f.assertForgotten(t, "revoked-subject")
}

func TestSweep_PrunesCorrelationsAndMessagesPastWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	require.NoError(t, f.correlations.Record(ctx, &models.Correlation{
		Service:   "llm",
		Operation: "call",
		Status:    models.CorrelationOK,
		StartedAt: old,
	}))
	require.NoError(t, f.correlations.Record(ctx, &models.Correlation{
		TaskID:    "task-recent",
		Service:   "llm",
		Operation: "call",
		Status:    models.CorrelationOK,
	}))

	_, _, err := f.messages.RecordInbound(ctx, models.ChannelMessage{
		ChannelID: "api/old", AdapterID: "api", AuthorID: "a", Content: "old",
		CreatedAt: old,
	})
	require.NoError(t, err)
	_, _, err = f.messages.RecordInbound(ctx, models.ChannelMessage{
		ChannelID: "api/new", AdapterID: "api", AuthorID: "a", Content: "new",
	})
	require.NoError(t, err)

	f.service.Sweep(ctx)

	recent, err := f.correlations.ListForTask(ctx, "task-recent")
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	oldMsgs, err := f.messages.History(ctx, "api/old", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, oldMsgs)
	newMsgs, err := f.messages.History(ctx, "api/new", 10, nil)
	require.NoError(t, err)
	assert.Len(t, newMsgs, 1)
}

func TestSweep_FulfillsAccessRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "subject-a")

	req, err := f.dsar.CreateRequest(ctx, "subject-a", models.DSARAccess, "")
	require.NoError(t, err)

	f.service.Sweep(ctx)

	done, err := f.dsar.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DSARCompleted, done.Status)

	var bundle map[string]any
	require.NoError(t, json.Unmarshal([]byte(done.Result), &bundle))
	assert.Equal(t, "subject-a", bundle["subject_id"])
	assert.NotNil(t, bundle["consent"])
	assert.NotNil(t, bundle["messages"])

	// Access does not delete anything.
	_, err = f.consent.GetConsent(ctx, "subject-a")
	require.NoError(t, err)
}

func TestSweep_AccessBundleHonorsRevokedConsent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "subject-r")

	_, err := f.consent.Revoke(ctx, "subject-r", "subject request")
	require.NoError(t, err)

	req, err := f.dsar.CreateRequest(ctx, "subject-r", models.DSARAccess, "")
	require.NoError(t, err)

	f.service.Sweep(ctx)

	done, err := f.dsar.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DSARCompleted, done.Status)

	// Lifecycle records stay readable; conversation and profile data are
	// withheld while the revocation decay runs.
	var bundle map[string]any
	require.NoError(t, json.Unmarshal([]byte(done.Result), &bundle))
	assert.NotNil(t, bundle["consent"])
	assert.Nil(t, bundle["messages"])
	assert.Nil(t, bundle["memory"])
	assert.ElementsMatch(t, []string{"messages", "memory"},
		bundle["withheld"])
}

func TestSweep_FulfillsDeleteRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "subject-b")

	req, err := f.dsar.CreateRequest(ctx, "subject-b", models.DSARDelete, "")
	require.NoError(t, err)

	f.service.Sweep(ctx)

	done, err := f.dsar.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DSARCompleted, done.Status)
	assert.JSONEq(t, `{"deleted":true}`, done.Result)
	f.assertForgotten(t, "subject-b")
}

func TestSweep_AppliesCorrection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "subject-c")

	req, err := f.dsar.CreateRequest(ctx, "subject-c", models.DSARCorrect,
		`{"display_name":"Sam Doe"}`)
	require.NoError(t, err)

	f.service.Sweep(ctx)

	done, err := f.dsar.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DSARCompleted, done.Status)

	node, err := f.graph.GetNode(ctx, models.NodeKey{
		Scope: models.ScopeLocal, Type: models.NodeUser, ID: "subject-c",
	})
	require.NoError(t, err)
	assert.Equal(t, "Sam Doe", node.Attributes["display_name"])
}

func TestSweep_MalformedCorrectionFailsRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedSubject(t, "subject-d")

	req, err := f.dsar.CreateRequest(ctx, "subject-d", models.DSARCorrect, "not json")
	require.NoError(t, err)

	f.service.Sweep(ctx)

	done, err := f.dsar.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DSARFailed, done.Status)
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.service.Start(context.Background())
	f.service.Stop()
	// Stop twice is a no-op, not a deadlock.
	f.service.Stop()
}
