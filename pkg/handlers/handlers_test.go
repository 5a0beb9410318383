package handlers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
	testdb "github.com/cirisai/ciris-engine/test/database"
)

type dispatchFixture struct {
	dispatcher *Dispatcher
	buses      *bus.Buses
	registry   *registry.Registry
	messages   *services.MessageService
	inv        Invocation
}

func newDispatchFixture(t *testing.T) (*dispatchFixture, context.Context) {
	t.Helper()
	client := testdb.NewTestClient(t)
	messages := services.NewMessageService(client)
	reg := registry.New()

	buses := bus.New(bus.Deps{
		Registry:     reg,
		Correlations: services.NewCorrelationService(client),
		Messages:     messages,
	})
	t.Cleanup(buses.Close)

	f := &dispatchFixture{
		dispatcher: NewDispatcher(buses, nil),
		buses:      buses,
		registry:   reg,
		messages:   messages,
		inv: Invocation{
			Task:    &models.Task{ID: "task-1", OccurrenceID: "occ-1"},
			Thought: &models.Thought{ID: "thought-1", TaskID: "task-1"},
		},
	}
	ctx := bus.WithTrace(context.Background(), bus.Trace{TaskID: "task-1", ThoughtID: "thought-1"})
	return f, ctx
}

func (f *dispatchFixture) register(t *testing.T, capability registry.Capability, name string, instance any) {
	t.Helper()
	require.NoError(t, f.registry.Register(capability, registry.Provider{Name: name, Instance: instance}))
}

type recordingComm struct {
	mu   sync.Mutex
	sent []string
}

func (c *recordingComm) Send(_ context.Context, channelID, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, channelID+": "+content)
	return nil
}

type recordingTool struct {
	result *models.ToolExecutionResult
	err    error
}

func (p *recordingTool) ListTools(context.Context) ([]models.ToolDescriptor, error) {
	return []models.ToolDescriptor{{Name: "read"}}, nil
}

func (p *recordingTool) Execute(_ context.Context, tool, _ string) (*models.ToolExecutionResult, error) {
	if p.err != nil {
		return nil, p.err
	}
	if p.result != nil {
		return p.result, nil
	}
	return &models.ToolExecutionResult{Content: "ran " + tool}, nil
}

type recordingMemory struct {
	mu      sync.Mutex
	nodes   map[models.NodeKey]*models.GraphNode
	deleted []models.NodeKey
}

func newRecordingMemory() *recordingMemory {
	return &recordingMemory{nodes: make(map[models.NodeKey]*models.GraphNode)}
}

func (m *recordingMemory) UpsertNode(_ context.Context, node *models.GraphNode) (*models.GraphNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := *node
	if prev, ok := m.nodes[node.Key()]; ok {
		stored.Version = prev.Version + 1
	} else {
		stored.Version = 1
	}
	m.nodes[node.Key()] = &stored
	return &stored, nil
}

func (m *recordingMemory) QueryNodes(_ context.Context, query models.RecallQuery) ([]*models.GraphNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.GraphNode
	for key, node := range m.nodes {
		if query.Key != nil && *query.Key != key {
			continue
		}
		if query.Scope != "" && query.Scope != key.Scope {
			continue
		}
		out = append(out, node)
	}
	return out, nil
}

func (m *recordingMemory) DeleteNode(_ context.Context, key models.NodeKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.nodes, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type recordingWise struct {
	mu        sync.Mutex
	deferrals []*models.Deferral
}

func (w *recordingWise) Guidance(context.Context, *models.GuidanceRequest) (*models.GuidanceResponse, error) {
	return &models.GuidanceResponse{Guidance: "proceed"}, nil
}

func (w *recordingWise) AcceptDeferral(_ context.Context, d *models.Deferral) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.deferrals = append(w.deferrals, d)
	return nil
}

func TestDispatch_Speak(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	adapter := &recordingComm{}
	f.register(t, registry.CapabilityCommunication, "rest", adapter)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionSpeak,
		Speak:  &models.SpeakParams{ChannelID: "rest/a", Content: "here you go"},
	}, f.inv)

	require.Equal(t, models.HandlerOK, outcome.Status)
	assert.Equal(t, []string{"rest/a: here you go"}, adapter.sent)
	assert.Nil(t, outcome.FollowUp)
}

func TestDispatch_SpeakFailureCarriesErrorKind(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	// No communication provider registered: every attempt reports circuit_open.
	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionSpeak,
		Speak:  &models.SpeakParams{ChannelID: "rest/a", Content: "hi"},
	}, f.inv)

	require.Equal(t, models.HandlerFailed, outcome.Status)
	assert.Equal(t, "circuit_open", outcome.ErrorKind)
}

func TestDispatch_ToolDeclaresFollowUp(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	f.register(t, registry.CapabilityTool, "files", &recordingTool{})

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionTool,
		Tool:   &models.ToolParams{Name: "files.read", Arguments: `{"path": "a.txt"}`},
	}, f.inv)

	require.Equal(t, models.HandlerOK, outcome.Status)
	require.NotNil(t, outcome.FollowUp)
	assert.Equal(t, models.FollowUpPendingTool, outcome.FollowUp.Marker)
	require.Len(t, outcome.Observations, 1)
	assert.Equal(t, "files.read", outcome.Observations[0].Name)
	assert.Equal(t, "ran read", outcome.Observations[0].Content)
}

func TestDispatch_ToolErrorResultIsStillOK(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	f.register(t, registry.CapabilityTool, "files", &recordingTool{
		result: &models.ToolExecutionResult{Content: "no such file", IsError: true},
	})

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionTool,
		Tool:   &models.ToolParams{Name: "files.read"},
	}, f.inv)

	// The tool spoke; what it said is an observation for the next thought.
	require.Equal(t, models.HandlerOK, outcome.Status)
	require.Len(t, outcome.Observations, 1)
	assert.True(t, outcome.Observations[0].IsError)
}

func TestDispatch_ToolTransportFailure(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	f.register(t, registry.CapabilityTool, "files", &recordingTool{err: errors.New("pipe broke")})

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionTool,
		Tool:   &models.ToolParams{Name: "files.read"},
	}, f.inv)

	require.Equal(t, models.HandlerFailed, outcome.Status)
	assert.Empty(t, outcome.Observations)
}

func TestDispatch_Observe(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	for i := 0; i < 3; i++ {
		_, _, err := f.messages.RecordInbound(ctx, models.ChannelMessage{
			ChannelID:  "rest/a",
			AdapterID:  "rest",
			ExternalID: fmt.Sprintf("ext-%d", i),
			AuthorID:   "user-1",
			Content:    fmt.Sprintf("message %d", i),
		})
		require.NoError(t, err)
	}

	t.Run("without follow-up", func(t *testing.T) {
		outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
			Action:  models.ActionObserve,
			Observe: &models.ObserveParams{ChannelID: "rest/a"},
		}, f.inv)

		require.Equal(t, models.HandlerOK, outcome.Status)
		assert.Nil(t, outcome.FollowUp)
		require.Len(t, outcome.Observations, 1)
		assert.Contains(t, outcome.Observations[0].Content, "message 2")
	})

	t.Run("with follow-up", func(t *testing.T) {
		outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
			Action:  models.ActionObserve,
			Observe: &models.ObserveParams{ChannelID: "rest/a", Limit: 2, FollowUp: true},
		}, f.inv)

		require.Equal(t, models.HandlerOK, outcome.Status)
		require.NotNil(t, outcome.FollowUp)
		assert.Equal(t, models.FollowUpDirective, outcome.FollowUp.Marker)
	})
}

func TestDispatch_MemorizeAndForget(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	store := newRecordingMemory()
	f.register(t, registry.CapabilityMemory, "graph", store)

	node := models.GraphNode{
		Scope:      models.ScopeLocal,
		Type:       models.NodeObservation,
		ID:         "obs-1",
		Attributes: map[string]string{"summary": "thread resolved"},
	}
	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action:   models.ActionMemorize,
		Memorize: &models.MemorizeParams{Node: node},
	}, f.inv)
	require.Equal(t, models.HandlerOK, outcome.Status)
	assert.Contains(t, outcome.Message, "v1")

	outcome = f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionForget,
		Forget: &models.ForgetParams{Key: node.Key(), Reason: "user request"},
	}, f.inv)
	require.Equal(t, models.HandlerOK, outcome.Status)
	assert.Len(t, store.deleted, 1)
	assert.Contains(t, outcome.Message, "user request")
}

func TestDispatch_MemorizeManagedAttributeFails(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	f.register(t, registry.CapabilityMemory, "graph", newRecordingMemory())

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionMemorize,
		Memorize: &models.MemorizeParams{Node: models.GraphNode{
			Scope:      models.ScopeLocal,
			Type:       models.NodeUser,
			ID:         "u-1",
			Attributes: map[string]string{"user_id": "spoofed"},
		}},
	}, f.inv)

	require.Equal(t, models.HandlerFailed, outcome.Status)
	assert.Equal(t, "validation", outcome.ErrorKind)
}

func TestDispatch_RecallDeclaresFollowUp(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	store := newRecordingMemory()
	f.register(t, registry.CapabilityMemory, "graph", store)

	_, err := store.UpsertNode(ctx, &models.GraphNode{
		Scope:      models.ScopeLocal,
		Type:       models.NodeObservation,
		ID:         "obs-1",
		Attributes: map[string]string{"summary": "prior context"},
	})
	require.NoError(t, err)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionRecall,
		Recall: &models.RecallParams{Query: models.RecallQuery{Scope: models.ScopeLocal}},
	}, f.inv)

	require.Equal(t, models.HandlerOK, outcome.Status)
	require.NotNil(t, outcome.FollowUp)
	assert.Equal(t, models.FollowUpDirective, outcome.FollowUp.Marker)
	require.Len(t, outcome.Observations, 1)
	assert.Contains(t, outcome.Observations[0].Content, "prior context")
}

func TestDispatch_Ponder(t *testing.T) {
	f, ctx := newDispatchFixture(t)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionPonder,
		Ponder: &models.PonderParams{
			Note:      "the request may span two channels",
			Questions: []string{"which channel did the report come from?"},
		},
	}, f.inv)

	require.Equal(t, models.HandlerOK, outcome.Status)
	require.NotNil(t, outcome.FollowUp)
	assert.Contains(t, outcome.FollowUp.Reflection, "two channels")
	assert.Contains(t, outcome.FollowUp.Reflection, "consider: which channel")
}

func TestDispatch_DeferSubmitsToAuthority(t *testing.T) {
	f, ctx := newDispatchFixture(t)
	authority := &recordingWise{}
	f.register(t, registry.CapabilityWiseAuthority, "human", authority)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionDefer,
		Defer:  &models.DeferParams{Reason: "needs human judgement"},
	}, f.inv)

	require.Equal(t, models.HandlerOK, outcome.Status)
	require.Len(t, authority.deferrals, 1)
	assert.Equal(t, "task-1", authority.deferrals[0].TaskID)
	assert.Equal(t, "thought-1", authority.deferrals[0].ThoughtID)
}

func TestDispatch_DeferWithoutAuthoritySucceeds(t *testing.T) {
	f, ctx := newDispatchFixture(t)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionDefer,
		Defer:  &models.DeferParams{Reason: "no authority online"},
	}, f.inv)

	assert.Equal(t, models.HandlerOK, outcome.Status)
}

func TestDispatch_TerminalActionsReportReason(t *testing.T) {
	f, ctx := newDispatchFixture(t)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action: models.ActionReject,
		Reject: &models.RejectParams{Reason: "out of scope"},
	}, f.inv)
	require.Equal(t, models.HandlerOK, outcome.Status)
	assert.Equal(t, "out of scope", outcome.Message)

	outcome = f.dispatcher.Dispatch(ctx, &models.ActionDecision{
		Action:   models.ActionTaskComplete,
		Complete: &models.CompleteParams{Summary: "answered in channel"},
	}, f.inv)
	require.Equal(t, models.HandlerOK, outcome.Status)
	assert.Equal(t, "answered in channel", outcome.Message)
}

func TestDispatch_InvalidDecision(t *testing.T) {
	f, ctx := newDispatchFixture(t)

	outcome := f.dispatcher.Dispatch(ctx, &models.ActionDecision{Action: models.ActionSpeak}, f.inv)
	require.Equal(t, models.HandlerFailed, outcome.Status)
	assert.Equal(t, "validation", outcome.ErrorKind)
}
