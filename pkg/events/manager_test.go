package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCatchup serves canned replay events and records the cursor it was
// asked for.
type fakeCatchup struct {
	mu      sync.Mutex
	events  []CatchupEvent
	sinceID int64
	channel string
}

func (f *fakeCatchup) CatchupEvents(_ context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channel = channel
	f.sinceID = sinceID
	if len(f.events) > limit {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeCatchup) askedFor() (string, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channel, f.sinceID
}

type wsFixture struct {
	manager *ConnectionManager
	catchup *fakeCatchup
	conn    *websocket.Conn
	ctx     context.Context
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	catchup := &fakeCatchup{}
	manager := NewConnectionManager(catchup, time.Second, nil)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })

	f := &wsFixture{manager: manager, catchup: catchup, conn: conn, ctx: ctx}
	hello := f.read(t)
	require.Equal(t, "connection.established", hello["type"])
	return f
}

func (f *wsFixture) send(t *testing.T, msg ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, f.conn.Write(f.ctx, websocket.MessageText, data))
}

func (f *wsFixture) read(t *testing.T) map[string]any {
	t.Helper()
	_, data, err := f.conn.Read(f.ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func (f *wsFixture) subscribe(t *testing.T, channel string) {
	t.Helper()
	f.send(t, ClientMessage{Action: "subscribe", Channel: channel})
	confirmed := f.read(t)
	require.Equal(t, "subscription.confirmed", confirmed["type"])
	require.Equal(t, channel, confirmed["channel"])
}

func TestConnectionManager_SubscribeAndBroadcast(t *testing.T) {
	f := newWSFixture(t)
	f.subscribe(t, TasksChannel)

	f.manager.Broadcast(TasksChannel, []byte(`{"type":"task.status","task_id":"task-1"}`))

	got := f.read(t)
	assert.Equal(t, "task.status", got["type"])
	assert.Equal(t, "task-1", got["task_id"])
}

func TestConnectionManager_BroadcastSkipsUnsubscribedChannels(t *testing.T) {
	f := newWSFixture(t)
	f.subscribe(t, TaskChannel("task-1"))

	f.manager.Broadcast(TaskChannel("task-2"), []byte(`{"type":"step.result","task_id":"task-2"}`))
	f.manager.Broadcast(TaskChannel("task-1"), []byte(`{"type":"step.result","task_id":"task-1"}`))

	got := f.read(t)
	assert.Equal(t, "task-1", got["task_id"])
}

func TestConnectionManager_SubscribeReplaysMissedEvents(t *testing.T) {
	f := newWSFixture(t)
	f.catchup.events = []CatchupEvent{
		{ID: 1, Payload: []byte(`{"type":"audit.appended","event_id":1}`)},
		{ID: 2, Payload: []byte(`{"type":"audit.appended","event_id":2}`)},
	}

	f.subscribe(t, AuditChannel)

	first := f.read(t)
	assert.Equal(t, float64(1), first["event_id"])
	second := f.read(t)
	assert.Equal(t, float64(2), second["event_id"])

	channel, sinceID := f.catchup.askedFor()
	assert.Equal(t, AuditChannel, channel)
	assert.Equal(t, int64(0), sinceID)
}

func TestConnectionManager_CatchupUsesClientCursor(t *testing.T) {
	f := newWSFixture(t)
	f.subscribe(t, AuditChannel)

	f.catchup.events = []CatchupEvent{
		{ID: 6, Payload: []byte(`{"type":"audit.appended","event_id":6}`)},
	}
	cursor := int64(5)
	f.send(t, ClientMessage{Action: "catchup", Channel: AuditChannel, LastEventID: &cursor})

	got := f.read(t)
	assert.Equal(t, float64(6), got["event_id"])

	_, sinceID := f.catchup.askedFor()
	assert.Equal(t, int64(5), sinceID)
}

func TestConnectionManager_CatchupOverflowSignalsReload(t *testing.T) {
	f := newWSFixture(t)
	events := make([]CatchupEvent, catchupLimit+1)
	for i := range events {
		events[i] = CatchupEvent{
			ID:      int64(i + 1),
			Payload: []byte(fmt.Sprintf(`{"type":"audit.appended","event_id":%d}`, i+1)),
		}
	}
	f.catchup.events = events

	f.subscribe(t, AuditChannel)

	for i := 0; i < catchupLimit; i++ {
		f.read(t)
	}
	overflow := f.read(t)
	assert.Equal(t, "catchup.overflow", overflow["type"])
	assert.Equal(t, true, overflow["has_more"])
}

func TestConnectionManager_UnsubscribeStopsDelivery(t *testing.T) {
	f := newWSFixture(t)
	f.subscribe(t, TasksChannel)

	f.send(t, ClientMessage{Action: "unsubscribe", Channel: TasksChannel})
	require.Eventually(t, func() bool {
		return f.manager.subscriberCount(TasksChannel) == 0
	}, 5*time.Second, 10*time.Millisecond)

	f.manager.Broadcast(TasksChannel, []byte(`{"type":"task.status"}`))

	// Ping after the broadcast: the pong arriving first proves nothing was
	// delivered on the dropped subscription.
	f.send(t, ClientMessage{Action: "ping"})
	got := f.read(t)
	assert.Equal(t, "pong", got["type"])
}

func TestConnectionManager_RejectsMalformedRequests(t *testing.T) {
	f := newWSFixture(t)

	f.send(t, ClientMessage{Action: "subscribe"})
	got := f.read(t)
	assert.Equal(t, "error", got["type"])

	require.NoError(t, f.conn.Write(f.ctx, websocket.MessageText, []byte("not json")))
	f.send(t, ClientMessage{Action: "ping"})
	got = f.read(t)
	assert.Equal(t, "pong", got["type"], "invalid frames should be skipped, not fatal")
}

func TestConnectionManager_DisconnectCleansUpSubscriptions(t *testing.T) {
	f := newWSFixture(t)
	f.subscribe(t, TasksChannel)
	require.Equal(t, 1, f.manager.ActiveConnections())

	require.NoError(t, f.conn.Close(websocket.StatusNormalClosure, ""))

	require.Eventually(t, func() bool {
		return f.manager.ActiveConnections() == 0 &&
			f.manager.subscriberCount(TasksChannel) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
