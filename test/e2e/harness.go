// Package e2e boots a complete engine instance over HTTP for end-to-end
// tests: real processor, buses, admission gate, audit chain, and API server,
// with only the LLM scripted.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cirisai/ciris-engine/pkg/api"
	"github.com/cirisai/ciris-engine/pkg/audit"
	"github.com/cirisai/ciris-engine/pkg/bus"
	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/conscience"
	"github.com/cirisai/ciris-engine/pkg/database"
	"github.com/cirisai/ciris-engine/pkg/dma"
	"github.com/cirisai/ciris-engine/pkg/events"
	"github.com/cirisai/ciris-engine/pkg/gate"
	"github.com/cirisai/ciris-engine/pkg/handlers"
	"github.com/cirisai/ciris-engine/pkg/llm"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/pipeline"
	"github.com/cirisai/ciris-engine/pkg/processor"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
	"github.com/cirisai/ciris-engine/pkg/telemetry"
	"github.com/cirisai/ciris-engine/pkg/wise"
	testdb "github.com/cirisai/ciris-engine/test/database"
)

// OccurrenceID is the occurrence every TestApp runs under.
const OccurrenceID = "occ-e2e"

// testPassword satisfies the minimum-length rule everywhere a user is needed.
const testPassword = "e2e-password-123"

// TestApp is one fully wired engine instance listening on a random port.
type TestApp struct {
	DB        *database.Client
	Ledger    *audit.Ledger
	Registry  *registry.Registry
	Buses     *bus.Buses
	Processor *processor.Processor
	Gate      *gate.Gate
	Server    *api.Server
	Hub       *events.Hub
	Deferrals *wise.DeferralQueue

	Users    *services.UserService
	Tasks    *services.TaskService
	Thoughts *services.ThoughtService
	Consent  *services.ConsentService
	Credit   *services.CreditService
	Messages *services.MessageService

	BaseURL string // e.g. "http://127.0.0.1:54321"
	WSURL   string // e.g. "ws://127.0.0.1:54321/api/v1/ws"

	httpClient *http.Client
}

// testAppConfig accumulates options before the TestApp is built.
type testAppConfig struct {
	script      *llm.ScriptedProvider
	gateCfg     *config.GateConfig
	workerCount int
	apiMutate   func(cfg *config.APIConfig)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithScript sets the scripted LLM provider.
func WithScript(s *llm.ScriptedProvider) TestAppOption {
	return func(c *testAppConfig) { c.script = s }
}

// WithGateConfig overrides the admission gate policy (credits, costs).
func WithGateConfig(cfg *config.GateConfig) TestAppOption {
	return func(c *testAppConfig) { c.gateCfg = cfg }
}

// WithWorkerCount sets the processor worker pool size.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithAPIConfig mutates the API config before the server is built.
func WithAPIConfig(mutate func(cfg *config.APIConfig)) TestAppOption {
	return func(c *testAppConfig) { c.apiMutate = mutate }
}

// NewTestApp creates and starts a full engine test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{workerCount: 1}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.script == nil {
		tc.script = llm.NewScriptedProvider("e2e")
	}
	if tc.gateCfg == nil {
		tc.gateCfg = config.DefaultGateConfig()
	}

	ctx := context.Background()

	// 1. Database and audit chain.
	client := testdb.NewTestClient(t)
	signer, err := audit.GenerateSigner()
	require.NoError(t, err)
	ledger := audit.NewLedger(client, signer)

	// 2. Persistence services.
	users := services.NewUserService(client)
	tasks := services.NewTaskService(client)
	thoughts := services.NewThoughtService(client)
	consent := services.NewConsentService(client)
	credit := services.NewCreditService(client, tc.gateCfg.InitialCredits)
	correlations := services.NewCorrelationService(client)
	messages := services.NewMessageService(client)
	dsar := services.NewDSARService(client)
	graph := services.NewGraphService(client)
	state := services.NewStateService(client)

	// 3. Provider registry: scripted LLM, graph memory, the API adapter,
	// and a deferral queue as the wisdom authority.
	reg := registry.New()
	require.NoError(t, reg.Register(registry.CapabilityLLM,
		registry.Provider{Name: "scripted", Instance: tc.script}))
	require.NoError(t, reg.Register(registry.CapabilityMemory,
		registry.Provider{Name: "graph", Instance: graph}))
	require.NoError(t, reg.Register(registry.CapabilityCommunication,
		registry.Provider{Name: "api", Instance: api.NewAdapter(nil)}))
	deferrals := wise.NewDeferralQueue("review", nil)
	require.NoError(t, reg.Register(registry.CapabilityWiseAuthority,
		registry.Provider{Name: "review", Instance: deferrals}))

	// 4. Event fan-out. The embedded backend broadcasts locally; no NOTIFY
	// listener is involved.
	hub := events.NewHub(nil)
	connManager := events.NewConnectionManager(events.NewLedgerCatchup(ledger, OccurrenceID), 5*time.Second, nil)
	publisher := events.NewPublisher(hub, connManager, client, nil)
	ledger.SetNotify(func(entry *models.AuditEntry) {
		publisher.AuditAppended(context.Background(), entry)
	})

	// 5. Buses.
	buses := bus.New(bus.Deps{
		Registry:     reg,
		Correlations: correlations,
		Messages:     messages,
		Events:       publisher,
		Consent:      consent,
	})
	t.Cleanup(buses.Close)

	identity := models.IdentitySnapshot{AgentID: "ciris-e2e", Name: "CIRIS", Purpose: "end-to-end testing"}

	// 6. Pipeline engine and processor. The snapshot closure reads back
	// through the processor, which does not exist yet at construction time.
	var proc *processor.Processor
	engine := pipeline.NewEngine(pipeline.Deps{
		Buses:      buses,
		Evaluators: dma.New(buses.LLM, "general", nil),
		Conscience: conscience.New(),
		Dispatcher: handlers.NewDispatcher(buses, nil),
		Tasks:      tasks,
		Thoughts:   thoughts,
		Audit:      ledger,
		Registry:   reg,
		Identity:   identity,
		Snapshot: func() models.SystemSnapshot {
			if proc == nil {
				return models.SystemSnapshot{OccurrenceID: OccurrenceID}
			}
			return proc.Snapshot()
		},
	})
	proc = processor.New(processor.Deps{
		Config:       testProcessorConfig(tc.workerCount),
		OccurrenceID: OccurrenceID,
		Engine:       engine,
		Buses:        buses,
		Tasks:        tasks,
		Thoughts:     thoughts,
		State:        state,
		Audit:        ledger,
		Identity:     identity,
		Events:       publisher,
	})
	require.NoError(t, reg.Register(registry.CapabilityRuntimeControl,
		registry.Provider{Name: "processor", Instance: proc}))

	// 7. Admission gate. Readiness tracks first-run setup, same as prod.
	admission := gate.New(gate.Deps{
		Config:       tc.gateCfg,
		OccurrenceID: OccurrenceID,
		Consent:      consent,
		Credit:       credit,
		Tasks:        tasks,
		Audit:        ledger,
		Runtime:      proc,
		Ready: func() bool {
			n, err := users.CountUsers(context.Background())
			return err == nil && n > 0
		},
	})

	// 8. Telemetry.
	tel := telemetry.NewService(OccurrenceID, proc, reg, tasks, correlations,
		ledger, nil, connManager.ActiveConnections)
	metricsReg := telemetry.NewRegistry(telemetry.NewRuntimeCollector(
		OccurrenceID, proc, reg, tasks, correlations, connManager.ActiveConnections, nil))

	// 9. API server.
	apiCfg := &config.APIConfig{
		ListenAddr:      ":0",
		TokenTTL:        time.Hour,
		InteractTimeout: 2 * time.Second,
	}
	if tc.apiMutate != nil {
		tc.apiMutate(apiCfg)
	}
	server := api.NewServer(api.Deps{
		Config:    apiCfg,
		Identity:  identity,
		DB:        client,
		Gate:      admission,
		Buses:     buses,
		Runtime:   proc,
		Users:     users,
		Tasks:     tasks,
		Thoughts:  thoughts,
		Consent:   consent,
		Credit:    credit,
		Messages:  messages,
		DSAR:      dsar,
		Warnings:  services.NewSystemWarningsService(),
		Telemetry: tel,
		Metrics:   telemetry.Handler(metricsReg, nil),
		Hub:       hub,
		ConnMgr:   connManager,
	})

	// 10. Run: wake the processor, then serve over a random port.
	require.NoError(t, proc.Start(ctx))
	t.Cleanup(proc.Stop)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &TestApp{
		DB:        client,
		Ledger:    ledger,
		Registry:  reg,
		Buses:     buses,
		Processor: proc,
		Gate:      admission,
		Server:    server,
		Hub:       hub,
		Deferrals: deferrals,

		Users:    users,
		Tasks:    tasks,
		Thoughts: thoughts,
		Consent:  consent,
		Credit:   credit,
		Messages: messages,

		BaseURL:    ts.URL,
		WSURL:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws",
		httpClient: ts.Client(),
	}
}

// testProcessorConfig keeps polling tight so tests converge fast.
func testProcessorConfig(workers int) *config.ProcessorConfig {
	return &config.ProcessorConfig{
		WorkerCount:             workers,
		MaxConcurrentThoughts:   workers,
		PollInterval:            15 * time.Millisecond,
		PollIntervalJitter:      5 * time.Millisecond,
		RoundTimeout:            10 * time.Second,
		GracefulShutdownTimeout: 5 * time.Second,
		QueueHighWater:          50,
		QueueLowWater:           20,
		MetricsWindow:           10,
	}
}

// Do issues one JSON request against the app and returns status and body.
func (a *TestApp) Do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, a.BaseURL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), "body: %s", data)
	return out
}

// LoginAs ensures the user exists with the given role and logs in over the
// API, returning the token pair and the stored user.
func (a *TestApp) LoginAs(t *testing.T, username string, role models.Role) (api.TokenResponse, *models.User) {
	t.Helper()
	ctx := context.Background()
	user, err := a.Users.GetUserByUsername(ctx, username)
	if err != nil {
		user, err = a.Users.CreateUser(ctx, username, testPassword, role)
		require.NoError(t, err)
	}
	status, body := a.Do(t, http.MethodPost, "/api/v1/auth/login", "",
		api.LoginRequest{Username: username, Password: testPassword})
	require.Equal(t, http.StatusOK, status, "login: %s", body)
	return decode[api.TokenResponse](t, body), user
}

// Interact posts one message as the token's user.
func (a *TestApp) Interact(t *testing.T, token, message string) (int, api.InteractResponse) {
	t.Helper()
	status, body := a.Do(t, http.MethodPost, "/api/v1/agent/interact", token,
		api.InteractRequest{Message: message})
	return status, decode[api.InteractResponse](t, body)
}

// WaitForTask polls the task store until the task reaches the wanted status.
func (a *TestApp) WaitForTask(t *testing.T, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	var got *models.Task
	require.Eventually(t, func() bool {
		task, err := a.Tasks.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 15*time.Second, 20*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

// dmaRound appends one round's worth of passing evaluations.
func dmaRound(s *llm.ScriptedProvider) *llm.ScriptedProvider {
	pass := llm.ScriptEntry{Content: `{"score": 0.9, "rationale": "fine"}`}
	return s.
		AddRouted(dma.PurposeEthical, pass).
		AddRouted(dma.PurposeCommonSense, pass).
		AddRouted(dma.PurposeDomain, pass)
}

// SpeakScript scripts one task: SPEAK on the channel, then the completion
// bias converts the follow-up round's PONDER into TASK_COMPLETE.
func SpeakScript(channelID, content string) *llm.ScriptedProvider {
	s := llm.NewScriptedProvider("e2e")
	dmaRound(s).AddRouted(dma.PurposeActionSelection, llm.ScriptEntry{
		Content: fmt.Sprintf(`{"decision": {"action": "SPEAK", "speak": {"channel_id": %q, "content": %q}}, "confidence": 0.9}`, channelID, content),
	})
	dmaRound(s).AddRouted(dma.PurposeActionSelection, llm.ScriptEntry{
		Content: `{"decision": {"action": "PONDER", "ponder": {"note": "anything else?"}}, "confidence": 0.5}`,
	})
	return s
}

// CompleteScript scripts n tasks that each finish in a single round.
func CompleteScript(n int) *llm.ScriptedProvider {
	s := llm.NewScriptedProvider("e2e")
	for i := 0; i < n; i++ {
		dmaRound(s).AddRouted(dma.PurposeActionSelection, llm.ScriptEntry{
			Content: `{"decision": {"action": "TASK_COMPLETE", "complete": {"summary": "done"}}, "confidence": 0.9}`,
		})
	}
	return s
}

// ProhibitedScript scripts a task whose action selection declares an
// outside competency on the Wise Bus denylist.
func ProhibitedScript(channelID, capability string) *llm.ScriptedProvider {
	s := llm.NewScriptedProvider("e2e")
	dmaRound(s).AddRouted(dma.PurposeActionSelection, llm.ScriptEntry{
		Content: fmt.Sprintf(`{"decision": {"action": "SPEAK", "speak": {"channel_id": %q, "content": "it could be a few things"}}, "confidence": 0.6, "guidance_capability": %q}`, channelID, capability),
	})
	return s
}

// PonderScript scripts a task that ponders every round; the round budget
// eventually downgrades it to a deferral.
func PonderScript(rounds int) *llm.ScriptedProvider {
	s := llm.NewScriptedProvider("e2e")
	for i := 0; i < rounds; i++ {
		dmaRound(s).AddRouted(dma.PurposeActionSelection, llm.ScriptEntry{
			Content: `{"decision": {"action": "PONDER", "ponder": {"note": "still thinking"}}, "confidence": 0.5}`,
		})
	}
	return s
}
