// Package tools backs the Tool Bus with MCP (Model Context Protocol)
// servers. Each configured server registers as one provider on the tool
// capability; the bus routes fully qualified provider.tool names here with
// the provider prefix already stripped.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cirisai/ciris-engine/pkg/config"
	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/version"
)

// Connection and recovery constants.
const (
	// InitTimeout is the per-server connection timeout (transport + handshake).
	InitTimeout = 30 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// Set conservatively: some tools are legitimately slow. The bus call
	// deadline above this is the hard ceiling.
	OperationTimeout = 25 * time.Second

	// ReinitTimeout is the deadline for recreating a session during recovery.
	ReinitTimeout = 10 * time.Second

	// RetryBackoffMin is the minimum jittered backoff before a session-recovery retry.
	RetryBackoffMin = 250 * time.Millisecond

	// RetryBackoffMax is the maximum jittered backoff before a session-recovery retry.
	RetryBackoffMax = 750 * time.Millisecond
)

// Server is one MCP tool server. It connects lazily, caches its tool
// catalogue until invalidated, and recovers its session once per call on
// transport failure. Safe for concurrent use; it serves calls from several
// pipeline workers at once.
type Server struct {
	name   string
	cfg    *config.ToolServerConfig
	logger *slog.Logger

	// sessionMu serializes connect/reconnect; calls share the session.
	sessionMu sync.Mutex
	session   *mcpsdk.ClientSession

	cacheMu sync.RWMutex
	cache   []*mcpsdk.Tool
}

// NewServer creates a server handle. No connection is made until the first
// call or an explicit Connect.
func NewServer(name string, cfg *config.ToolServerConfig, logger *slog.Logger) *Server {
	if name == "" {
		panic("tools.NewServer: name must not be empty")
	}
	if cfg == nil {
		panic("tools.NewServer: config must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		name:   name,
		cfg:    cfg,
		logger: logger.With("component", "tool_server", "server", name),
	}
}

// Name returns the server's provider name.
func (s *Server) Name() string { return s.name }

// Connect establishes the MCP session if one is not already live.
func (s *Server) Connect(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return s.connectLocked(ctx)
}

// connectLocked dials the server. Caller holds sessionMu.
func (s *Server) connectLocked(ctx context.Context) error {
	if s.session != nil {
		return nil
	}

	transport, err := newTransport(s.cfg)
	if err != nil {
		return fmt.Errorf("transport for tool server %q: %w", s.name, err)
	}

	initCtx, cancel := context.WithTimeout(ctx, InitTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.Build.App,
		Version: version.Build.Commit,
	}, nil)

	session, err := client.Connect(initCtx, transport, nil)
	if err != nil {
		// Close the transport if it holds resources (stdio child processes).
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("connect to tool server %q: %w", s.name, err)
	}

	s.session = session
	s.logger.Info("Tool server connected")
	return nil
}

// ListTools returns this server's catalogue with bare tool names; the bus
// qualifies them. The AllowedTools filter from config applies here so
// restricted tools are invisible, not merely refused.
func (s *Server) ListTools(ctx context.Context) ([]models.ToolDescriptor, error) {
	tools, err := s.listRaw(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]models.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		if !s.allowed(tool.Name) {
			continue
		}
		out = append(out, models.ToolDescriptor{
			Name:        tool.Name,
			Provider:    s.name,
			Description: tool.Description,
			InputSchema: marshalSchema(tool.InputSchema),
		})
	}
	return out, nil
}

// Execute runs one tool. In-tool failures come back as a result with IsError
// set; transport and routing failures are Go errors. On a recoverable
// transport failure the session is recreated and the call retried once.
func (s *Server) Execute(ctx context.Context, tool, arguments string) (*models.ToolExecutionResult, error) {
	if !s.allowed(tool) {
		return &models.ToolExecutionResult{
			Content: fmt.Sprintf("tool %q is not available on server %q", tool, s.name),
			IsError: true,
		}, nil
	}

	args, err := ParseArguments(arguments)
	if err != nil {
		return &models.ToolExecutionResult{
			Content: fmt.Sprintf("failed to parse tool arguments: %s", err),
			IsError: true,
		}, nil
	}
	params := &mcpsdk.CallToolParams{Name: tool, Arguments: args}

	result, err := s.callOnce(ctx, params)
	if err != nil && classifyError(err) == retryNewSession {
		s.logger.Info("Tool call failed, recovering session", "tool", tool, "error", err)

		backoff := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if rerr := s.recreateSession(ctx); rerr != nil {
			return nil, fmt.Errorf("session recovery for %q: %w", s.name, rerr)
		}
		result, err = s.callOnce(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("tool %s.%s: %w", s.name, tool, err)
	}

	return &models.ToolExecutionResult{
		Content: extractTextContent(result, s.logger),
		IsError: result.IsError,
	}, nil
}

// Close shuts the session down. The server may be reconnected afterwards.
func (s *Server) Close() error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.session == nil {
		return nil
	}
	err := s.session.Close()
	s.session = nil
	s.invalidateCache()
	return err
}

// InvalidateCache drops the cached catalogue so the next ListTools re-probes
// the server. Used by the health monitor.
func (s *Server) InvalidateCache() {
	s.invalidateCache()
}

func (s *Server) invalidateCache() {
	s.cacheMu.Lock()
	s.cache = nil
	s.cacheMu.Unlock()
}

func (s *Server) listRaw(ctx context.Context) ([]*mcpsdk.Tool, error) {
	s.cacheMu.RLock()
	if s.cache != nil {
		cached := s.cache
		s.cacheMu.RUnlock()
		return cached, nil
	}
	s.cacheMu.RUnlock()

	session, err := s.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()

	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools from %q: %w", s.name, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	s.cacheMu.Lock()
	s.cache = tools
	s.cacheMu.Unlock()
	return tools, nil
}

func (s *Server) callOnce(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	session, err := s.ensureSession(ctx)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, params)
}

func (s *Server) ensureSession(ctx context.Context) (*mcpsdk.ClientSession, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s.session, nil
}

// recreateSession tears down and redials. If two calls race into recovery the
// second tears down a fresh session and dials again; the cost is one extra
// handshake.
func (s *Server) recreateSession(ctx context.Context) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
	s.invalidateCache()

	reinitCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()
	return s.connectLocked(reinitCtx)
}

func (s *Server) allowed(tool string) bool {
	if len(s.cfg.AllowedTools) == 0 {
		return true
	}
	return slices.Contains(s.cfg.AllowedTools, tool)
}

// extractTextContent concatenates the text items of an MCP result. Non-text
// content (images, embedded resources) is skipped.
func extractTextContent(result *mcpsdk.CallToolResult, logger *slog.Logger) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			logger.Debug("Tool returned non-text content, skipping",
				"content_type", fmt.Sprintf("%T", c))
		}
	}
	return joinLines(parts)
}

func joinLines(parts []string) string {
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	}
	out := parts[0]
	for _, p := range parts[1:] {
		out += "\n" + p
	}
	return out
}

// marshalSchema serializes a tool's input schema to a JSON string.
func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}
