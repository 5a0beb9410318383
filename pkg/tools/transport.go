package tools

import (
	"fmt"
	"os"
	"os/exec"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cirisai/ciris-engine/pkg/config"
)

// newTransport creates an MCP SDK transport from a tool server config.
func newTransport(cfg *config.ToolServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case config.TransportTypeStdio:
		return newStdioTransport(cfg)
	case config.TransportTypeHTTP:
		return newHTTPTransport(cfg)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

func newStdioTransport(cfg *config.ToolServerConfig) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("stdio transport requires command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)

	// Inherit parent environment + config overrides. Values are already
	// env-expanded by the config loader.
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func newHTTPTransport(cfg *config.ToolServerConfig) (*mcpsdk.StreamableClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http transport requires url")
	}
	return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
}
