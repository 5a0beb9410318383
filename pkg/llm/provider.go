// Package llm defines the provider contract the LLM Bus selects over, plus
// the scripted deterministic provider used for tests and offline runs. The
// wire protocol to real model backends lives behind the Provider interface;
// the engine only sees typed requests and responses.
package llm

import (
	"context"
	"fmt"

	"github.com/cirisai/ciris-engine/pkg/models"
)

// Role identifies the author of a conversation message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation sent to a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is one model invocation. Purpose names the evaluation being run
// (ethical_dma, action_selection, ...); it routes scripted providers and is
// recorded as the correlation operation.
type Request struct {
	Purpose     string    `json:"purpose"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Validate checks the request shape before it reaches a provider.
func (r *Request) Validate() error {
	if r.Purpose == "" {
		return fmt.Errorf("request purpose is required")
	}
	if r.System == "" && len(r.Messages) == 0 {
		return fmt.Errorf("request carries no prompt content")
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return fmt.Errorf("message %d has unknown role %q", i, m.Role)
		}
	}
	return nil
}

// Response is a completed model invocation.
type Response struct {
	Content string            `json:"content"`
	Model   string            `json:"model,omitempty"`
	Usage   models.TokenUsage `json:"usage"`
}

// Provider is a single model backend. Implementations must be safe for
// concurrent use; the bus may issue calls from several pipeline workers at
// once.
type Provider interface {
	Call(ctx context.Context, req *Request) (*Response, error)
}
