package models

import "time"

// CorrelationStatus is the recorded outcome of one traced operation.
type CorrelationStatus string

const (
	CorrelationOK      CorrelationStatus = "ok"
	CorrelationError   CorrelationStatus = "error"
	CorrelationTimeout CorrelationStatus = "timeout"
)

// TokenUsage captures LLM token/cost accounting for one call.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd,omitempty"`
}

// Correlation is one handler invocation or bus call: the persistent trace
// record linking tasks, thoughts, and spans.
type Correlation struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id,omitempty"`
	ThoughtID    string            `json:"thought_id,omitempty"`
	SpanID       string            `json:"span_id"`
	ParentSpanID string            `json:"parent_span_id,omitempty"`
	Service      string            `json:"service"`   // capability or handler name
	Operation    string            `json:"operation"` // e.g. send, recall, call, execute
	Status       CorrelationStatus `json:"status"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Request      string            `json:"request,omitempty"`  // bounded summary
	Response     string            `json:"response,omitempty"` // bounded summary
	Tokens       *TokenUsage       `json:"tokens,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
}

// ChannelDirection distinguishes inbound and outbound channel messages.
type ChannelDirection string

const (
	DirectionInbound  ChannelDirection = "inbound"
	DirectionOutbound ChannelDirection = "outbound"
)

// ChannelMessage is one message on an adapter channel, persisted for
// history fetches and OBSERVE idempotency.
type ChannelMessage struct {
	ID         string           `json:"id"`
	ChannelID  string           `json:"channel_id"`
	AdapterID  string           `json:"adapter_id"`
	Direction  ChannelDirection `json:"direction"`
	ExternalID string           `json:"external_id,omitempty"`
	AuthorID   string           `json:"author_id,omitempty"`
	Content    string           `json:"content"`
	CreatedAt  time.Time        `json:"created_at"`
}
