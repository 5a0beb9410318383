package models

// ToolDescriptor advertises one executable tool on the Tool Bus. Name is
// fully qualified as provider.tool; the bare tool name is what the backing
// provider sees.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description,omitempty"`
	InputSchema string `json:"input_schema,omitempty"` // JSON Schema
}

// ToolExecutionResult is the typed outcome of one tool execution.
type ToolExecutionResult struct {
	Name       string `json:"name"` // provider.tool
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// Observation converts the result into the form attached to the next
// thought's context.
func (r *ToolExecutionResult) Observation() ToolObservation {
	return ToolObservation{Name: r.Name, Content: r.Content, IsError: r.IsError}
}
