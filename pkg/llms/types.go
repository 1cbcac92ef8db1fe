package llms

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single conversation turn sent to a provider.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolDefinition describes a callable tool in provider-neutral form.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCallDelta is a streamed fragment of a tool call. Args is a raw JSON
// fragment; fragments concatenate across deltas.
type ToolCallDelta struct {
	Index int
	ID    string
	Name  string
	Args  string
}

// StreamChunk is one unit of streaming output.
type StreamChunk struct {
	// Type is one of: text, tool_call_chunk, tool_calls, done, error.
	Type string

	Text         string
	Delta        *ToolCallDelta
	ToolCalls    []ToolCall
	FinishReason string
	Tokens       int
	Error        error
}

// Result is a complete non-streaming response.
type Result struct {
	Text       string
	ToolCalls  []ToolCall
	TokensUsed int
}
