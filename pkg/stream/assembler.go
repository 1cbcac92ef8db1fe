package stream

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// ToolCallChunk is a fragment of a streamed tool call. Args carries a raw
// JSON fragment that only parses once all fragments are concatenated.
type ToolCallChunk struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Args  string `json:"args,omitempty"`
}

// ToolCall is a complete tool invocation request.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	Type string         `json:"type"`
}

// Message is the normalized per-chunk payload crossing the processor,
// mirroring what an LLM stream produces for one delta.
type Message struct {
	ThreadID         string
	Agent            string
	ID               string
	Role             string
	Content          string
	ReasoningContent string
	FinishReason     string
	ToolCalls        []ToolCall
	ToolCallChunks   []ToolCallChunk

	// ToolResult marks a tool execution result; ToolCallID identifies the
	// originating call.
	ToolResult bool
	ToolCallID string
}

func emptyName(name string) bool {
	return name == "" || name == "null"
}

// Assembler reassembles fragmented tool-call chunks into a single complete
// tool call. It is a two-state machine: idle until a named chunk (or an
// incomplete tool_calls entry accompanied by chunks) arrives, assembling
// until a complete tool_calls entry or a tool_calls finish_reason shows up.
type Assembler struct {
	assembling      bool
	current         *ToolCall
	accumulatedArgs strings.Builder
}

func NewAssembler() *Assembler {
	return &Assembler{}
}

func (a *Assembler) Reset() {
	a.assembling = false
	a.current = nil
	a.accumulatedArgs.Reset()
}

func (a *Assembler) IsAssembling() bool {
	return a.assembling
}

// ShouldStart reports whether this message opens a fragmented tool call.
func (a *Assembler) ShouldStart(msg *Message) bool {
	// Chunks only, with at least one named chunk.
	if len(msg.ToolCallChunks) > 0 && len(msg.ToolCalls) == 0 {
		for _, chunk := range msg.ToolCallChunks {
			if !emptyName(chunk.Name) {
				return true
			}
		}
		return false
	}

	// Incomplete tool_calls accompanied by chunks.
	if len(msg.ToolCalls) > 0 && len(msg.ToolCallChunks) > 0 {
		for _, call := range msg.ToolCalls {
			if emptyName(call.Name) || len(call.Args) == 0 {
				return true
			}
		}
	}

	return false
}

// ShouldFinalize reports whether this message completes the tool call.
func (a *Assembler) ShouldFinalize(msg *Message) bool {
	if len(msg.ToolCalls) == 0 {
		return false
	}
	if len(msg.ToolCallChunks) == 0 {
		return true
	}
	for _, call := range msg.ToolCalls {
		if len(call.Args) > 0 {
			return true
		}
	}
	return false
}

// ShouldStop reports whether a plain chunk terminates assembly
// (finish_reason tool_calls with no further chunks).
func (a *Assembler) ShouldStop(msg *Message) bool {
	return len(msg.ToolCallChunks) == 0 && msg.FinishReason == "tool_calls"
}

// Start opens assembly, seeding id/name from tool_calls and the first chunk.
func (a *Assembler) Start(msg *Message) {
	a.assembling = true
	a.accumulatedArgs.Reset()

	var id, name string

	if len(msg.ToolCalls) > 0 {
		first := msg.ToolCalls[0]
		id = first.ID
		if !emptyName(first.Name) {
			name = first.Name
		}
	}

	if len(msg.ToolCallChunks) > 0 {
		first := msg.ToolCallChunks[0]
		if first.ID != "" {
			id = first.ID
		}
		if !emptyName(first.Name) {
			name = first.Name
		}
		if first.Args != "" {
			a.accumulatedArgs.WriteString(first.Args)
		}
	}

	a.current = &ToolCall{
		ID:   id,
		Name: name,
		Args: map[string]any{},
		Type: "function",
	}
}

// Accumulate appends argument fragments from every chunk in the message.
func (a *Assembler) Accumulate(chunks []ToolCallChunk) {
	for _, chunk := range chunks {
		if chunk.Args != "" {
			a.accumulatedArgs.WriteString(chunk.Args)
		}
	}
}

// Finalize parses the accumulated arguments and returns the completed call.
// Unparseable arguments are preserved under raw_args. Returns nil when no
// assembly is in progress.
func (a *Assembler) Finalize(msg *Message) *ToolCall {
	if a.current == nil {
		return nil
	}

	// Late name/id corrections from the final tool_calls entry.
	if len(msg.ToolCalls) > 0 {
		final := msg.ToolCalls[0]
		if a.current.Name == "" && !emptyName(final.Name) {
			a.current.Name = final.Name
		}
		if a.current.ID == "" && final.ID != "" {
			a.current.ID = final.ID
		}
	}

	raw := strings.TrimSpace(a.accumulatedArgs.String())
	if raw == "" {
		a.current.Args = map[string]any{}
	} else {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			slog.Warn("Failed to parse assembled tool call args as JSON",
				"error", err, "raw_len", len(raw))
			a.current.Args = map[string]any{"raw_args": raw}
		} else {
			a.current.Args = parsed
		}
	}

	call := a.current
	slog.Info("Assembled tool call", "name", call.Name, "args_len", a.accumulatedArgs.Len())
	a.Reset()
	return call
}
