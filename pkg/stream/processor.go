package stream

import (
	"strings"
)

// Processor turns raw stream messages into SSE events, routing fragmented
// tool calls through the assembler and cleaning tool_call_ids.
type Processor struct {
	graphID   string
	threadID  string
	assembler *Assembler
}

func NewProcessor(graphID, threadID string) *Processor {
	return &Processor{
		graphID:   graphID,
		threadID:  threadID,
		assembler: NewAssembler(),
	}
}

// CleanToolCallID strips repeated accumulation artifacts out of a
// tool_call_id. Two known corruptions: an OpenAI call_ prefix repeated
// (call_abccall_abc), and a 32-hex-char id concatenated with itself.
func CleanToolCallID(raw string) string {
	if raw == "" {
		return raw
	}

	if strings.HasPrefix(raw, "call_") {
		parts := strings.Split(raw, "call_")
		if len(parts) > 2 {
			return "call_" + parts[1]
		}
		return raw
	}

	if len(raw) >= 64 {
		first32 := raw[:32]
		if raw == strings.Repeat(first32, len(raw)/32) {
			return first32
		}
	}

	return raw
}

// baseData builds the common event payload for a message.
func (p *Processor) baseData(msg *Message) map[string]any {
	data := map[string]any{
		"thread_id": p.threadID,
		"agent":     msg.Agent,
		"id":        msg.ID,
		"role":      "assistant",
		"content":   msg.Content,
	}
	if msg.ReasoningContent != "" {
		data["reasoning_content"] = msg.ReasoningContent
	}
	if msg.FinishReason != "" {
		data["finish_reason"] = msg.FinishReason
	}
	return data
}

// Process routes one stream message, returning zero or more events.
func (p *Processor) Process(msg *Message) []Event {
	data := p.baseData(msg)

	if msg.ToolResult {
		data["tool_call_id"] = CleanToolCallID(msg.ToolCallID)
		return []Event{NewEvent(EventToolCallResult, data)}
	}

	if len(msg.ToolCalls) > 0 {
		return p.processToolCalls(msg, data)
	}

	if len(msg.ToolCallChunks) > 0 {
		return p.processToolCallChunks(msg, data)
	}

	return p.processContent(msg, data)
}

func (p *Processor) processToolCalls(msg *Message, data map[string]any) []Event {
	data["tool_calls"] = msg.ToolCalls
	data["tool_call_chunks"] = msg.ToolCallChunks

	if p.assembler.IsAssembling() && p.assembler.ShouldFinalize(msg) {
		if call := p.assembler.Finalize(msg); call != nil {
			return []Event{p.assembledEvent(msg, call)}
		}
		return nil
	}

	if p.assembler.IsAssembling() {
		for _, chunk := range msg.ToolCallChunks {
			if chunk.Args != "" {
				p.assembler.Accumulate(msg.ToolCallChunks)
				break
			}
		}
		return nil
	}

	if p.assembler.ShouldStart(msg) {
		p.assembler.Start(msg)
		if len(msg.ToolCallChunks) > 1 {
			p.assembler.Accumulate(msg.ToolCallChunks[1:])
		}
		return nil
	}

	// Never emit incomplete tool_calls; fall back to assembling them.
	for _, call := range msg.ToolCalls {
		if emptyName(call.Name) || len(call.Args) == 0 {
			p.assembler.Start(msg)
			return nil
		}
	}

	return []Event{NewEvent(EventToolCalls, data)}
}

func (p *Processor) processToolCallChunks(msg *Message, data map[string]any) []Event {
	data["tool_call_chunks"] = msg.ToolCallChunks

	if !p.assembler.IsAssembling() && p.assembler.ShouldStart(msg) {
		p.assembler.Start(msg)
		return nil
	}

	if p.assembler.IsAssembling() {
		p.assembler.Accumulate(msg.ToolCallChunks)
		return nil
	}

	return []Event{NewEvent(EventToolCallChunks, data)}
}

func (p *Processor) processContent(msg *Message, data map[string]any) []Event {
	// Drop chunks that carry neither content nor a finish reason.
	if msg.Content == "" && msg.FinishReason == "" {
		return nil
	}

	if p.assembler.IsAssembling() && p.assembler.ShouldStop(msg) {
		if call := p.assembler.Finalize(msg); call != nil {
			return []Event{p.assembledEvent(msg, call)}
		}
		return nil
	}

	return []Event{NewEvent(EventMessageChunk, data)}
}

func (p *Processor) assembledEvent(msg *Message, call *ToolCall) Event {
	return NewEvent(EventToolCalls, map[string]any{
		"thread_id":     p.threadID,
		"agent":         msg.Agent,
		"id":            msg.ID,
		"role":          "assistant",
		"tool_calls":    []ToolCall{*call},
		"finish_reason": "tool_calls",
	})
}

// Interrupt builds a plan-review interrupt event.
func (p *Processor) Interrupt(id, content string) Event {
	return NewEvent(EventInterrupt, map[string]any{
		"thread_id":     p.threadID,
		"id":            id,
		"role":          "assistant",
		"content":       content,
		"finish_reason": "interrupt",
		"options":       InterruptOptions(),
	})
}

// Cancelled builds the terminal event for a cancelled stream.
func (p *Processor) Cancelled(eventsProcessed int) Event {
	return NewEvent(EventCancelled, map[string]any{
		"thread_id":        p.threadID,
		"graph_id":         p.graphID,
		"message":          "generation stopped",
		"events_processed": eventsProcessed,
	})
}

// Error builds the terminal event for a failed stream.
func (p *Processor) Error(err error) Event {
	return NewEvent(EventError, map[string]any{
		"error":    err.Error(),
		"graph_id": p.graphID,
	})
}
