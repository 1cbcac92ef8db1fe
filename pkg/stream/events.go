package stream

import (
	"encoding/json"
	"fmt"
)

// Event types emitted over SSE.
const (
	EventGraphStart     = "graph_start"
	EventNodeUpdate     = "node_update"
	EventMessageChunk   = "message_chunk"
	EventToolCallChunks = "tool_call_chunks"
	EventToolCalls      = "tool_calls"
	EventToolCallResult = "tool_call_result"
	EventInterrupt      = "interrupt"
	EventGraphEnd       = "graph_end"
	EventError          = "error"
	EventCancelled      = "cancelled"
)

// Event is a single server-sent event.
type Event struct {
	Type string
	Data map[string]any
}

// NewEvent builds an event over a shallow copy of data, so encoding cannot
// mutate caller state.
func NewEvent(eventType string, data map[string]any) Event {
	copied := make(map[string]any, len(data))
	for k, v := range data {
		copied[k] = v
	}
	return Event{Type: eventType, Data: copied}
}

// Encode renders the event in SSE wire format:
//
//	event: <type>\ndata: <json>\n\n
//
// An empty content field is dropped before encoding.
func (e Event) Encode() []byte {
	if c, ok := e.Data["content"]; ok {
		if s, isStr := c.(string); isStr && s == "" {
			delete(e.Data, "content")
		}
	}

	payload, err := json.Marshal(e.Data)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":"failed to encode event: %s"}`, err))
	}

	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", e.Type, payload))
}

// InterruptOptions are the fixed choices presented on plan-review interrupts.
func InterruptOptions() []map[string]any {
	return []map[string]any{
		{"text": "Edit plan", "value": "edit_plan"},
		{"text": "Start research", "value": "accepted"},
	}
}
