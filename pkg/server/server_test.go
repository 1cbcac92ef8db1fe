package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaflow-ai/kaflow/pkg/checkpoint"
	"github.com/kaflow-ai/kaflow/pkg/config"
	"github.com/kaflow-ai/kaflow/pkg/engine"
	"github.com/kaflow-ai/kaflow/pkg/graph"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/tool"
)

func testProtocol(id, name string) *protocol.Protocol {
	p := &protocol.Protocol{
		ID:   id,
		Meta: protocol.Meta{Name: name, Version: "1.0", Description: "test workflow"},
		LLM:  &protocol.LLMConfig{Provider: "openai", Model: "gpt-test", APIKey: "test-key"},
		Agents: map[string]*protocol.AgentInfo{
			"responder": {Name: "responder", Type: protocol.AgentTypePlain},
		},
		Workflow: protocol.Workflow{
			Nodes: []protocol.Node{
				{Name: "start_node", Type: protocol.NodeTypeStart},
				{Name: "responder_node", Type: protocol.NodeTypeAgent, AgentRef: "responder"},
				{Name: "end_node", Type: protocol.NodeTypeEnd},
			},
			Edges: []protocol.Edge{
				{From: "start_node", To: "responder_node"},
				{From: "responder_node", To: "end_node"},
			},
		},
	}
	p.SetDefaults()
	return p
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	cfg, err := config.Load([]byte("{}"))
	require.NoError(t, err)

	reg := protocol.NewRegistry()
	require.NoError(t, reg.Set("flow", testProtocol("flow", "Flow")))
	require.NoError(t, reg.Set("deep_research", testProtocol("deep_research", "Deep Research")))

	manager := engine.NewManager(cfg, reg, tool.NewRegistry())
	return New(cfg.Server, manager)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "ok", payload["status"])
	assert.Equal(t, "Service is running", payload["message"])
	assert.NotEmpty(t, payload["timestamp"])
	assert.Equal(t, float64(2), payload["configs_loaded"])
}

func TestVersion(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/version", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "dev", payload["version"])
	assert.NotEmpty(t, payload["go_version"])
}

func TestConfigs(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/configs", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(2), payload["total"])

	configs := payload["configs"].([]any)
	require.Len(t, configs, 2)

	ids := map[string]bool{}
	for _, c := range configs {
		entry := c.(map[string]any)
		ids[entry["id"].(string)] = true
		assert.NotEmpty(t, entry["name"])
	}
	assert.True(t, ids["flow"])
	assert.True(t, ids["deep_research"])
}

func TestChatStream_RequiresInput(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/chat/stream", map[string]any{
		"config_id": "flow",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "user_input")
}

func TestChatStream_RequiresConfigID(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/chat/stream", map[string]any{
		"user_input": "hello",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "config_id")
}

func TestChatStream_UnknownConfig(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/chat/stream", map[string]any{
		"config_id":  "missing",
		"user_input": "hello",
	})

	require.Equal(t, http.StatusNotFound, rec.Code)
	payload := decodeBody(t, rec)
	assert.Contains(t, payload["error"], "missing")

	available := payload["available_configs"].([]any)
	assert.ElementsMatch(t, []any{"flow", "deep_research"}, available)
}

func TestChatStream_FallsBackToLastMessage(t *testing.T) {
	s := newTestServer(t)

	// user_input omitted; the last message supplies it. Unknown config keeps
	// the test offline, but the request must get past input validation.
	rec := doJSON(t, s, http.MethodPost, "/api/chat/stream", map[string]any{
		"config_id": "missing",
		"messages": []map[string]any{
			{"role": "user", "content": "first"},
			{"role": "user", "content": "latest question"},
		},
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatHistory(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/chat/history", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/chat/history", map[string]any{
		"thread_id": "alice_t1_flow",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(0), payload["total"])
	assert.Equal(t, "alice_t1_flow", payload["thread_id"])
}

func TestChatMessages(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/chat/messages", map[string]any{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/chat/messages", map[string]any{
		"thread_id": "alice_t1_flow",
		"page":      1,
		"page_size": 20,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(0), payload["total"])
	assert.Empty(t, payload["messages"])
}

func TestChatMessages_PagingAndOrder(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	threadID := "alice_t9_flow"

	saver, err := s.manager.Saver(ctx, "flow")
	require.NoError(t, err)

	state := graph.NewState("")
	state.Messages = []graph.Message{
		graph.NewHumanMessage("question one"),
		graph.NewAIMessage("answer one"),
		graph.NewHumanMessage("question two"),
		graph.NewAIMessage("answer two"),
	}
	require.NoError(t, saver.Put(ctx, checkpoint.New(threadID, "", state, nil)))

	rec := doJSON(t, s, http.MethodPost, "/api/chat/messages", map[string]any{
		"thread_id": threadID,
		"page":      1,
		"page_size": 2,
		"order":     "asc",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(4), payload["total"])

	messages := payload["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "question one", messages[0].(map[string]any)["content"])

	// Order defaults to newest first.
	rec = doJSON(t, s, http.MethodPost, "/api/chat/messages", map[string]any{
		"thread_id": threadID,
		"page":      1,
		"page_size": 2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	messages = decodeBody(t, rec)["messages"].([]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "answer two", messages[0].(map[string]any)["content"])
}

func TestChatThreads(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/chat/threads", map[string]any{
		"username": "alice",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, float64(0), payload["total"])
}

func TestMCPMetadata_RequiresTarget(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodPost, "/api/mcp/server/metadata", map[string]any{
		"name": "some-server",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], "url or command")
}

func TestExtractConfigID(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		threadID string
		want     string
	}{
		{"single segment id", "alice_uuid_flow", "flow"},
		{"underscored id", "alice_uuid_deep_research", "deep_research"},
		{"unknown id", "alice_uuid_other", ""},
		{"empty", "", ""},
		{"default placeholder", "__default__", ""},
		{"bare config id", "flow", "flow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.extractConfigID(tt.threadID))
		})
	}
}
