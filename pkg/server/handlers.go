package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kaflow-ai/kaflow/pkg/checkpoint"
	"github.com/kaflow-ai/kaflow/pkg/engine"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/tool"
	"github.com/kaflow-ai/kaflow/pkg/version"
)

// defaultThreadID asks the server to compose a fresh thread id.
const defaultThreadID = "__default__"

const defaultUsername = "default"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatStreamRequest struct {
	ThreadID          string         `json:"thread_id"`
	ConfigID          string         `json:"config_id"`
	Username          string         `json:"username"`
	UserInput         string         `json:"user_input"`
	Messages          []chatMessage  `json:"messages"`
	MaxTokens         int            `json:"max_tokens"`
	Temperature       *float64       `json:"temperature"`
	CustomConfig      map[string]any `json:"custom_config"`
	AutoAcceptedPlan  *bool          `json:"auto_accepted_plan"`
	InterruptFeedback string         `json:"interrupt_feedback"`
}

// streamOptions maps request knobs onto execution options. Plans are
// auto-accepted unless the client explicitly opts into review.
func (r *chatStreamRequest) streamOptions() engine.StreamOptions {
	return engine.StreamOptions{
		PlanReview:        r.AutoAcceptedPlan != nil && !*r.AutoAcceptedPlan,
		InterruptFeedback: r.InterruptFeedback,
		MaxTokens:         r.MaxTokens,
		Temperature:       r.Temperature,
		CustomConfig:      r.CustomConfig,
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	userInput := req.UserInput
	if userInput == "" && len(req.Messages) > 0 {
		userInput = req.Messages[len(req.Messages)-1].Content
	}
	if userInput == "" {
		writeError(w, http.StatusBadRequest, "user_input or messages is required")
		return
	}

	configID := req.ConfigID
	if configID == "" {
		configID = s.extractConfigID(req.ThreadID)
	}
	if configID == "" {
		writeError(w, http.StatusBadRequest, "config_id is required")
		return
	}

	threadID := req.ThreadID
	if threadID == "" || threadID == defaultThreadID {
		username := req.Username
		if username == "" {
			username = defaultUsername
		}
		threadID = fmt.Sprintf("%s_%s_%s", username, uuid.NewString(), configID)
	}

	events, err := s.manager.ExecuteStream(r.Context(), configID, threadID, userInput, req.streamOptions())
	if err != nil {
		var notFound *engine.NotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":             fmt.Sprintf("workflow config %q not found", configID),
				"available_configs": notFound.Available,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Thread-ID", threadID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if _, err := w.Write(ev.Encode()); err != nil {
			slog.Debug("SSE client disconnected", "thread_id", threadID, "error", err)
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	protocols := s.manager.Protocols()

	configs := make([]map[string]any, 0, len(protocols))
	for _, p := range protocols {
		configs = append(configs, map[string]any{
			"id":          p.ID,
			"name":        p.Meta.Name,
			"version":     p.Meta.Version,
			"description": p.Meta.Description,
			"author":      p.Meta.Author,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"configs": configs,
		"total":   len(configs),
	})
}

type historyRequest struct {
	ThreadID string `json:"thread_id"`
	Username string `json:"username"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Order    string `json:"order"`
}

// descending reports the requested sort order; newest first is the default.
func (r *historyRequest) descending() bool {
	return r.Order != "asc"
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	saver, err := s.saverForThread(r.Context(), req.ThreadID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"checkpoints": []any{}, "total": 0})
		return
	}

	entries, total, _ := saver.HistoryMessages(r.Context(), req.ThreadID, req.Page, req.PageSize)
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":   req.ThreadID,
		"checkpoints": entries,
		"total":       total,
	})
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ThreadID == "" {
		writeError(w, http.StatusBadRequest, "thread_id is required")
		return
	}

	saver, err := s.saverForThread(r.Context(), req.ThreadID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"messages": []any{}, "total": 0})
		return
	}

	messages, total, _ := saver.FlatMessages(r.Context(), req.ThreadID, req.Page, req.PageSize, req.descending())
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": req.ThreadID,
		"messages":  messages,
		"total":     total,
	})
}

func (s *Server) handleChatThreads(w http.ResponseWriter, r *http.Request) {
	var req historyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	// Thread listings span protocols; any saver sees the shared stores.
	saver, err := s.manager.Saver(r.Context(), s.firstConfigID())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"threads": []any{}, "total": 0})
		return
	}

	threads, total, _ := saver.ThreadList(r.Context(), req.Username, req.Page, req.PageSize)
	writeJSON(w, http.StatusOK, map[string]any{
		"threads": threads,
		"total":   total,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"message":        "Service is running",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"configs_loaded": len(s.manager.ConfigIDs()),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

type mcpMetadataRequest struct {
	Name      string            `json:"name"`
	Transport string            `json:"transport"`
	URL       string            `json:"url"`
	Command   string            `json:"command"`
	Args      []string          `json:"args"`
	Env       map[string]string `json:"env"`
	TimeoutMS int               `json:"timeout_ms"`
}

func (s *Server) handleMCPMetadata(w http.ResponseWriter, r *http.Request) {
	var req mcpMetadataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" && req.Command == "" {
		writeError(w, http.StatusBadRequest, "either url or command is required")
		return
	}

	timeout := 30 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	tools, err := tool.DescribeMCPServer(ctx, protocol.MCPServerConfig{
		Name:      req.Name,
		Transport: req.Transport,
		URL:       req.URL,
		Command:   req.Command,
		Args:      req.Args,
		Env:       req.Env,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "MCP server unreachable: "+err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"name":      req.Name,
		"transport": req.Transport,
		"tools":     tools,
	})
}

// extractConfigID recovers the config id from a composed thread id by
// matching the longest trailing underscore segments against known ids.
// Config ids themselves may contain underscores, so longer suffixes win.
func (s *Server) extractConfigID(threadID string) string {
	if threadID == "" || threadID == defaultThreadID {
		return ""
	}

	known := map[string]bool{}
	for _, id := range s.manager.ConfigIDs() {
		known[id] = true
	}

	parts := strings.Split(threadID, "_")
	for n := 3; n >= 1; n-- {
		if len(parts) < n {
			continue
		}
		candidate := strings.Join(parts[len(parts)-n:], "_")
		if known[candidate] {
			return candidate
		}
	}
	return ""
}

// saverForThread resolves the checkpoint store backing a thread via the
// config id embedded in the thread id.
func (s *Server) saverForThread(ctx context.Context, threadID string) (checkpoint.Saver, error) {
	configID := s.extractConfigID(threadID)
	if configID == "" {
		configID = s.firstConfigID()
	}
	return s.manager.Saver(ctx, configID)
}

func (s *Server) firstConfigID() string {
	ids := s.manager.ConfigIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}
