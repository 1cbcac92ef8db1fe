package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/kaflow-ai/kaflow/pkg/checkpoint"
	"github.com/kaflow-ai/kaflow/pkg/graph"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/stream"
)

// Execution statuses reported in results.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ExecutionResult is the outcome of a non-streaming execution.
type ExecutionResult struct {
	Status        string                       `json:"status"`
	FinalResponse string                       `json:"final_response"`
	Messages      []graph.Message              `json:"messages"`
	CurrentStep   string                       `json:"current_step"`
	ToolResults   map[string]any               `json:"tool_results"`
	Context       map[string]any               `json:"context"`
	NodeOutputs   map[string]*graph.NodeOutput `json:"node_outputs"`
	Error         string                       `json:"error,omitempty"`
}

// StreamOptions carries per-request execution settings for streaming runs.
type StreamOptions struct {
	// PlanReview pauses the run after the first agent node and surfaces
	// its output as an interrupt event for client approval.
	PlanReview bool

	// InterruptFeedback resumes a previously interrupted thread; the value
	// ("accepted", "edit_plan") is recorded in the execution context.
	InterruptFeedback string

	// MaxTokens and Temperature override the protocol's llm config for
	// this request only.
	MaxTokens   int
	Temperature *float64

	// CustomConfig is merged into the global execution context.
	CustomConfig map[string]any
}

func (o StreamOptions) apply(state *graph.State) {
	if o.MaxTokens > 0 || o.Temperature != nil {
		state.LLMOverrides = &graph.LLMOverrides{
			MaxTokens:   o.MaxTokens,
			Temperature: o.Temperature,
		}
	}
	for k, v := range o.CustomConfig {
		state.GlobalContext[k] = v
	}
	if o.InterruptFeedback != "" {
		// The plan was already reviewed; carry the verdict instead of
		// pausing again.
		state.Context["interrupt_feedback"] = o.InterruptFeedback
		return
	}
	state.PlanReview = o.PlanReview
}

// Execute runs a workflow to completion and returns the final state.
func (m *Manager) Execute(ctx context.Context, configID, threadID, userInput string) (*ExecutionResult, error) {
	g, p, err := m.Graph(configID)
	if err != nil {
		return nil, err
	}

	saver, err := m.saverFor(ctx, p)
	if err != nil {
		return nil, err
	}
	state, parentID := m.initialState(ctx, saver, threadID, userInput)

	runErr := g.Run(ctx, state, graph.NopEmitter{})

	m.saveCheckpoint(ctx, saver, p, threadID, parentID, state)

	result := &ExecutionResult{
		Status:        StatusCompleted,
		FinalResponse: state.FinalResponse,
		Messages:      state.Messages,
		CurrentStep:   state.CurrentStep,
		ToolResults:   state.ToolResults,
		Context:       state.Context,
		NodeOutputs:   state.NodeOutputs,
	}
	if runErr != nil {
		result.Status = StatusFailed
		result.Error = runErr.Error()
		if errors.Is(runErr, context.Canceled) {
			result.Status = StatusCancelled
		}
	} else if strings.HasPrefix(state.CurrentStep, "agent_failed:") {
		result.Status = StatusFailed
		result.Error = state.FinalResponse
	}
	return result, nil
}

// ExecuteStream runs a workflow, streaming execution events. The returned
// channel closes when the run finishes, pauses for review, fails, or is
// cancelled.
func (m *Manager) ExecuteStream(ctx context.Context, configID, threadID, userInput string, opts StreamOptions) (<-chan stream.Event, error) {
	g, p, err := m.Graph(configID)
	if err != nil {
		return nil, err
	}

	saver, err := m.saverFor(ctx, p)
	if err != nil {
		return nil, err
	}

	events := make(chan stream.Event, 64)
	emitter := &streamEmitter{
		ctx:       ctx,
		processor: stream.NewProcessor(configID, threadID),
		threadID:  threadID,
		events:    events,
	}

	go func() {
		defer close(events)

		state, parentID := m.initialState(ctx, saver, threadID, userInput)
		opts.apply(state)

		emitter.send(stream.NewEvent(stream.EventGraphStart, map[string]any{
			"thread_id": threadID,
			"graph_id":  configID,
		}))

		runErr := g.Run(ctx, state, emitter)

		m.saveCheckpoint(ctx, saver, p, threadID, parentID, state)

		switch {
		case runErr != nil && errors.Is(runErr, context.Canceled):
			slog.Info("Workflow cancelled", "config_id", configID, "thread_id", threadID)
			emitter.send(emitter.processor.Cancelled(emitter.processed))
		case runErr != nil:
			slog.Error("Workflow failed", "config_id", configID, "error", runErr)
			emitter.send(emitter.processor.Error(runErr))
		default:
			if state.Interrupt != nil {
				emitter.send(emitter.processor.Interrupt(state.Interrupt.Node, state.Interrupt.Content))
			}
			emitter.send(stream.NewEvent(stream.EventGraphEnd, map[string]any{
				"thread_id":      threadID,
				"graph_id":       configID,
				"final_response": state.FinalResponse,
			}))
		}
	}()

	return events, nil
}

// initialState builds the starting state, resuming message history from
// the thread's latest checkpoint when one exists.
func (m *Manager) initialState(ctx context.Context, saver checkpoint.Saver, threadID, userInput string) (*graph.State, string) {
	state := graph.NewState(userInput)
	if saver == nil || threadID == "" {
		return state, ""
	}

	latest, err := saver.Latest(ctx, threadID)
	if err != nil || latest == nil || latest.State == nil {
		return state, ""
	}

	state.Messages = append(state.Messages, latest.State.Messages...)
	if userInput != "" {
		state.Messages = append(state.Messages, graph.NewHumanMessage(userInput))
	}

	slog.Info("Resumed thread from checkpoint",
		"thread_id", threadID, "checkpoint_id", latest.ID, "messages", len(latest.State.Messages))
	return state, latest.ID
}

func (m *Manager) saveCheckpoint(ctx context.Context, saver checkpoint.Saver, p *protocol.Protocol, threadID, parentID string, state *graph.State) {
	if saver == nil || threadID == "" {
		return
	}

	cp := checkpoint.New(threadID, parentID, state, map[string]any{"config_id": p.ID})
	if err := saver.Put(ctx, cp); err != nil {
		slog.Warn("Failed to save checkpoint", "thread_id", threadID, "error", err)
		return
	}
	slog.Debug("Saved checkpoint", "thread_id", threadID, "checkpoint_id", cp.ID)
}

// streamEmitter bridges graph execution to the SSE event channel, running
// model chunks through the tool-call processor.
type streamEmitter struct {
	ctx       context.Context
	processor *stream.Processor
	threadID  string
	events    chan stream.Event
	processed int
}

func (e *streamEmitter) Event(ev stream.Event) {
	e.send(ev)
}

func (e *streamEmitter) Chunk(msg *stream.Message) {
	msg.ThreadID = e.threadID
	for _, ev := range e.processor.Process(msg) {
		e.send(ev)
	}
}

func (e *streamEmitter) send(ev stream.Event) {
	// Buffered sends must win over a done context, or terminal events
	// emitted after cancellation would be dropped at random.
	select {
	case e.events <- ev:
		e.processed++
		return
	default:
	}

	select {
	case e.events <- ev:
		e.processed++
	case <-e.ctx.Done():
	}
}
