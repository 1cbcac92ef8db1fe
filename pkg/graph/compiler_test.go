package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaflow-ai/kaflow/pkg/config"
	"github.com/kaflow-ai/kaflow/pkg/llms"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/stream"
	"github.com/kaflow-ai/kaflow/pkg/tool"
)

// mockTurn is one scripted model response.
type mockTurn struct {
	text      string
	toolCalls []llms.ToolCall
	err       error
}

// mockProvider replays scripted turns; the last turn repeats when the
// script runs out.
type mockProvider struct {
	mu    sync.Mutex
	turns []mockTurn
	calls int
}

func (m *mockProvider) next() mockTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	turn := m.turns[len(m.turns)-1]
	if m.calls < len(m.turns) {
		turn = m.turns[m.calls]
	}
	m.calls++
	return turn
}

func (m *mockProvider) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (*llms.Result, error) {
	turn := m.next()
	if turn.err != nil {
		return nil, turn.err
	}
	return &llms.Result{Text: turn.text, ToolCalls: turn.toolCalls}, nil
}

func (m *mockProvider) GenerateStreaming(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	turn := m.next()
	ch := make(chan llms.StreamChunk, 4)
	go func() {
		defer close(ch)
		if turn.err != nil {
			ch <- llms.StreamChunk{Type: "error", Error: turn.err}
			return
		}
		if turn.text != "" {
			ch <- llms.StreamChunk{Type: "text", Text: turn.text}
		}
		if len(turn.toolCalls) > 0 {
			ch <- llms.StreamChunk{Type: "tool_calls", ToolCalls: turn.toolCalls, FinishReason: "tool_calls"}
			return
		}
		ch <- llms.StreamChunk{Type: "done", FinishReason: "stop"}
	}()
	return ch, nil
}

func (m *mockProvider) ModelName() string { return "mock" }
func (m *mockProvider) Close() error      { return nil }

// recordingEmitter captures everything execution emits.
type recordingEmitter struct {
	mu     sync.Mutex
	events []stream.Event
	chunks []*stream.Message
}

func (r *recordingEmitter) Event(ev stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) Chunk(msg *stream.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, msg)
}

func (r *recordingEmitter) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, len(r.events))
	for i, ev := range r.events {
		types[i] = ev.Type
	}
	return types
}

func testCompiler(t *testing.T, provider llms.Provider) *Compiler {
	t.Helper()
	c := NewCompiler(tool.NewRegistry(), config.CompletionConfig{
		Indicators: []string{"final answer:"},
	})
	c.NewProvider = func(cfg protocol.LLMConfig) (llms.Provider, error) {
		return provider, nil
	}
	return c
}

func linearProtocol() *protocol.Protocol {
	p := &protocol.Protocol{
		ID:   "linear",
		Meta: protocol.Meta{Name: "Linear", Version: "1.0"},
		LLM:  &protocol.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Agents: map[string]*protocol.AgentInfo{
			"assistant": {Name: "assistant", Type: protocol.AgentTypePlain},
		},
		Workflow: protocol.Workflow{
			Nodes: []protocol.Node{
				{Name: "start_node", Type: protocol.NodeTypeStart},
				{Name: "reply", Type: protocol.NodeTypeAgent, AgentRef: "assistant",
					Outputs: []protocol.IOField{{Name: "response"}}},
				{Name: "end_node", Type: protocol.NodeTypeEnd},
			},
			Edges: []protocol.Edge{
				{From: "start_node", To: "reply"},
				{From: "reply", To: "end_node"},
			},
		},
	}
	p.SetDefaults()
	return p
}

func TestRun_LinearFlow(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "hello there"}}}
	c := testCompiler(t, provider)

	g, err := c.Compile(linearProtocol())
	require.NoError(t, err)
	assert.Equal(t, "start_node", g.Entry())

	s := NewState("hi")
	emitter := &recordingEmitter{}
	require.NoError(t, g.Run(context.Background(), s, emitter))

	assert.Equal(t, "hello there", s.FinalResponse)
	assert.Equal(t, "completed:end_node", s.CurrentStep)
	assert.Equal(t, []string{"start_node", "reply", "end_node"}, s.NodeOrder)
	assert.Equal(t, StatusCompleted, s.NodeOutput("reply").Status)
	assert.Equal(t, "hello there", s.NodeOutput("reply").Outputs["response"])

	// The end node snapshots the run.
	endOut := s.NodeOutput("end_node")
	require.NotNil(t, endOut)
	assert.Equal(t, "hello there", endOut.Outputs["final_response"])

	// One node_update per executed node.
	assert.Equal(t, []string{
		stream.EventNodeUpdate, stream.EventNodeUpdate, stream.EventNodeUpdate,
	}, emitter.eventTypes())
}

func TestRun_StartNodeSeedsMessages(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "ok"}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(linearProtocol())
	require.NoError(t, err)

	s := NewState("the question")
	require.NoError(t, g.Run(context.Background(), s, nil))

	require.NotEmpty(t, s.Messages)
	assert.Equal(t, RoleHuman, s.Messages[0].Role)
	assert.Equal(t, "the question", s.Messages[0].Content)
}

func conditionProtocol() *protocol.Protocol {
	p := &protocol.Protocol{
		ID:   "branching",
		Meta: protocol.Meta{Name: "Branching", Version: "1.0"},
		LLM:  &protocol.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Agents: map[string]*protocol.AgentInfo{
			"worker":     {Name: "worker", Type: protocol.AgentTypePlain},
			"summarizer": {Name: "summarizer", Type: protocol.AgentTypePlain},
		},
		Workflow: protocol.Workflow{
			Nodes: []protocol.Node{
				{Name: "start_node", Type: protocol.NodeTypeStart},
				{Name: "work", Type: protocol.NodeTypeAgent, AgentRef: "worker"},
				{Name: "gate", Type: protocol.NodeTypeCondition, Conditions: map[string]string{
					"ok":     `work.status == "completed"`,
					"failed": `work.status == "failed"`,
				}},
				{Name: "summarize", Type: protocol.NodeTypeAgent, AgentRef: "summarizer"},
				{Name: "end_node", Type: protocol.NodeTypeEnd},
			},
			Edges: []protocol.Edge{
				{From: "start_node", To: "work"},
				{From: "work", To: "gate"},
				{From: "gate", To: "summarize", Condition: "ok"},
				{From: "gate", To: "end_node", Condition: "failed"},
				{From: "summarize", To: "end_node"},
			},
		},
	}
	p.SetDefaults()
	return p
}

func TestRun_ConditionRouting(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "work output"}, {text: "summary"}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(conditionProtocol())
	require.NoError(t, err)

	s := NewState("go")
	require.NoError(t, g.Run(context.Background(), s, nil))

	gate := s.NodeOutput("gate")
	require.NotNil(t, gate)
	assert.True(t, gate.ConditionResults["ok"])
	assert.False(t, gate.ConditionResults["failed"])

	// The ok branch ran.
	assert.Contains(t, s.NodeOrder, "summarize")
	assert.Equal(t, "summary", s.FinalResponse)
}

func TestRun_ConditionRoutesFailureBranch(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{err: errors.New("model exploded")}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(conditionProtocol())
	require.NoError(t, err)

	s := NewState("go")
	require.NoError(t, g.Run(context.Background(), s, nil))

	// Agent failure is contained: status failed, execution continued.
	work := s.NodeOutput("work")
	require.NotNil(t, work)
	assert.Equal(t, StatusFailed, work.Status)
	assert.Contains(t, work.Error, "model exploded")

	gate := s.NodeOutput("gate")
	require.NotNil(t, gate)
	assert.True(t, gate.ConditionResults["failed"])

	// Routed straight to the end, skipping summarize.
	assert.NotContains(t, s.NodeOrder, "summarize")
	assert.Equal(t, "completed:end_node", s.CurrentStep)
	assert.Contains(t, s.FinalResponse, "model exploded")

	// The error is surfaced in the conversation.
	last := s.Messages[len(s.Messages)-1]
	assert.Equal(t, RoleAI, last.Role)
	assert.Contains(t, last.Content, "model exploded")
}

func TestRun_NoConditionMatchedRoutesToEnd(t *testing.T) {
	p := conditionProtocol()
	// A gate that can never be true.
	p.Workflow.Nodes[2].Conditions = map[string]string{
		"ok":     `work.status == "never"`,
		"failed": `work.status == "also_never"`,
	}
	provider := &mockProvider{turns: []mockTurn{{text: "work output"}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(p)
	require.NoError(t, err)

	s := NewState("go")
	require.NoError(t, g.Run(context.Background(), s, nil))
	assert.NotContains(t, s.NodeOrder, "summarize")
	assert.NotContains(t, s.NodeOrder, "end_node")
}

func loopProtocol(loop protocol.LoopConfig) *protocol.Protocol {
	p := &protocol.Protocol{
		ID:   "looping",
		Meta: protocol.Meta{Name: "Looping", Version: "1.0"},
		LLM:  &protocol.LLMConfig{Provider: "openai", Model: "gpt-4o-mini"},
		Agents: map[string]*protocol.AgentInfo{
			"researcher": {Name: "researcher", Type: protocol.AgentTypeReact, Loop: loop},
			"fallback":   {Name: "fallback", Type: protocol.AgentTypePlain},
		},
		Workflow: protocol.Workflow{
			Nodes: []protocol.Node{
				{Name: "start_node", Type: protocol.NodeTypeStart},
				{Name: "research", Type: protocol.NodeTypeAgent, AgentRef: "researcher"},
				{Name: "direct_reply", Type: protocol.NodeTypeAgent, AgentRef: "fallback"},
				{Name: "end_node", Type: protocol.NodeTypeEnd},
			},
			Edges: []protocol.Edge{
				{From: "start_node", To: "research"},
				{From: "research", To: "end_node"},
				{From: "direct_reply", To: "end_node"},
			},
		},
	}
	return p
}

func TestRun_LoopCompletesOnIndicator(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{
		{text: "still thinking"},
		{text: "Final Answer: 42"},
	}}
	c := testCompiler(t, provider)
	g, err := c.Compile(loopProtocol(protocol.LoopConfig{
		Enable:        true,
		MaxIterations: 5,
		LoopDelay:     time.Millisecond,
	}))
	require.NoError(t, err)

	s := NewState("compute")
	require.NoError(t, g.Run(context.Background(), s, nil))

	out := s.NodeOutput("research")
	require.NotNil(t, out)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, 2, out.LoopCount)
	assert.Equal(t, "Final Answer: 42", s.FinalResponse)
}

func TestRun_LoopHitsIterationCap(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "never done"}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(loopProtocol(protocol.LoopConfig{
		Enable:        true,
		MaxIterations: 3,
		LoopDelay:     time.Millisecond,
		// Suppress the first-iteration jump so the loop runs out.
	}))
	require.NoError(t, err)

	s := NewState("compute")
	require.NoError(t, g.Run(context.Background(), s, nil))

	out := s.NodeOutput("research")
	require.NotNil(t, out)
	assert.Equal(t, 3, out.LoopCount)
	assert.Equal(t, 3, out.MaxIterations)
	assert.Equal(t, "never done", s.FinalResponse)
}

func TestRun_NoToolGotoRedirects(t *testing.T) {
	// First iteration produces no tool activity, so execution jumps to
	// direct_reply instead of following the declared edge.
	provider := &mockProvider{turns: []mockTurn{
		{text: "nothing to research"},
		{text: "direct response"},
	}}
	c := testCompiler(t, provider)
	g, err := c.Compile(loopProtocol(protocol.LoopConfig{
		Enable:        true,
		MaxIterations: 5,
		LoopDelay:     time.Millisecond,
		NoToolGoto:    "direct_reply",
	}))
	require.NoError(t, err)

	s := NewState("just chat")
	require.NoError(t, g.Run(context.Background(), s, nil))

	assert.Contains(t, s.NodeOrder, "direct_reply")
	assert.Equal(t, "direct response", s.FinalResponse)
	// The jump target was consumed.
	assert.Empty(t, s.GotoNode)
}

func TestRun_ReactExecutesTools(t *testing.T) {
	tools := tool.NewRegistry()
	called := false
	require.NoError(t, tools.Register("lookup", tool.NewFunc(
		"lookup", "Looks things up", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (string, error) {
			called = true
			return fmt.Sprintf("result for %v", args["q"]), nil
		},
	)))

	provider := &mockProvider{turns: []mockTurn{
		{toolCalls: []llms.ToolCall{{ID: "call_1", Name: "lookup", Args: map[string]any{"q": "go"}}}},
		{text: "Final Answer: found it"},
	}}

	c := NewCompiler(tools, config.CompletionConfig{Indicators: []string{"final answer:"}})
	c.NewProvider = func(cfg protocol.LLMConfig) (llms.Provider, error) { return provider, nil }

	p := loopProtocol(protocol.LoopConfig{})
	p.Agents["researcher"].Tools = []protocol.ToolRef{{Name: "lookup"}}
	g, err := c.Compile(p)
	require.NoError(t, err)

	s := NewState("find go")
	emitter := &recordingEmitter{}
	require.NoError(t, g.Run(context.Background(), s, emitter))

	assert.True(t, called)
	assert.Equal(t, "Final Answer: found it", s.FinalResponse)
	// Results are keyed by call id, not tool name.
	assert.Equal(t, "result for go", s.ToolResults["call_1"])

	// History holds the tool call and its result.
	var sawToolCall, sawToolResult bool
	for _, msg := range s.Messages {
		if msg.HasToolCalls() {
			sawToolCall = true
		}
		if msg.Role == RoleTool {
			sawToolResult = true
			assert.Equal(t, "call_1", msg.ToolCallID)
		}
	}
	assert.True(t, sawToolCall)
	assert.True(t, sawToolResult)

	// A tool result chunk went out on the stream.
	var sawResultChunk bool
	for _, chunk := range emitter.chunks {
		if chunk.ToolResult {
			sawResultChunk = true
		}
	}
	assert.True(t, sawResultChunk)
}

func TestRun_ReactKeepsRepeatedToolCallResults(t *testing.T) {
	tools := tool.NewRegistry()
	require.NoError(t, tools.Register("lookup", tool.NewFunc(
		"lookup", "Looks things up", map[string]any{"type": "object"},
		func(ctx context.Context, args map[string]any) (string, error) {
			return fmt.Sprintf("result for %v", args["q"]), nil
		},
	)))

	// One turn calls the same tool twice; both results must survive.
	provider := &mockProvider{turns: []mockTurn{
		{toolCalls: []llms.ToolCall{
			{ID: "call_1", Name: "lookup", Args: map[string]any{"q": "go"}},
			{ID: "call_2", Name: "lookup", Args: map[string]any{"q": "rust"}},
		}},
		{text: "Final Answer: compared"},
	}}

	c := NewCompiler(tools, config.CompletionConfig{Indicators: []string{"final answer:"}})
	c.NewProvider = func(cfg protocol.LLMConfig) (llms.Provider, error) { return provider, nil }

	p := loopProtocol(protocol.LoopConfig{})
	p.Agents["researcher"].Tools = []protocol.ToolRef{{Name: "lookup"}}
	g, err := c.Compile(p)
	require.NoError(t, err)

	s := NewState("compare go and rust")
	require.NoError(t, g.Run(context.Background(), s, nil))

	assert.Equal(t, "result for go", s.ToolResults["call_1"])
	assert.Equal(t, "result for rust", s.ToolResults["call_2"])
}

func TestRun_AppliesRequestOverrides(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "ok"}}}

	var gotConfig protocol.LLMConfig
	c := NewCompiler(tool.NewRegistry(), config.CompletionConfig{})
	c.NewProvider = func(cfg protocol.LLMConfig) (llms.Provider, error) {
		gotConfig = cfg
		return provider, nil
	}

	g, err := c.Compile(linearProtocol())
	require.NoError(t, err)

	temp := 0.9
	s := NewState("hi")
	s.LLMOverrides = &LLMOverrides{MaxTokens: 512, Temperature: &temp}
	require.NoError(t, g.Run(context.Background(), s, nil))

	assert.Equal(t, 512, gotConfig.MaxTokens)
	require.NotNil(t, gotConfig.Temperature)
	assert.InDelta(t, 0.9, *gotConfig.Temperature, 0.0001)
	assert.Equal(t, "gpt-4o-mini", gotConfig.Model)
}

func TestRun_PlanReviewPausesAfterFirstAgent(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "1. research\n2. report"}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(conditionProtocol())
	require.NoError(t, err)

	s := NewState("plan something")
	s.PlanReview = true
	require.NoError(t, g.Run(context.Background(), s, nil))

	// Paused right after the first agent; nothing downstream ran.
	require.NotNil(t, s.Interrupt)
	assert.Equal(t, "work", s.Interrupt.Node)
	assert.Equal(t, "1. research\n2. report", s.Interrupt.Content)
	assert.False(t, s.PlanReview)
	assert.Equal(t, []string{"start_node", "work"}, s.NodeOrder)
	assert.NotContains(t, s.NodeOrder, "gate")
}

func TestRun_ContextCancellation(t *testing.T) {
	provider := &mockProvider{turns: []mockTurn{{text: "never done"}}}
	c := testCompiler(t, provider)
	g, err := c.Compile(loopProtocol(protocol.LoopConfig{
		Enable:        true,
		MaxIterations: 1000,
		LoopDelay:     50 * time.Millisecond,
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err = g.Run(ctx, NewState("spin"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompile_Errors(t *testing.T) {
	c := testCompiler(t, &mockProvider{turns: []mockTurn{{}}})

	t.Run("missing start node", func(t *testing.T) {
		p := linearProtocol()
		p.Workflow.Nodes = p.Workflow.Nodes[1:]
		_, err := c.Compile(p)
		assert.ErrorContains(t, err, "no start node")
	})

	t.Run("unknown agent ref", func(t *testing.T) {
		p := linearProtocol()
		p.Workflow.Nodes[1].AgentRef = "ghost"
		_, err := c.Compile(p)
		assert.ErrorContains(t, err, "unknown agent")
	})

	t.Run("unsupported node type", func(t *testing.T) {
		p := linearProtocol()
		p.Workflow.Nodes[1].Type = "teleport"
		_, err := c.Compile(p)
		assert.ErrorContains(t, err, "unsupported type")
	})
}

func TestRun_StepGuard(t *testing.T) {
	// Two condition-free nodes pointing at each other never terminate.
	p := &protocol.Protocol{
		ID:   "cycle",
		Meta: protocol.Meta{Name: "Cycle", Version: "1.0"},
		Workflow: protocol.Workflow{
			Nodes: []protocol.Node{
				{Name: "start_node", Type: protocol.NodeTypeStart},
				{Name: "ping", Type: protocol.NodeTypeCondition, Conditions: map[string]string{"go": "user_input"}},
				{Name: "end_node", Type: protocol.NodeTypeEnd},
			},
			Edges: []protocol.Edge{
				{From: "start_node", To: "ping"},
				{From: "ping", To: "start_node", Condition: "go"},
			},
		},
	}
	c := testCompiler(t, &mockProvider{turns: []mockTurn{{}}})
	g, err := c.Compile(p)
	require.NoError(t, err)

	err = g.Run(context.Background(), NewState("loop forever"), nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "exceeded")
}
