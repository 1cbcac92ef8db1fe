package graph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kaflow-ai/kaflow/pkg/llms"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/stream"
	"github.com/kaflow-ai/kaflow/pkg/tool"
)

// reactRoundLimit bounds tool-calling rounds within one agent invocation,
// independent of the outer loop's max_iterations.
const reactRoundLimit = 25

// agentRunner executes one agent node: provider setup, tool resolution,
// the optional outer loop, and error containment. Agent failures are
// recorded in the state and do not abort the graph.
type agentRunner struct {
	node       *protocol.Node
	agent      *protocol.AgentInfo
	llmConfig  protocol.LLMConfig
	compiler   *Compiler
	toolsets   []*tool.MCPToolset
	localTools []tool.Tool
}

func (c *Compiler) buildAgentRunner(node *protocol.Node, p *protocol.Protocol) (runFunc, error) {
	agent := p.Agent(node.AgentRef)
	if agent == nil {
		return nil, fmt.Errorf("node %s references unknown agent %s", node.Name, node.AgentRef)
	}

	llmConfig := protocol.LLMConfig{}
	if agent.LLM != nil {
		llmConfig = *agent.LLM
	}
	llmConfig = llmConfig.Merge(p.LLM)
	llmConfig.SetDefaults()

	r := &agentRunner{
		node:      node,
		agent:     agent,
		llmConfig: llmConfig,
		compiler:  c,
	}

	for _, ref := range agent.Tools {
		t, ok := c.Tools.Get(ref.Name)
		if !ok {
			slog.Warn("Agent references unknown tool", "agent", agent.Name, "tool", ref.Name)
			continue
		}
		r.localTools = append(r.localTools, t)
	}
	for _, serverCfg := range agent.MCPServers {
		toolset, err := tool.NewMCPToolset(serverCfg)
		if err != nil {
			slog.Warn("Skipping invalid MCP server",
				"agent", agent.Name, "server", serverCfg.Name, "error", err)
			continue
		}
		r.toolsets = append(r.toolsets, toolset)
	}

	return r.run, nil
}

func (r *agentRunner) run(ctx context.Context, s *State, emit Emitter) error {
	slog.Info("Executing agent node", "node", r.node.Name, "agent", r.agent.Name)

	if !r.agent.IsEnabled() {
		slog.Info("Agent disabled, skipping", "agent", r.agent.Name)
		s.CurrentStep = "skipped:" + r.node.Name
		s.SetNodeOutput(r.node.Name, &NodeOutput{Status: StatusCompleted, Outputs: map[string]any{}})
		return nil
	}

	response, loopCount, err := r.execute(ctx, s, emit)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		errMsg := fmt.Sprintf("Agent %s failed: %v", r.agent.Name, err)
		slog.Error("Agent execution failed", "node", r.node.Name, "error", err)

		s.FinalResponse = errMsg
		s.CurrentStep = "agent_failed:" + r.node.Name
		s.Messages = append(s.Messages, NewAIMessage(errMsg))
		s.SetNodeOutput(r.node.Name, &NodeOutput{
			Status:  StatusFailed,
			Error:   err.Error(),
			Outputs: map[string]any{"response": errMsg},
		})
		return nil
	}

	s.FinalResponse = response
	s.CurrentStep = "agent_completed:" + r.node.Name

	out := &NodeOutput{Status: StatusCompleted, Outputs: map[string]any{}}
	if r.agent.Loop.Enable {
		out.LoopCount = loopCount
		out.MaxIterations = r.agent.Loop.MaxIterations
	}
	s.SetNodeOutput(r.node.Name, out)
	StoreOutputs(r.node, s, response)

	// Plan review pauses after the first agent produces its plan; the
	// stream layer surfaces it as an interrupt event.
	if s.PlanReview {
		s.PlanReview = false
		s.Interrupt = &Interrupt{Node: r.node.Name, Content: response}
	}

	return nil
}

func (r *agentRunner) execute(ctx context.Context, s *State, emit Emitter) (string, int, error) {
	llmConfig := r.llmConfig
	if o := s.LLMOverrides; o != nil {
		if o.MaxTokens > 0 {
			llmConfig.MaxTokens = o.MaxTokens
		}
		if o.Temperature != nil {
			llmConfig.Temperature = o.Temperature
		}
	}

	provider, err := r.compiler.NewProvider(llmConfig)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create LLM provider: %w", err)
	}
	defer provider.Close()

	tools, err := r.collectTools(ctx)
	if err != nil {
		return "", 0, err
	}

	resolved := ResolveInputs(r.node, s)
	input := BuildAgentInput(r.node, s, resolved)

	if len(s.Messages) == 0 && input != "" {
		s.Messages = append(s.Messages, NewHumanMessage(input))
	}

	if !r.agent.Loop.Enable {
		response, err := r.invoke(ctx, provider, tools, s, input, emit)
		return response, 1, err
	}
	return r.runLoop(ctx, provider, tools, s, input, emit)
}

// runLoop drives the outer agent loop: repeated invocations until a
// completion signal, the no-tool jump, or the iteration cap.
func (r *agentRunner) runLoop(ctx context.Context, provider llms.Provider, tools []tool.Tool, s *State, input string, emit Emitter) (string, int, error) {
	loopCfg := r.agent.Loop
	var response string

	for iteration := 1; iteration <= loopCfg.MaxIterations; iteration++ {
		slog.Info("Agent loop iteration",
			"agent", r.agent.Name, "iteration", iteration, "max", loopCfg.MaxIterations)

		var err error
		response, err = r.invoke(ctx, provider, tools, s, input, emit)
		if err != nil {
			return "", iteration, err
		}

		// First iteration without any tool activity means the agent had
		// nothing to do; jump to the configured fallback node.
		if iteration == 1 && loopCfg.NoToolGoto != "" && !historyHasToolActivity(s.Messages) {
			slog.Info("No tool activity on first iteration, redirecting",
				"agent", r.agent.Name, "goto", loopCfg.NoToolGoto)
			s.GotoNode = loopCfg.NoToolGoto
			return response, iteration, nil
		}

		if r.compiler.Completion.IsCompleted(response, loopCfg.ForceExitKeywords) {
			slog.Info("Agent loop completed", "agent", r.agent.Name, "iterations", iteration)
			return response, iteration, nil
		}

		if iteration < loopCfg.MaxIterations {
			select {
			case <-ctx.Done():
				return "", iteration, ctx.Err()
			case <-time.After(loopCfg.LoopDelay):
			}
		}
	}

	slog.Warn("Agent loop hit iteration cap",
		"agent", r.agent.Name, "max", loopCfg.MaxIterations)
	return response, loopCfg.MaxIterations, nil
}

// invoke runs one agent turn. React agents run the tool-calling loop;
// plain agents do a single exchange.
func (r *agentRunner) invoke(ctx context.Context, provider llms.Provider, tools []tool.Tool, s *State, input string, emit Emitter) (string, error) {
	if r.agent.IsReact() {
		return r.invokeReact(ctx, provider, tools, s, emit)
	}
	return r.invokePlain(ctx, provider, s, input, emit)
}

// invokeReact streams model turns, executing requested tools between
// turns, until the model stops asking for tools.
func (r *agentRunner) invokeReact(ctx context.Context, provider llms.Provider, tools []tool.Tool, s *State, emit Emitter) (string, error) {
	defs := toolDefinitions(tools)
	byName := make(map[string]tool.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name()] = t
	}

	var lastContent string
	for round := 0; round < reactRoundLimit; round++ {
		content, toolCalls, err := r.streamTurn(ctx, provider, r.toProviderMessages(s.Messages), defs, emit)
		if err != nil {
			return "", err
		}
		lastContent = content

		aiMsg := NewAIMessage(content)
		for _, call := range toolCalls {
			aiMsg.ToolCalls = append(aiMsg.ToolCalls, ToolCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			})
		}
		s.Messages = append(s.Messages, aiMsg)

		if len(toolCalls) == 0 {
			return content, nil
		}

		for _, call := range toolCalls {
			result := r.executeTool(ctx, byName, call)
			s.Messages = append(s.Messages, NewToolMessage(call.ID, result))

			// Keyed by call id so repeated calls to one tool keep every
			// result. Some providers omit ids; fall back to the name.
			key := call.ID
			if key == "" {
				key = call.Name
			}
			s.ToolResults[key] = result

			emit.Chunk(&stream.Message{
				Agent:      r.node.Name,
				ID:         uuid.NewString(),
				Role:       "tool",
				Content:    result,
				ToolResult: true,
				ToolCallID: call.ID,
			})
		}
	}

	slog.Warn("Tool-calling loop hit round limit", "agent", r.agent.Name)
	return lastContent, nil
}

// invokePlain is a single prompt/response exchange without tools.
func (r *agentRunner) invokePlain(ctx context.Context, provider llms.Provider, s *State, input string, emit Emitter) (string, error) {
	messages := []llms.Message{}
	if r.agent.SystemPrompt != "" {
		messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: r.agent.SystemPrompt})
	}
	messages = append(messages, llms.Message{Role: llms.RoleUser, Content: input})

	content, _, err := r.streamTurn(ctx, provider, messages, nil, emit)
	if err != nil {
		return "", err
	}

	s.Messages = append(s.Messages, NewAIMessage(content))
	return content, nil
}

// streamTurn consumes one streaming completion, forwarding chunks to the
// emitter and returning the accumulated content and any tool calls.
func (r *agentRunner) streamTurn(ctx context.Context, provider llms.Provider, messages []llms.Message, defs []llms.ToolDefinition, emit Emitter) (string, []llms.ToolCall, error) {
	chunks, err := provider.GenerateStreaming(ctx, messages, defs)
	if err != nil {
		return "", nil, err
	}

	msgID := uuid.NewString()
	var content strings.Builder
	var toolCalls []llms.ToolCall

	for chunk := range chunks {
		switch chunk.Type {
		case "text":
			content.WriteString(chunk.Text)
			emit.Chunk(&stream.Message{
				Agent:   r.node.Name,
				ID:      msgID,
				Role:    "assistant",
				Content: chunk.Text,
			})
		case "tool_call_chunk":
			emit.Chunk(&stream.Message{
				Agent: r.node.Name,
				ID:    msgID,
				Role:  "assistant",
				ToolCallChunks: []stream.ToolCallChunk{{
					Index: chunk.Delta.Index,
					ID:    chunk.Delta.ID,
					Name:  chunk.Delta.Name,
					Args:  chunk.Delta.Args,
				}},
			})
		case "tool_calls":
			toolCalls = chunk.ToolCalls
			emit.Chunk(&stream.Message{
				Agent:        r.node.Name,
				ID:           msgID,
				Role:         "assistant",
				FinishReason: "tool_calls",
				ToolCalls:    streamToolCalls(chunk.ToolCalls),
			})
		case "done":
			emit.Chunk(&stream.Message{
				Agent:        r.node.Name,
				ID:           msgID,
				Role:         "assistant",
				FinishReason: chunk.FinishReason,
			})
		case "error":
			return "", nil, chunk.Error
		}
	}

	if err := ctx.Err(); err != nil {
		return "", nil, err
	}
	return content.String(), toolCalls, nil
}

// executeTool runs one tool call. Failures become the tool result so the
// model can react to them.
func (r *agentRunner) executeTool(ctx context.Context, byName map[string]tool.Tool, call llms.ToolCall) string {
	t, ok := byName[call.Name]
	if !ok {
		slog.Warn("Model requested unknown tool", "tool", call.Name)
		return fmt.Sprintf("Error: tool %s is not available", call.Name)
	}

	slog.Info("Executing tool", "tool", call.Name, "agent", r.agent.Name)
	result, err := t.Call(ctx, call.Args)
	if err != nil {
		slog.Error("Tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error executing %s: %v", call.Name, err)
	}
	return result
}

// collectTools merges local tools with everything the agent's MCP servers
// expose. Unreachable MCP servers are logged and skipped.
func (r *agentRunner) collectTools(ctx context.Context) ([]tool.Tool, error) {
	tools := make([]tool.Tool, 0, len(r.localTools))
	tools = append(tools, r.localTools...)

	for _, toolset := range r.toolsets {
		mcpTools, err := toolset.Tools(ctx)
		if err != nil {
			slog.Warn("MCP server unavailable", "agent", r.agent.Name, "error", err)
			continue
		}
		tools = append(tools, mcpTools...)
	}
	return tools, nil
}

// toProviderMessages converts state history to provider wire messages,
// prepending the system prompt when the history lacks one.
func (r *agentRunner) toProviderMessages(history []Message) []llms.Message {
	messages := make([]llms.Message, 0, len(history)+1)

	if r.agent.SystemPrompt != "" {
		hasSystem := len(history) > 0 && history[0].Role == RoleSystem
		if !hasSystem {
			messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: r.agent.SystemPrompt})
		}
	}

	for _, msg := range history {
		converted := llms.Message{Content: msg.Content, ToolCallID: msg.ToolCallID}
		switch msg.Role {
		case RoleHuman:
			converted.Role = llms.RoleUser
		case RoleAI:
			converted.Role = llms.RoleAssistant
		case RoleTool:
			converted.Role = llms.RoleTool
		case RoleSystem:
			converted.Role = llms.RoleSystem
		default:
			converted.Role = llms.RoleUser
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, llms.ToolCall{
				ID:   call.ID,
				Name: call.Name,
				Args: call.Args,
			})
		}
		messages = append(messages, converted)
	}
	return messages
}

func toolDefinitions(tools []tool.Tool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

func streamToolCalls(calls []llms.ToolCall) []stream.ToolCall {
	result := make([]stream.ToolCall, 0, len(calls))
	for _, call := range calls {
		result = append(result, stream.ToolCall{
			ID:   call.ID,
			Name: call.Name,
			Args: call.Args,
			Type: "tool_call",
		})
	}
	return result
}

// historyHasToolActivity reports whether any tool was invoked so far.
func historyHasToolActivity(messages []Message) bool {
	for i := range messages {
		if messages[i].Role == RoleTool || messages[i].HasToolCalls() {
			return true
		}
	}
	return false
}
