package graph

import (
	"context"
	"log/slog"

	"github.com/kaflow-ai/kaflow/pkg/protocol"
)

func buildStartRunner(node protocol.Node) runFunc {
	return func(ctx context.Context, s *State, emit Emitter) error {
		slog.Info("Executing start node", "node", node.Name)

		if len(s.Messages) == 0 && s.UserInput != "" {
			s.Messages = append(s.Messages, NewHumanMessage(s.UserInput))
		}

		s.CurrentStep = "started:" + node.Name
		s.SetNodeOutput(node.Name, &NodeOutput{
			Status:  StatusCompleted,
			Outputs: map[string]any{"user_input": s.UserInput},
		})
		return nil
	}
}

func buildEndRunner(node protocol.Node) runFunc {
	return func(ctx context.Context, s *State, emit Emitter) error {
		slog.Info("Executing end node", "node", node.Name)

		s.CurrentStep = "completed:" + node.Name

		// Snapshot of what execution produced, without the end node itself.
		snapshot := make(map[string]any, len(s.NodeOutputs))
		for name, out := range s.NodeOutputs {
			snapshot[name] = out.asMap()
		}

		s.SetNodeOutput(node.Name, &NodeOutput{
			Status: StatusCompleted,
			Outputs: map[string]any{
				"final_response": s.FinalResponse,
				"tool_results":   s.ToolResults,
				"node_outputs":   snapshot,
			},
		})
		return nil
	}
}

func buildConditionRunner(node protocol.Node) runFunc {
	return func(ctx context.Context, s *State, emit Emitter) error {
		slog.Debug("Executing condition node", "node", node.Name)

		if len(node.Conditions) == 0 {
			slog.Warn("Condition node has no conditions", "node", node.Name)
			return nil
		}

		results := make(map[string]bool, len(node.Conditions))
		for label, expr := range node.Conditions {
			results[label] = EvaluateCondition(expr, s)
			slog.Debug("Evaluated condition",
				"node", node.Name, "label", label, "expr", expr, "result", results[label])
		}

		s.SetNodeOutput(node.Name, &NodeOutput{
			NodeType:         protocol.NodeTypeCondition,
			ConditionResults: results,
		})
		s.CurrentStep = node.Name
		return nil
	}
}
