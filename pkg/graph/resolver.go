package graph

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/kaflow-ai/kaflow/pkg/protocol"
)

// ResolveInputs extracts a node's declared inputs from the state.
// Fields with an explicit source follow the reference; fields without one
// fall back to auto-resolution over well-known locations.
func ResolveInputs(node *protocol.Node, s *State) map[string]any {
	resolved := map[string]any{}

	for _, field := range node.Inputs {
		if field.Name == "" {
			continue
		}

		var value any
		if field.Source != "" {
			value = resolveSource(field.Source, s)
		} else {
			value = autoResolveInput(field.Name, s)
		}

		if value == nil && field.Default != nil {
			value = field.Default
		}
		if value != nil {
			resolved[field.Name] = value
		}
	}

	return resolved
}

// resolveSource follows a data source reference:
//
//	"state.field"      - a state field
//	"global.field"     - the global context
//	"node_name.field"  - another node's outputs
//	"field"            - a bare state key
func resolveSource(source string, s *State) any {
	parts := strings.SplitN(source, ".", 2)

	if len(parts) == 1 {
		if v, ok := s.topLevel(source); ok {
			return v
		}
		return s.Context[source]
	}

	prefix, fieldPath := parts[0], parts[1]

	switch prefix {
	case "state":
		if v, ok := s.topLevel(fieldPath); ok {
			return v
		}
		return getNested(s.Context, fieldPath)
	case "global":
		return getNested(s.GlobalContext, fieldPath)
	default:
		if out := s.NodeOutput(prefix); out != nil {
			return getNested(out.Outputs, fieldPath)
		}
	}
	return nil
}

// autoResolveInput looks a field up by priority: state field, global
// context, user input, message history, then the most recent node output
// that declares it.
func autoResolveInput(fieldName string, s *State) any {
	if v, ok := s.topLevel(fieldName); ok {
		return v
	}
	if v, ok := s.Context[fieldName]; ok {
		return v
	}
	if v, ok := s.GlobalContext[fieldName]; ok {
		return v
	}

	switch fieldName {
	case "message", "messages", "conversation_history":
		return previousMessages(s)
	}

	var found any
	s.LatestOutputs(func(name string, out *NodeOutput) bool {
		if v, ok := out.Outputs[fieldName]; ok {
			found = v
			return false
		}
		return true
	})
	return found
}

func previousMessages(s *State) []Message {
	if len(s.Messages) > 0 {
		return s.Messages
	}

	var found []Message
	s.LatestOutputs(func(name string, out *NodeOutput) bool {
		for _, key := range []string{"message", "messages", "conversation_history"} {
			if v, ok := out.Outputs[key]; ok {
				if msgs, isMsgs := v.([]Message); isMsgs {
					found = msgs
					return false
				}
			}
		}
		return true
	})
	return found
}

// StoreOutputs writes a node's result into its declared output fields.
// Without declarations the whole result lands under "result".
func StoreOutputs(node *protocol.Node, s *State, result any) {
	out := s.NodeOutput(node.Name)
	if out == nil {
		out = &NodeOutput{Outputs: map[string]any{}}
		s.SetNodeOutput(node.Name, out)
	}
	if out.Outputs == nil {
		out.Outputs = map[string]any{}
	}

	if len(node.Outputs) == 0 {
		out.Outputs["result"] = result
		return
	}

	for _, field := range node.Outputs {
		if field.Name == "" {
			continue
		}
		value := extractOutputValue(field.Name, result, s)
		if value != nil {
			out.Outputs[field.Name] = value
		}
	}
}

func extractOutputValue(fieldName string, result any, s *State) any {
	if m, ok := result.(map[string]any); ok {
		if v, present := m[fieldName]; present {
			return v
		}
	}

	switch fieldName {
	case "message", "messages":
		return s.Messages
	case "response", "result", "final_report", "output":
		if str, ok := result.(string); ok {
			return str
		}
		return fmt.Sprintf("%v", result)
	}

	return result
}

// BuildAgentInput assembles the text fed to an agent from resolved inputs.
// user_input wins; other inputs become labelled context blocks.
func BuildAgentInput(node *protocol.Node, s *State, resolved map[string]any) string {
	if userInput, ok := resolved["user_input"].(string); ok {
		if len(resolved) == 1 {
			return userInput
		}

		parts := []string{fmt.Sprintf("**User request**: %s", userInput)}
		for _, field := range node.Inputs {
			key := field.Name
			if key == "user_input" {
				continue
			}
			value, present := resolved[key]
			if !present {
				continue
			}
			switch key {
			case "message", "messages", "conversation_history":
				parts = append(parts, formatMessageHistory(value))
			default:
				parts = append(parts, fmt.Sprintf("**%s**: %s", key, formatValue(value)))
			}
		}
		return strings.Join(parts, "\n\n")
	}

	for _, key := range []string{"message", "messages", "conversation_history"} {
		if v, ok := resolved[key]; ok {
			return formatMessageHistory(v)
		}
	}

	if len(resolved) > 0 {
		var parts []string
		for _, field := range node.Inputs {
			if v, ok := resolved[field.Name]; ok {
				parts = append(parts, fmt.Sprintf("**%s**: %s", field.Name, formatValue(v)))
			}
		}
		return strings.Join(parts, "\n\n")
	}

	return s.UserInput
}

func formatMessageHistory(value any) string {
	messages, ok := value.([]Message)
	if !ok {
		return fmt.Sprintf("%v", value)
	}
	if len(messages) == 0 {
		return ""
	}

	lines := []string{"**Conversation history**:"}
	for _, msg := range messages {
		switch msg.Role {
		case RoleHuman:
			lines = append(lines, "Human: "+msg.Content)
		case RoleAI:
			lines = append(lines, "Assistant: "+truncate(msg.Content, 500))
		default:
			lines = append(lines, msg.Role+": "+truncate(msg.Content, 200))
		}
	}
	return strings.Join(lines, "\n")
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []Message:
		return formatMessageHistory(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// getNested walks a dot-separated path through nested maps.
func getNested(obj map[string]any, path string) any {
	if obj == nil {
		return nil
	}
	if v, ok := obj[path]; ok {
		return v
	}

	var current any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			slog.Debug("Nested lookup hit a non-map value", "path", path, "part", part)
			return nil
		}
		current, ok = m[part]
		if !ok || current == nil {
			return nil
		}
	}
	return current
}
