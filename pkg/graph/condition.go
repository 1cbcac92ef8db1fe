package graph

import (
	"log/slog"
	"strconv"
	"strings"
)

// EvaluateCondition evaluates a condition expression against the state.
// The expression grammar, parsed by simple recursive descent:
//
//	expr     := "not " expr | comparison | path
//	comparison := path ("==" | "!=") literal
//	literal  := "true" | "false" | quoted string | integer | raw token
//
// Paths look through node outputs first ("node_name.field"), then the
// context map, then top-level state fields. Any evaluation error yields
// false rather than failing the node.
func EvaluateCondition(expr string, s *State) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}

	if strings.HasPrefix(expr, "not ") {
		return !EvaluateCondition(expr[4:], s)
	}

	if left, right, found := strings.Cut(expr, "=="); found {
		leftValue := valueFromPath(strings.TrimSpace(left), s)
		rightValue := parseLiteral(strings.TrimSpace(right))
		return equalValues(leftValue, rightValue)
	}

	if left, right, found := strings.Cut(expr, "!="); found {
		leftValue := valueFromPath(strings.TrimSpace(left), s)
		rightValue := parseLiteral(strings.TrimSpace(right))
		return !equalValues(leftValue, rightValue)
	}

	return truthy(valueFromPath(expr, s))
}

// parseLiteral interprets the right-hand side of a comparison.
func parseLiteral(raw string) any {
	switch strings.ToLower(raw) {
	case "true":
		return true
	case "false":
		return false
	}
	if len(raw) >= 2 && strings.HasPrefix(raw, `"`) && strings.HasSuffix(raw, `"`) {
		return raw[1 : len(raw)-1]
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return raw
}

// valueFromPath resolves "node_name.some.field" style references.
func valueFromPath(path string, s *State) any {
	parts := strings.Split(path, ".")

	if len(parts) >= 2 {
		if out := s.NodeOutput(parts[0]); out != nil {
			if v := walkParts(out.asMap(), parts[1:]); v != nil {
				return v
			}
			// Unprefixed output fields: retry under the outputs map.
			if out.Outputs != nil {
				if v := walkParts(out.Outputs, parts[1:]); v != nil {
					return v
				}
			}
			return nil
		}
	}

	if v, ok := s.Context[path]; ok {
		return v
	}
	if v, ok := s.topLevel(path); ok {
		return v
	}

	slog.Debug("Condition path resolved to nothing", "path", path)
	return nil
}

func walkParts(obj map[string]any, parts []string) any {
	var current any = obj
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func equalValues(left, right any) bool {
	if left == nil {
		return right == nil
	}
	// Normalize numeric comparisons across int/float decodings.
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return lf == rf
		}
	}
	return left == right
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
