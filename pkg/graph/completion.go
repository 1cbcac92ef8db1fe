package graph

import (
	"log/slog"
	"strings"

	"github.com/kaflow-ai/kaflow/pkg/config"
)

// completionTriggerWords gate the contextual heuristic: without one of
// these the response is never treated as a completion.
var completionTriggerWords = []string{"完成", "结束", "finished", "completed"}

// CompletionChecker decides whether an agent response signals that the
// task is done. Indicator lists come from configuration.
type CompletionChecker struct {
	indicators     []string
	contextWords   []string
	falsePositives []string
}

func NewCompletionChecker(cfg config.CompletionConfig) *CompletionChecker {
	return &CompletionChecker{
		indicators:     lowerAll(cfg.Indicators),
		contextWords:   lowerAll(cfg.ContextWords),
		falsePositives: lowerAll(cfg.FalsePositives),
	}
}

func lowerAll(values []string) []string {
	result := make([]string, len(values))
	for i, v := range values {
		result[i] = strings.ToLower(v)
	}
	return result
}

// IsCompleted checks a response against force-exit keywords, explicit
// completion indicators, and the contextual heuristic, in that order.
func (c *CompletionChecker) IsCompleted(response string, forceExitKeywords []string) bool {
	if response == "" {
		return false
	}

	lower := strings.ToLower(response)

	for _, keyword := range forceExitKeywords {
		if keyword != "" && strings.Contains(lower, strings.ToLower(keyword)) {
			slog.Info("Detected force-exit keyword", "keyword", keyword)
			return true
		}
	}

	for _, indicator := range c.indicators {
		if strings.Contains(lower, indicator) {
			slog.Info("Detected completion indicator", "indicator", indicator)
			return true
		}
	}

	return c.contextualCompletion(lower)
}

// contextualCompletion detects completion phrased without an explicit
// marker, while excluding negated forms ("not completed").
func (c *CompletionChecker) contextualCompletion(lower string) bool {
	triggered := false
	for _, word := range completionTriggerWords {
		if strings.Contains(lower, word) {
			triggered = true
			break
		}
	}
	if !triggered {
		return false
	}

	for _, fp := range c.falsePositives {
		if strings.Contains(lower, fp) {
			return false
		}
	}

	for _, ctx := range c.contextWords {
		if strings.Contains(lower, ctx) {
			slog.Info("Detected contextual completion", "context", ctx)
			return true
		}
	}
	return false
}
