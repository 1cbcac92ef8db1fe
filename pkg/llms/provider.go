package llms

import (
	"context"
	"fmt"

	"github.com/kaflow-ai/kaflow/pkg/protocol"
)

// Provider is an LLM backend.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Result, error)

	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	ModelName() string

	Close() error
}

// NewProvider builds a provider from a merged protocol LLM config.
// Every supported provider speaks the OpenAI-compatible chat API.
func NewProvider(cfg protocol.LLMConfig) (Provider, error) {
	cfg.SetDefaults()

	switch cfg.Provider {
	case "openai", "deepseek", "qwen", "ollama", "openai_compatible":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}
