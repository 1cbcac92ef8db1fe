// Package tool defines the interface for tools that agents can invoke,
// a registry of local built-ins, and MCP-backed toolsets.
package tool

import (
	"context"

	"github.com/kaflow-ai/kaflow/pkg/registry"
)

// Tool is a callable capability exposed to agents.
type Tool interface {
	// Name returns the unique name of the tool.
	Name() string

	// Description explains what the tool does, shown to the model.
	Description() string

	// Parameters returns the JSON schema of the tool's arguments.
	Parameters() map[string]any

	// Call executes the tool with the given arguments.
	Call(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds tools by name.
type Registry struct {
	*registry.BaseRegistry[Tool]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[Tool](),
	}
}

// funcTool adapts a plain function to the Tool interface.
type funcTool struct {
	name        string
	description string
	parameters  map[string]any
	fn          func(ctx context.Context, args map[string]any) (string, error)
}

// NewFunc builds a Tool from a function.
func NewFunc(name, description string, parameters map[string]any, fn func(ctx context.Context, args map[string]any) (string, error)) Tool {
	return &funcTool{
		name:        name,
		description: description,
		parameters:  parameters,
		fn:          fn,
	}
}

func (t *funcTool) Name() string               { return t.name }
func (t *funcTool) Description() string        { return t.description }
func (t *funcTool) Parameters() map[string]any { return t.parameters }

func (t *funcTool) Call(ctx context.Context, args map[string]any) (string, error) {
	return t.fn(ctx, args)
}

// StringArg extracts a string argument with a default.
func StringArg(args map[string]any, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}
