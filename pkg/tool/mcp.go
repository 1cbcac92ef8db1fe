package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kaflow-ai/kaflow/pkg/protocol"
)

const mcpProtocolVersion = "2024-11-05"

// MCPToolset exposes the tools of one MCP server. The connection is lazy:
// it is only established when Tools is first called.
type MCPToolset struct {
	cfg protocol.MCPServerConfig

	mu        sync.Mutex
	client    *client.Client
	tools     []Tool
	connected bool
}

// NewMCPToolset creates a toolset for an MCP server definition.
func NewMCPToolset(cfg protocol.MCPServerConfig) (*MCPToolset, error) {
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}
	return &MCPToolset{cfg: cfg}, nil
}

// Tools connects on first use and returns the server's tools.
func (t *MCPToolset) Tools(ctx context.Context) ([]Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return t.tools, nil
	}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t.tools, nil
}

func (t *MCPToolset) connect(ctx context.Context) error {
	mcpClient, err := t.newClient()
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "kaflow",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []Tool
	for _, mcpTool := range listResp.Tools {
		tools = append(tools, &mcpRemoteTool{
			toolset: t,
			name:    mcpTool.Name,
			desc:    mcpTool.Description,
			schema:  convertSchema(mcpTool.InputSchema),
		})
	}

	t.client = mcpClient
	t.tools = tools
	t.connected = true

	slog.Info("Connected to MCP server",
		"name", t.cfg.Name,
		"transport", t.cfg.Transport,
		"tools", len(tools))

	return nil
}

func (t *MCPToolset) newClient() (*client.Client, error) {
	if t.cfg.Command != "" || t.cfg.Transport == "stdio" {
		return client.NewStdioMCPClient(t.cfg.Command, flattenEnv(t.cfg.Env), t.cfg.Args...)
	}
	return client.NewSSEMCPClient(t.cfg.URL)
}

// Close shuts down the MCP connection.
func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		t.connected = false
		return err
	}
	return nil
}

func flattenEnv(env map[string]string) []string {
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

type mcpRemoteTool struct {
	toolset *MCPToolset
	name    string
	desc    string
	schema  map[string]any
}

func (w *mcpRemoteTool) Name() string               { return w.name }
func (w *mcpRemoteTool) Description() string        { return w.desc }
func (w *mcpRemoteTool) Parameters() map[string]any { return w.schema }

func (w *mcpRemoteTool) Call(ctx context.Context, args map[string]any) (string, error) {
	w.toolset.mu.Lock()
	mcpClient := w.toolset.client
	w.toolset.mu.Unlock()

	if mcpClient == nil {
		return "", fmt.Errorf("MCP client not connected")
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = w.name
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	return parseToolResponse(resp)
}

func parseToolResponse(resp *mcp.CallToolResult) (string, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	if resp.IsError {
		if len(texts) > 0 {
			return "", fmt.Errorf("tool error: %s", texts[0])
		}
		return "", fmt.Errorf("tool error: unknown error")
	}

	result := ""
	for i, text := range texts {
		if i > 0 {
			result += "\n"
		}
		result += text
	}
	return result, nil
}

// MCPToolInfo describes one tool of an MCP server for metadata discovery.
type MCPToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// DescribeMCPServer connects to a server, lists its tools, and disconnects.
func DescribeMCPServer(ctx context.Context, cfg protocol.MCPServerConfig) ([]MCPToolInfo, error) {
	toolset, err := NewMCPToolset(cfg)
	if err != nil {
		return nil, err
	}
	defer toolset.Close()

	tools, err := toolset.Tools(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]MCPToolInfo, 0, len(tools))
	for _, t := range tools {
		infos = append(infos, MCPToolInfo{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return infos, nil
}
