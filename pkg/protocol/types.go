package protocol

import (
	"time"
)

// Node types understood by the compiler.
const (
	NodeTypeStart     = "start"
	NodeTypeEnd       = "end"
	NodeTypeAgent     = "agent"
	NodeTypeCondition = "condition"
)

// Agent types. A react agent runs a tool-calling loop; a plain agent is a
// single prompt/response exchange.
const (
	AgentTypeReact = "react_agent"
	AgentTypePlain = "agent"
)

// Meta describes the protocol document itself.
type Meta struct {
	Name          string `yaml:"name"`
	Version       string `yaml:"version"`
	SchemaVersion string `yaml:"schema_version"`
	Description   string `yaml:"description"`
	Author        string `yaml:"author"`
	License       string `yaml:"license"`
}

// MemoryConfig selects the checkpoint provider for a protocol.
type MemoryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
}

// GlobalConfig holds protocol-wide settings.
type GlobalConfig struct {
	Logging map[string]any `yaml:"logging"`
	Memory  MemoryConfig   `yaml:"memory"`
	Runtime map[string]any `yaml:"runtime"`
}

// LLMConfig configures an OpenAI-compatible model endpoint. Agent-level
// configs override the protocol default field by field.
type LLMConfig struct {
	Provider    string   `yaml:"provider"`
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	MaxRetries  int      `yaml:"max_retries"`
	VerifySSL   *bool    `yaml:"verify_ssl"`
}

func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = "openai"
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Merge returns a copy of c with empty fields filled from base.
func (c LLMConfig) Merge(base *LLMConfig) LLMConfig {
	if base == nil {
		return c
	}
	if c.Provider == "" {
		c.Provider = base.Provider
	}
	if c.BaseURL == "" {
		c.BaseURL = base.BaseURL
	}
	if c.APIKey == "" {
		c.APIKey = base.APIKey
	}
	if c.Model == "" {
		c.Model = base.Model
	}
	if c.Temperature == nil {
		c.Temperature = base.Temperature
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = base.MaxTokens
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = base.MaxRetries
	}
	if c.VerifySSL == nil {
		c.VerifySSL = base.VerifySSL
	}
	return c
}

// LoopConfig controls iterative agent execution.
type LoopConfig struct {
	Enable            bool          `yaml:"enable"`
	MaxIterations     int           `yaml:"max_iterations"`
	LoopDelay         time.Duration `yaml:"loop_delay"`
	ForceExitKeywords []string      `yaml:"force_exit_keywords"`
	NoToolGoto        string        `yaml:"no_tool_goto"`
}

func (c *LoopConfig) SetDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.LoopDelay <= 0 {
		c.LoopDelay = time.Second
	}
}

// ToolRef names a locally registered tool an agent may call.
type ToolRef struct {
	Name   string         `yaml:"name"`
	Params map[string]any `yaml:"params"`
}

// MCPServerConfig describes an external MCP tool server.
type MCPServerConfig struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"`
	URL       string            `yaml:"url"`
	Command   string            `yaml:"command"`
	Args      []string          `yaml:"args"`
	Env       map[string]string `yaml:"env"`
}

// AgentInfo is an agent definition referenced by workflow nodes.
type AgentInfo struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"`
	Description  string            `yaml:"description"`
	Enabled      *bool             `yaml:"enabled"`
	SystemPrompt string            `yaml:"system_prompt"`
	LLM          *LLMConfig        `yaml:"llm"`
	Tools        []ToolRef         `yaml:"tools"`
	MCPServers   []MCPServerConfig `yaml:"mcp_servers"`
	Loop         LoopConfig        `yaml:"loop"`
}

func (a *AgentInfo) SetDefaults() {
	if a.Type == "" {
		a.Type = AgentTypePlain
	}
	a.Loop.SetDefaults()
}

// IsEnabled reports whether the agent participates in execution.
// Agents are enabled unless explicitly disabled.
func (a *AgentInfo) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// IsReact reports whether the agent runs the tool-calling loop.
func (a *AgentInfo) IsReact() bool {
	return a.Type == AgentTypeReact || a.Type == "react"
}

// IOField declares an input or output binding on a workflow node.
type IOField struct {
	Name        string `yaml:"name"`
	Source      string `yaml:"source"`
	Type        string `yaml:"type"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
}

// Node is a workflow graph node.
type Node struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	Description string            `yaml:"description"`
	AgentRef    string            `yaml:"agent_ref"`
	Inputs      []IOField         `yaml:"inputs"`
	Outputs     []IOField         `yaml:"outputs"`
	Conditions  map[string]string `yaml:"conditions"`
}

// Edge connects two workflow nodes. From/To are the canonical field names;
// source/target are accepted as aliases.
type Edge struct {
	From        string `yaml:"from"`
	To          string `yaml:"to"`
	Source      string `yaml:"source"`
	Target      string `yaml:"target"`
	Description string `yaml:"description"`
	Condition   string `yaml:"condition"`
}

// FromNode returns the edge source, honoring the source alias.
func (e *Edge) FromNode() string {
	if e.From != "" {
		return e.From
	}
	return e.Source
}

// ToNode returns the edge target, honoring the target alias.
func (e *Edge) ToNode() string {
	if e.To != "" {
		return e.To
	}
	return e.Target
}

// Workflow is the graph section of a protocol.
type Workflow struct {
	Name        string         `yaml:"name"`
	Version     string         `yaml:"version"`
	Description string         `yaml:"description"`
	Settings    map[string]any `yaml:"settings"`
	Nodes       []Node         `yaml:"nodes"`
	Edges       []Edge         `yaml:"edges"`
}

// Node returns the named node, or nil.
func (w *Workflow) Node(name string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Name == name {
			return &w.Nodes[i]
		}
	}
	return nil
}

// StartNode returns the single start node, or nil.
func (w *Workflow) StartNode() *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Type == NodeTypeStart {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Protocol is a fully parsed workflow document.
type Protocol struct {
	ID       string                `yaml:"id"`
	Meta     Meta                  `yaml:"protocol"`
	Global   *GlobalConfig         `yaml:"global_config"`
	LLM      *LLMConfig            `yaml:"llm_config"`
	Agents   map[string]*AgentInfo `yaml:"agents"`
	Workflow Workflow              `yaml:"workflow"`

	// Raw holds the decoded document after env expansion, for callers that
	// need fields outside the typed schema.
	Raw map[string]any `yaml:"-"`
}

func (p *Protocol) SetDefaults() {
	if p.Meta.SchemaVersion == "" {
		p.Meta.SchemaVersion = "1.0.0"
	}
	if p.LLM != nil {
		p.LLM.SetDefaults()
	}
	for name, agent := range p.Agents {
		if agent.Name == "" {
			agent.Name = name
		}
		agent.SetDefaults()
	}
}

// Agent returns the agent definition referenced by a node, or nil.
func (p *Protocol) Agent(ref string) *AgentInfo {
	return p.Agents[ref]
}
