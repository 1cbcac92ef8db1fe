package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleProtocol = `
id: research_flow
protocol:
  name: Research Flow
  version: "1.0"
  description: Iterative research workflow

global_config:
  memory:
    enabled: true
    provider: mongodb

llm_config:
  provider: deepseek
  base_url: https://api.deepseek.com/v1
  model: deepseek-chat
  temperature: 0.7

agents:
  researcher:
    type: react_agent
    system_prompt: You are a researcher.
    tools:
      - name: file_reader
    loop:
      enable: true
      max_iterations: 5
      loop_delay: 2s
      force_exit_keywords:
        - "FINAL ANSWER"
      no_tool_goto: summarize
  summarizer:
    type: agent
    system_prompt: Summarize the findings.

workflow:
  nodes:
    - name: start_node
      type: start
    - name: research
      type: agent
      agent_ref: researcher
      outputs:
        - name: response
    - name: check
      type: condition
      conditions:
        done: research.status == "completed"
        retry: not research.status == "completed"
    - name: summarize
      type: agent
      agent_ref: summarizer
    - name: end_node
      type: end
  edges:
    - from: start_node
      to: research
    - from: research
      to: check
    - from: check
      to: summarize
      condition: done
    - from: check
      to: research
      condition: retry
    - from: summarize
      to: end_node
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(sampleProtocol))
	require.NoError(t, err)

	assert.Equal(t, "research_flow", p.ID)
	assert.Equal(t, "Research Flow", p.Meta.Name)
	assert.Equal(t, "1.0", p.Meta.Version)

	require.NotNil(t, p.Global)
	assert.True(t, p.Global.Memory.Enabled)
	assert.Equal(t, "mongodb", p.Global.Memory.Provider)

	require.NotNil(t, p.LLM)
	assert.Equal(t, "deepseek", p.LLM.Provider)
	assert.Equal(t, "deepseek-chat", p.LLM.Model)
	require.NotNil(t, p.LLM.Temperature)
	assert.InDelta(t, 0.7, *p.LLM.Temperature, 0.0001)

	require.Len(t, p.Workflow.Nodes, 5)
	require.Len(t, p.Workflow.Edges, 5)
}

func TestParse_AgentDefaults(t *testing.T) {
	p, err := Parse([]byte(sampleProtocol))
	require.NoError(t, err)

	researcher := p.Agent("researcher")
	require.NotNil(t, researcher)
	// Agent name falls back to the map key.
	assert.Equal(t, "researcher", researcher.Name)
	assert.True(t, researcher.IsReact())
	assert.True(t, researcher.IsEnabled())
	assert.True(t, researcher.Loop.Enable)
	assert.Equal(t, 5, researcher.Loop.MaxIterations)
	assert.Equal(t, "summarize", researcher.Loop.NoToolGoto)
	assert.Equal(t, []string{"FINAL ANSWER"}, researcher.Loop.ForceExitKeywords)

	summarizer := p.Agent("summarizer")
	require.NotNil(t, summarizer)
	assert.False(t, summarizer.IsReact())
	// Loop defaults apply even when the loop is disabled.
	assert.Equal(t, 10, summarizer.Loop.MaxIterations)
}

func TestParse_ConditionsAndEdges(t *testing.T) {
	p, err := Parse([]byte(sampleProtocol))
	require.NoError(t, err)

	check := p.Workflow.Node("check")
	require.NotNil(t, check)
	assert.Equal(t, NodeTypeCondition, check.Type)
	assert.Len(t, check.Conditions, 2)
	assert.Equal(t, `research.status == "completed"`, check.Conditions["done"])

	// Edge order is preserved for routing priority.
	assert.Equal(t, "done", p.Workflow.Edges[2].Condition)
	assert.Equal(t, "retry", p.Workflow.Edges[3].Condition)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_KAFLOW_MODEL", "gpt-4o")

	doc := `
id: env_test
protocol:
  name: Env Test
  version: "1.0"
llm_config:
  model: ${TEST_KAFLOW_MODEL}
  api_key: ${TEST_KAFLOW_MISSING:fallback-key}
workflow:
  nodes:
    - name: s
      type: start
    - name: e
      type: end
  edges:
    - from: s
      to: e
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", p.LLM.Model)
	assert.Equal(t, "fallback-key", p.LLM.APIKey)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("{invalid: [yaml"))
	assert.Error(t, err)
}

func TestParse_UnknownTopLevelKeyTolerated(t *testing.T) {
	doc := `
id: fwd_compat
protocol:
  name: Forward Compat
  version: "1.0"
future_extension:
  anything: goes
workflow:
  nodes:
    - name: s
      type: start
    - name: e
      type: end
  edges:
    - from: s
      to: e
`
	p, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "fwd_compat", p.ID)
}

func TestParse_UnknownProtocolFieldRejected(t *testing.T) {
	doc := `
id: typo_flow
protocol:
  name: Typo Flow
  version: "1.0"
  auther: someone
workflow:
  nodes:
    - name: s
      type: start
    - name: e
      type: end
  edges:
    - from: s
      to: e
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid protocol block")
	assert.Contains(t, err.Error(), "auther")
}

func TestParse_SchemaVersionDefaulted(t *testing.T) {
	p, err := Parse([]byte(sampleProtocol))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", p.Meta.SchemaVersion)
}

func TestValidate_Valid(t *testing.T) {
	p, err := Parse([]byte(sampleProtocol))
	require.NoError(t, err)
	assert.NoError(t, p.Validate())
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	p := &Protocol{
		Workflow: Workflow{
			Nodes: []Node{
				{Name: "a", Type: NodeTypeAgent},
				{Name: "a", Type: NodeTypeAgent},
			},
			Edges: []Edge{
				{From: "a", To: "missing"},
			},
		},
	}

	err := p.Validate()
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems, "protocol name cannot be empty")
	assert.Contains(t, verr.Problems, "protocol version cannot be empty")
	assert.Contains(t, verr.Problems, "duplicate node name: a")
	assert.Contains(t, verr.Problems, "edge references unknown target node: missing")
	assert.Contains(t, verr.Problems, "workflow must contain a start node")
	assert.Contains(t, verr.Problems, "workflow must contain at least one end node")
	assert.Contains(t, verr.Problems, "agent node a is missing agent_ref")
}

func TestValidate_SchemaVersion(t *testing.T) {
	p, err := Parse([]byte(sampleProtocol))
	require.NoError(t, err)

	p.Meta.SchemaVersion = "9.9.9"
	err = p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema_version: 9.9.9")

	p.Meta.SchemaVersion = "1.0.0"
	assert.NoError(t, p.Validate())
}

func TestValidate_ConditionOnNonConditionNode(t *testing.T) {
	p := &Protocol{
		Meta: Meta{Name: "t", Version: "1"},
		Workflow: Workflow{
			Nodes: []Node{
				{Name: "s", Type: NodeTypeStart},
				{Name: "e", Type: NodeTypeEnd},
			},
			Edges: []Edge{
				{From: "s", To: "e", Condition: "done"},
			},
		},
	}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source is not a condition node")
}

func TestValidate_UndeclaredConditionLabel(t *testing.T) {
	p := &Protocol{
		Meta: Meta{Name: "t", Version: "1"},
		Workflow: Workflow{
			Nodes: []Node{
				{Name: "s", Type: NodeTypeStart},
				{Name: "c", Type: NodeTypeCondition, Conditions: map[string]string{"yes": "x == 1"}},
				{Name: "e", Type: NodeTypeEnd},
			},
			Edges: []Edge{
				{From: "s", To: "c"},
				{From: "c", To: "e", Condition: "nope"},
			},
		},
	}

	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `undeclared condition label "nope"`)
}

func TestValidate_EndAliasTarget(t *testing.T) {
	p := &Protocol{
		Meta: Meta{Name: "t", Version: "1"},
		Workflow: Workflow{
			Nodes: []Node{
				{Name: "s", Type: NodeTypeStart},
				{Name: "e", Type: NodeTypeEnd},
			},
			Edges: []Edge{
				{From: "s", To: "end"},
			},
		},
	}
	assert.NoError(t, p.Validate())
}

func TestEdgeAliases(t *testing.T) {
	e := Edge{Source: "a", Target: "b"}
	assert.Equal(t, "a", e.FromNode())
	assert.Equal(t, "b", e.ToNode())

	e = Edge{From: "x", To: "y", Source: "ignored", Target: "ignored"}
	assert.Equal(t, "x", e.FromNode())
	assert.Equal(t, "y", e.ToNode())
}

func TestLLMConfigMerge(t *testing.T) {
	temp := 0.2
	base := &LLMConfig{
		Provider: "openai",
		BaseURL:  "https://api.openai.com/v1",
		APIKey:   "base-key",
		Model:    "gpt-4o-mini",
	}
	override := LLMConfig{Model: "gpt-4o", Temperature: &temp}

	merged := override.Merge(base)
	assert.Equal(t, "openai", merged.Provider)
	assert.Equal(t, "base-key", merged.APIKey)
	assert.Equal(t, "gpt-4o", merged.Model)
	require.NotNil(t, merged.Temperature)
	assert.InDelta(t, 0.2, *merged.Temperature, 0.0001)
}
