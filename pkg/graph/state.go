package graph

// Node execution statuses recorded in NodeOutput.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// GotoEnd is the _goto_node value that routes straight to the terminal.
const GotoEnd = "end"

// NodeOutput records the result of one node execution.
type NodeOutput struct {
	Status           string          `json:"status,omitempty" bson:"status,omitempty"`
	NodeType         string          `json:"node_type,omitempty" bson:"node_type,omitempty"`
	Error            string          `json:"error,omitempty" bson:"error,omitempty"`
	Outputs          map[string]any  `json:"outputs,omitempty" bson:"outputs,omitempty"`
	ConditionResults map[string]bool `json:"condition_results,omitempty" bson:"condition_results,omitempty"`
	LoopCount        int             `json:"loop_count,omitempty" bson:"loop_count,omitempty"`
	MaxIterations    int             `json:"max_iterations,omitempty" bson:"max_iterations,omitempty"`
}

// asMap exposes the output as a generic map for path lookups.
func (o *NodeOutput) asMap() map[string]any {
	m := map[string]any{}
	if o.Status != "" {
		m["status"] = o.Status
	}
	if o.NodeType != "" {
		m["node_type"] = o.NodeType
	}
	if o.Error != "" {
		m["error"] = o.Error
	}
	if o.Outputs != nil {
		m["outputs"] = o.Outputs
	}
	if o.ConditionResults != nil {
		results := make(map[string]any, len(o.ConditionResults))
		for k, v := range o.ConditionResults {
			results[k] = v
		}
		m["condition_results"] = results
	}
	return m
}

// Interrupt marks an execution paused for plan review. The stream layer
// turns it into an interrupt event before closing the stream.
type Interrupt struct {
	Node    string `json:"node" bson:"node"`
	Content string `json:"content" bson:"content"`
}

// LLMOverrides are per-request generation settings applied on top of each
// agent's merged llm config.
type LLMOverrides struct {
	MaxTokens   int
	Temperature *float64
}

// State is the shared mutable state threaded through a graph execution.
// A single execution runs nodes sequentially, so State needs no locking;
// concurrent executions each get their own State.
type State struct {
	Messages      []Message              `json:"messages" bson:"messages"`
	UserInput     string                 `json:"user_input" bson:"user_input"`
	CurrentStep   string                 `json:"current_step" bson:"current_step"`
	ToolResults   map[string]any         `json:"tool_results" bson:"tool_results"`
	FinalResponse string                 `json:"final_response" bson:"final_response"`
	Context       map[string]any         `json:"context" bson:"context"`
	GlobalContext map[string]any         `json:"global_context" bson:"global_context"`
	NodeOutputs   map[string]*NodeOutput `json:"node_outputs" bson:"node_outputs"`

	// NodeOrder preserves node completion order for latest-output lookups.
	NodeOrder []string `json:"node_order" bson:"node_order"`

	// GotoNode carries a dynamic jump target set by an agent loop. Routers
	// consume and clear it.
	GotoNode string `json:"_goto_node,omitempty" bson:"_goto_node,omitempty"`

	// Interrupt is set when execution paused after an agent produced a plan
	// awaiting client review.
	Interrupt *Interrupt `json:"interrupt,omitempty" bson:"interrupt,omitempty"`

	// PlanReview requests a pause after the first agent node completes.
	// Per-request, never persisted.
	PlanReview bool `json:"-" bson:"-"`

	// LLMOverrides carries per-request generation overrides. Never persisted.
	LLMOverrides *LLMOverrides `json:"-" bson:"-"`
}

// NewState creates an execution state seeded with user input.
func NewState(userInput string) *State {
	return &State{
		UserInput:     userInput,
		ToolResults:   map[string]any{},
		Context:       map[string]any{},
		GlobalContext: map[string]any{},
		NodeOutputs:   map[string]*NodeOutput{},
	}
}

// SetNodeOutput records a node's output, tracking completion order.
func (s *State) SetNodeOutput(name string, out *NodeOutput) {
	if s.NodeOutputs == nil {
		s.NodeOutputs = map[string]*NodeOutput{}
	}
	if _, seen := s.NodeOutputs[name]; !seen {
		s.NodeOrder = append(s.NodeOrder, name)
	}
	s.NodeOutputs[name] = out
}

// NodeOutput returns the recorded output for a node, or nil.
func (s *State) NodeOutput(name string) *NodeOutput {
	return s.NodeOutputs[name]
}

// LatestOutputs iterates node outputs from most recent to oldest.
func (s *State) LatestOutputs(fn func(name string, out *NodeOutput) bool) {
	for i := len(s.NodeOrder) - 1; i >= 0; i-- {
		name := s.NodeOrder[i]
		if out, ok := s.NodeOutputs[name]; ok {
			if !fn(name, out) {
				return
			}
		}
	}
}

// topLevel exposes selected state fields for condition path lookups.
func (s *State) topLevel(key string) (any, bool) {
	switch key {
	case "user_input":
		return s.UserInput, true
	case "current_step":
		return s.CurrentStep, true
	case "final_response":
		return s.FinalResponse, true
	case "messages":
		return s.Messages, true
	case "tool_results":
		return s.ToolResults, true
	case "_goto_node":
		if s.GotoNode == "" {
			return nil, false
		}
		return s.GotoNode, true
	}
	return nil, false
}
