package graph

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kaflow-ai/kaflow/pkg/config"
	"github.com/kaflow-ai/kaflow/pkg/llms"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/stream"
	"github.com/kaflow-ai/kaflow/pkg/tool"
)

// End is the terminal routing target.
const End = "__end__"

// defaultMaxSteps guards against routing cycles that never reach the end.
const defaultMaxSteps = 100

// Emitter receives execution output as it happens. Event carries routing
// and lifecycle updates; Chunk carries raw model output for the stream
// processor.
type Emitter interface {
	Event(ev stream.Event)
	Chunk(msg *stream.Message)
}

// NopEmitter discards all output. Used for non-streaming executions.
type NopEmitter struct{}

func (NopEmitter) Event(stream.Event)    {}
func (NopEmitter) Chunk(*stream.Message) {}

type runFunc func(ctx context.Context, s *State, emit Emitter) error
type routeFunc func(s *State) string

type compiledNode struct {
	name  string
	typ   string
	run   runFunc
	route routeFunc
}

// conditionalEdge pairs a condition label with its target, preserving
// declaration order for routing priority.
type conditionalEdge struct {
	label  string
	target string
}

// Compiler turns validated protocols into executable graphs.
type Compiler struct {
	Tools       *tool.Registry
	NewProvider func(cfg protocol.LLMConfig) (llms.Provider, error)
	Completion  *CompletionChecker
}

func NewCompiler(tools *tool.Registry, completion config.CompletionConfig) *Compiler {
	return &Compiler{
		Tools:       tools,
		NewProvider: llms.NewProvider,
		Completion:  NewCompletionChecker(completion),
	}
}

// Graph is a compiled, executable workflow.
type Graph struct {
	ID       string
	entry    string
	nodes    map[string]*compiledNode
	maxSteps int
}

// Compile builds an executable graph from a protocol. The protocol must
// already have passed validation.
func (c *Compiler) Compile(p *protocol.Protocol) (*Graph, error) {
	start := p.Workflow.StartNode()
	if start == nil {
		return nil, fmt.Errorf("protocol %s has no start node", p.ID)
	}

	g := &Graph{
		ID:       p.ID,
		entry:    start.Name,
		nodes:    make(map[string]*compiledNode, len(p.Workflow.Nodes)),
		maxSteps: defaultMaxSteps,
	}

	for i := range p.Workflow.Nodes {
		node := &p.Workflow.Nodes[i]

		compiled := &compiledNode{name: node.Name, typ: node.Type}
		switch node.Type {
		case protocol.NodeTypeStart:
			compiled.run = buildStartRunner(*node)
		case protocol.NodeTypeEnd:
			compiled.run = buildEndRunner(*node)
		case protocol.NodeTypeCondition:
			compiled.run = buildConditionRunner(*node)
		case protocol.NodeTypeAgent:
			run, err := c.buildAgentRunner(node, p)
			if err != nil {
				return nil, err
			}
			compiled.run = run
		default:
			return nil, fmt.Errorf("node %s has unsupported type %s", node.Name, node.Type)
		}

		g.nodes[node.Name] = compiled
	}

	if err := g.buildRouters(p); err != nil {
		return nil, err
	}
	return g, nil
}

// buildRouters wires each node's routing function from the edge list.
// Conditional edges route in declaration order: the first declared label
// that evaluated true wins.
func (g *Graph) buildRouters(p *protocol.Protocol) error {
	conditional := map[string][]conditionalEdge{}
	unconditional := map[string][]string{}

	for i := range p.Workflow.Edges {
		edge := &p.Workflow.Edges[i]
		from := edge.FromNode()
		target := g.normalizeTarget(edge.ToNode())

		if edge.Condition != "" {
			conditional[from] = append(conditional[from], conditionalEdge{
				label:  edge.Condition,
				target: target,
			})
		} else {
			unconditional[from] = append(unconditional[from], target)
		}
	}

	for name, node := range g.nodes {
		if node.typ == protocol.NodeTypeEnd {
			node.route = func(*State) string { return End }
			continue
		}

		if edges := conditional[name]; len(edges) > 0 {
			node.route = conditionalRouter(name, edges)
			continue
		}

		targets := unconditional[name]
		if len(targets) == 0 {
			slog.Warn("Node has no outgoing edges, routing to end", "node", name)
			node.route = func(*State) string { return End }
			continue
		}
		node.route = unconditionalRouter(name, targets[0], g.nodes)
	}
	return nil
}

// normalizeTarget maps terminal aliases to End, but a declared node always
// wins over the alias so explicit end nodes still execute.
func (g *Graph) normalizeTarget(target string) string {
	if _, declared := g.nodes[target]; declared {
		return target
	}
	if protocol.IsEndAlias(target) {
		return End
	}
	return target
}

// conditionalRouter picks the first declared edge whose condition label
// evaluated true on the source node. Nothing true routes to the end.
func conditionalRouter(source string, edges []conditionalEdge) routeFunc {
	return func(s *State) string {
		out := s.NodeOutput(source)
		if out == nil || out.ConditionResults == nil {
			slog.Warn("Condition node produced no results, routing to end", "node", source)
			return End
		}

		for _, edge := range edges {
			if out.ConditionResults[edge.label] {
				slog.Debug("Condition route taken",
					"node", source, "label", edge.label, "target", edge.target)
				return edge.target
			}
		}

		slog.Debug("No condition matched, routing to end", "node", source)
		return End
	}
}

// unconditionalRouter follows the declared edge, unless the state carries
// a dynamic jump. The jump target is consumed either way.
func unconditionalRouter(source, target string, nodes map[string]*compiledNode) routeFunc {
	return func(s *State) string {
		if s.GotoNode == "" {
			return target
		}

		jump := s.GotoNode
		s.GotoNode = ""

		if jump == GotoEnd {
			return End
		}
		if _, known := nodes[jump]; known {
			slog.Info("Dynamic route taken", "from", source, "to", jump)
			return jump
		}

		slog.Warn("Dynamic route target unknown, following declared edge",
			"from", source, "target", jump)
		return target
	}
}

// Run executes the graph over the given state, emitting node updates as
// execution progresses.
func (g *Graph) Run(ctx context.Context, s *State, emit Emitter) error {
	if emit == nil {
		emit = NopEmitter{}
	}

	current := g.entry
	for steps := 0; current != End; steps++ {
		if steps >= g.maxSteps {
			return fmt.Errorf("execution exceeded %d steps, aborting", g.maxSteps)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		node := g.nodes[current]
		if node == nil {
			return fmt.Errorf("routing reached unknown node %s", current)
		}

		if err := node.run(ctx, s, emit); err != nil {
			return fmt.Errorf("node %s failed: %w", current, err)
		}

		emit.Event(stream.NewEvent(stream.EventNodeUpdate, map[string]any{
			"node":         node.name,
			"node_type":    node.typ,
			"current_step": s.CurrentStep,
		}))

		if s.Interrupt != nil {
			slog.Info("Execution paused for plan review",
				"graph", g.ID, "node", s.Interrupt.Node)
			return nil
		}

		current = node.route(s)
	}
	return nil
}

// Entry returns the start node name.
func (g *Graph) Entry() string { return g.entry }

// NodeNames returns the names of all compiled nodes.
func (g *Graph) NodeNames() []string {
	names := make([]string, 0, len(g.nodes))
	for name := range g.nodes {
		names = append(names, name)
	}
	return names
}
