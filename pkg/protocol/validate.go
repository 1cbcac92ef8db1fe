package protocol

import (
	"fmt"
	"strings"
)

// knownSchemaVersions lists the protocol schema revisions this build
// understands. Documents declaring anything else are rejected.
var knownSchemaVersions = map[string]bool{
	"1.0.0": true,
}

// ValidationError collects every problem found in a protocol so callers can
// report them all at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol validation failed: %s", strings.Join(e.Problems, "; "))
}

// Validate checks protocol integrity and returns all problems found.
// A nil return means the protocol is valid.
func (p *Protocol) Validate() error {
	var problems []string

	if p.Meta.Name == "" {
		problems = append(problems, "protocol name cannot be empty")
	}
	if p.Meta.Version == "" {
		problems = append(problems, "protocol version cannot be empty")
	}
	if p.Meta.SchemaVersion != "" && !knownSchemaVersions[p.Meta.SchemaVersion] {
		problems = append(problems, fmt.Sprintf("unsupported schema_version: %s", p.Meta.SchemaVersion))
	}

	if len(p.Workflow.Nodes) == 0 {
		problems = append(problems, "workflow must contain at least one node")
	}

	nodeNames := make(map[string]bool, len(p.Workflow.Nodes))
	nodesByName := make(map[string]*Node, len(p.Workflow.Nodes))
	for i := range p.Workflow.Nodes {
		node := &p.Workflow.Nodes[i]
		if nodeNames[node.Name] {
			problems = append(problems, fmt.Sprintf("duplicate node name: %s", node.Name))
		}
		nodeNames[node.Name] = true
		nodesByName[node.Name] = node
	}

	for _, edge := range p.Workflow.Edges {
		from, to := edge.FromNode(), edge.ToNode()
		if !nodeNames[from] {
			problems = append(problems, fmt.Sprintf("edge references unknown source node: %s", from))
		}
		if !IsEndAlias(to) && !nodeNames[to] {
			problems = append(problems, fmt.Sprintf("edge references unknown target node: %s", to))
		}
		if edge.Condition != "" {
			src, ok := nodesByName[from]
			if ok && src.Type != NodeTypeCondition {
				problems = append(problems,
					fmt.Sprintf("edge %s -> %s carries condition %q but source is not a condition node",
						from, to, edge.Condition))
			}
			if ok && src.Type == NodeTypeCondition {
				if _, declared := src.Conditions[edge.Condition]; !declared {
					problems = append(problems,
						fmt.Sprintf("edge %s -> %s references undeclared condition label %q",
							from, to, edge.Condition))
				}
			}
		}
	}

	for _, node := range p.Workflow.Nodes {
		if node.Type == NodeTypeAgent {
			if node.AgentRef == "" {
				problems = append(problems, fmt.Sprintf("agent node %s is missing agent_ref", node.Name))
			} else if _, ok := p.Agents[node.AgentRef]; !ok {
				problems = append(problems,
					fmt.Sprintf("node %s references unknown agent: %s", node.Name, node.AgentRef))
			}
		}
	}

	startCount := 0
	endCount := 0
	for _, node := range p.Workflow.Nodes {
		switch node.Type {
		case NodeTypeStart:
			startCount++
		case NodeTypeEnd:
			endCount++
		}
	}
	if startCount == 0 {
		problems = append(problems, "workflow must contain a start node")
	} else if startCount > 1 {
		problems = append(problems, "workflow must contain exactly one start node")
	}
	if endCount == 0 {
		problems = append(problems, "workflow must contain at least one end node")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// IsEndAlias reports whether a target name is one of the implicit
// terminal aliases rather than a declared node.
func IsEndAlias(name string) bool {
	return name == "end" || name == "end_node" || strings.HasSuffix(name, "_end")
}
