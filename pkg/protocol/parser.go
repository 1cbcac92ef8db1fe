package protocol

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kaflow-ai/kaflow/pkg/config"
)

// ParseFile parses a protocol document from a file.
func ParseFile(path string) (*Protocol, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read protocol file: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse protocol file %s: %w", path, err)
	}
	return p, nil
}

// Parse parses protocol YAML. Environment variable references
// (${VAR}, ${VAR:default}, $VAR) are expanded before decoding.
func Parse(data []byte) (*Protocol, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("empty protocol document")
	}

	expanded := config.ExpandEnvVars(raw)

	// Unknown top-level keys are tolerated for forward compatibility, but a
	// typo inside the protocol block must not be silently dropped.
	if metaRaw, ok := expanded["protocol"].(map[string]any); ok {
		var meta Meta
		if err := config.DecodeStrict(metaRaw, &meta); err != nil {
			return nil, fmt.Errorf("invalid protocol block: %w", err)
		}
	}

	p := &Protocol{}
	if err := config.Decode(expanded, p); err != nil {
		return nil, fmt.Errorf("failed to decode protocol: %w", err)
	}

	p.Raw = expanded
	p.SetDefaults()

	slog.Debug("Parsed protocol",
		"id", p.ID,
		"name", p.Meta.Name,
		"nodes", len(p.Workflow.Nodes),
		"edges", len(p.Workflow.Edges),
		"agents", len(p.Agents))

	return p, nil
}
