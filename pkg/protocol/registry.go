package protocol

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kaflow-ai/kaflow/pkg/registry"
)

// Registry holds parsed protocols keyed by id.
type Registry struct {
	*registry.BaseRegistry[*Protocol]
}

func NewRegistry() *Registry {
	return &Registry{
		BaseRegistry: registry.NewBaseRegistry[*Protocol](),
	}
}

// LoadDir scans a directory for protocol files (*.yaml, *.yml), skipping
// template files, and registers everything that parses and validates.
// Individual file failures are logged and skipped.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read protocols dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := filepath.Ext(name)
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if strings.Contains(name, ".template") {
			continue
		}

		path := filepath.Join(dir, name)
		p, err := ParseFile(path)
		if err != nil {
			slog.Warn("Skipping protocol file", "file", name, "error", err)
			continue
		}
		if err := p.Validate(); err != nil {
			slog.Warn("Skipping invalid protocol", "file", name, "error", err)
			continue
		}
		if p.ID == "" {
			// Fall back to the file name without extension.
			p.ID = strings.TrimSuffix(name, ext)
		}

		if err := r.Set(p.ID, p); err != nil {
			slog.Warn("Failed to register protocol", "id", p.ID, "error", err)
			continue
		}
		loaded++
		slog.Info("Registered protocol", "id", p.ID, "name", p.Meta.Name, "file", name)
	}

	slog.Info("Protocol scan complete", "dir", dir, "loaded", loaded)
	return nil
}

// IDs returns registered protocol ids in sorted order.
func (r *Registry) IDs() []string {
	ids := r.Names()
	sort.Strings(ids)
	return ids
}
