// Package engine ties protocols, compiled graphs, and checkpoint stores
// together and exposes the execution entry points.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kaflow-ai/kaflow/pkg/checkpoint"
	"github.com/kaflow-ai/kaflow/pkg/config"
	"github.com/kaflow-ai/kaflow/pkg/graph"
	"github.com/kaflow-ai/kaflow/pkg/protocol"
	"github.com/kaflow-ai/kaflow/pkg/tool"
)

// NotFoundError reports an unknown workflow config id along with the ids
// that are available, for helpful API responses.
type NotFoundError struct {
	ConfigID  string
	Available []string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("workflow config %q not found (available: %s)",
		e.ConfigID, strings.Join(e.Available, ", "))
}

// UnsupportedProviderError reports a memory provider the engine has no
// checkpoint store for.
type UnsupportedProviderError struct {
	ConfigID string
	Provider string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("workflow config %q requests unsupported memory provider %q (supported: memory, mongodb)",
		e.ConfigID, e.Provider)
}

// Manager compiles protocols on demand, caches the resulting graphs, and
// routes checkpointing per protocol memory settings.
type Manager struct {
	cfg       *config.Config
	protocols *protocol.Registry
	compiler  *graph.Compiler

	mu     sync.Mutex
	graphs map[string]*graph.Graph

	memSaver *checkpoint.MemorySaver

	mongoOnce  sync.Once
	mongoSaver checkpoint.Saver
}

func NewManager(cfg *config.Config, protocols *protocol.Registry, tools *tool.Registry) *Manager {
	return &Manager{
		cfg:       cfg,
		protocols: protocols,
		compiler:  graph.NewCompiler(tools, cfg.Completion),
		graphs:    map[string]*graph.Graph{},
		memSaver:  checkpoint.NewMemorySaver(),
	}
}

// ConfigIDs returns the registered protocol ids, sorted.
func (m *Manager) ConfigIDs() []string {
	return m.protocols.IDs()
}

// Protocols returns all registered protocols.
func (m *Manager) Protocols() []*protocol.Protocol {
	return m.protocols.List()
}

// Protocol returns one protocol by id.
func (m *Manager) Protocol(configID string) (*protocol.Protocol, error) {
	p, ok := m.protocols.Get(configID)
	if !ok {
		return nil, &NotFoundError{ConfigID: configID, Available: m.ConfigIDs()}
	}
	return p, nil
}

// Graph returns the compiled graph for a config id, compiling and caching
// it on first use.
func (m *Manager) Graph(configID string) (*graph.Graph, *protocol.Protocol, error) {
	p, err := m.Protocol(configID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.graphs[configID]; ok {
		return g, p, nil
	}

	g, err := m.compiler.Compile(p)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compile workflow %s: %w", configID, err)
	}
	m.graphs[configID] = g

	slog.Info("Compiled workflow graph", "config_id", configID, "nodes", len(g.NodeNames()))
	return g, p, nil
}

// saverFor selects the checkpoint store for a protocol's memory settings.
// A nil saver with a nil error means checkpointing is off for this protocol.
func (m *Manager) saverFor(ctx context.Context, p *protocol.Protocol) (checkpoint.Saver, error) {
	if p.Global == nil || !p.Global.Memory.Enabled {
		return nil, nil
	}

	switch p.Global.Memory.Provider {
	case "mongodb":
		if saver := m.mongo(ctx); saver != nil {
			return saver, nil
		}
		slog.Warn("MongoDB checkpointing unavailable, falling back to memory",
			"config_id", p.ID)
		return m.memSaver, nil
	case "memory", "":
		return m.memSaver, nil
	default:
		return nil, &UnsupportedProviderError{ConfigID: p.ID, Provider: p.Global.Memory.Provider}
	}
}

// mongo lazily connects the shared MongoDB saver. A failed connection is
// remembered: protocols fall back to the memory saver for the process
// lifetime rather than retrying per request.
func (m *Manager) mongo(ctx context.Context) checkpoint.Saver {
	m.mongoOnce.Do(func() {
		saver, err := checkpoint.NewMongoSaver(ctx, m.cfg.Checkpoint)
		if err != nil {
			slog.Warn("MongoDB checkpoint store connection failed", "error", err)
			return
		}
		m.mongoSaver = saver
	})
	return m.mongoSaver
}

// Saver exposes the checkpoint store for a config id, for history queries.
func (m *Manager) Saver(ctx context.Context, configID string) (checkpoint.Saver, error) {
	p, err := m.Protocol(configID)
	if err != nil {
		return nil, err
	}
	saver, err := m.saverFor(ctx, p)
	if err != nil {
		return nil, err
	}
	if saver == nil {
		return m.memSaver, nil
	}
	return saver, nil
}

// Close releases the checkpoint stores.
func (m *Manager) Close(ctx context.Context) error {
	if m.mongoSaver != nil {
		return m.mongoSaver.Close(ctx)
	}
	return nil
}
