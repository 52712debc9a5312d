// Package plugin composes request handlers contributed by plugins.
// Each plugin may contribute a partial method table to a hook; Apply
// merges the tables in registration order under a [MergeStrategy].
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/ferry/internal/bus"
)

// Hook names an extension point.
type Hook string

// HookBridgeHandler collects bus request handlers scoped to a workspace.
const HookBridgeHandler Hook = "bridge.handler"

// Scope is what a plugin sees of the workspace it contributes to.
type Scope interface {
	Cwd() string
	ProductName() string
	PluginNames() []string
}

// Contributor returns a plugin's partial handler table for one scope.
// It must not mutate shared state; the table it returns is owned by the
// caller.
type Contributor func(ctx context.Context, scope Scope) (map[string]bus.Handler, error)

// Plugin is a named set of hook contributions.
type Plugin struct {
	Name  string
	Hooks map[Hook]Contributor
}

// MergeStrategy decides what happens when two plugins contribute the
// same method.
type MergeStrategy int

const (
	// LastWins keeps the later plugin's handler.
	LastWins MergeStrategy = iota
	// FirstWins keeps the earlier plugin's handler.
	FirstWins
	// ErrorOnConflict fails the merge with a *ConflictError.
	ErrorOnConflict
)

func (s MergeStrategy) String() string {
	switch s {
	case LastWins:
		return "last-wins"
	case FirstWins:
		return "first-wins"
	case ErrorOnConflict:
		return "error-on-conflict"
	}
	return fmt.Sprintf("MergeStrategy(%d)", int(s))
}

// ConflictError reports a method contributed by two plugins.
type ConflictError struct {
	Method string
	First  string
	Second string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("method %s contributed by both %s and %s", e.Method, e.First, e.Second)
}

// Manager holds the registered plugins of one workspace.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	plugins []Plugin
}

// NewManager creates an empty manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Register appends p. Names must be unique.
func (m *Manager) Register(p Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.plugins {
		if existing.Name == p.Name {
			return fmt.Errorf("plugin %s already registered", p.Name)
		}
	}
	m.plugins = append(m.plugins, p)
	return nil
}

// Names returns registered plugin names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, len(m.plugins))
	for i, p := range m.plugins {
		names[i] = p.Name
	}
	return names
}

// Apply runs every plugin's contributor for hook, in registration
// order, and merges the results. Plugins without a contributor for the
// hook are skipped. The returned map is never nil.
func (m *Manager) Apply(ctx context.Context, hook Hook, scope Scope, strategy MergeStrategy) (map[string]bus.Handler, error) {
	m.mu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.mu.RUnlock()

	merged := make(map[string]bus.Handler)
	owner := make(map[string]string)
	for _, p := range plugins {
		contribute, ok := p.Hooks[hook]
		if !ok {
			continue
		}
		table, err := contribute(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("plugin %s hook %s: %w", p.Name, hook, err)
		}
		for method, h := range table {
			if h == nil {
				continue
			}
			prev, taken := owner[method]
			if taken {
				switch strategy {
				case FirstWins:
					continue
				case ErrorOnConflict:
					return nil, &ConflictError{Method: method, First: prev, Second: p.Name}
				default:
					m.logger.Debug("plugin handler overridden",
						"method", method, "previous", prev, "plugin", p.Name)
				}
			}
			merged[method] = h
			owner[method] = p.Name
		}
	}
	return merged, nil
}
