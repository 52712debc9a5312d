// Package workspace holds the per-directory session context: the
// merged configuration, plugin handlers, MCP servers, and settings view
// of one working directory. A Workspace is created once per directory
// by the host registry and destroyed exactly once.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/nugget/ferry/internal/bus"
	"github.com/nugget/ferry/internal/config"
	"github.com/nugget/ferry/internal/events"
	"github.com/nugget/ferry/internal/globaldata"
	"github.com/nugget/ferry/internal/mcp"
	"github.com/nugget/ferry/internal/plugin"
	"github.com/nugget/ferry/internal/settings"
	"github.com/nugget/ferry/internal/tools"
)

// Options are the inputs to a Factory.
type Options struct {
	// Cwd is the normalized working directory.
	Cwd string

	Config     *config.Config // global configuration; nil means defaults
	Settings   *settings.Store
	GlobalData *globaldata.Store
	Events     *events.Bus
	Logger     *slog.Logger
}

// Factory creates a Workspace. The host registry calls it at most once
// per directory at a time.
type Factory func(ctx context.Context, opts Options) (*Workspace, error)

// Workspace is the session context for one working directory.
type Workspace struct {
	cwd        string
	config     *config.Config
	plugins    *plugin.Manager
	mcp        *mcp.Manager
	settings   *settings.View
	globalData *globaldata.Store
	events     *events.Bus
	logger     *slog.Logger

	mu      sync.Mutex
	closers []func() error

	destroyOnce sync.Once
	destroyErr  error
}

// New is the default Factory. It merges <cwd>/.ferry/config.yaml over
// the global configuration, registers the enabled builtin plugins, and
// prepares (but does not start) the MCP servers.
func New(_ context.Context, opts Options) (*Workspace, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("cwd", opts.Cwd)

	global := opts.Config
	if global == nil {
		global = config.Default()
	}
	project, err := config.LoadProject(opts.Cwd)
	if err != nil {
		return nil, fmt.Errorf("load project config: %w", err)
	}
	cfg := global.Merge(project)

	plugins := plugin.NewManager(logger)
	enabled, err := plugin.Builtins(cfg.Plugins)
	if err != nil {
		return nil, err
	}
	for _, p := range enabled {
		if err := plugins.Register(p); err != nil {
			return nil, err
		}
	}

	ws := &Workspace{
		cwd:        opts.Cwd,
		config:     cfg,
		plugins:    plugins,
		mcp:        mcp.NewManager(cfg.MCPServers, opts.Cwd, logger),
		globalData: opts.GlobalData,
		events:     opts.Events,
		logger:     logger,
	}
	if opts.Settings != nil {
		ws.settings = opts.Settings.For(opts.Cwd)
	}
	ws.AddCloser(ws.mcp.Close)
	return ws, nil
}

// Cwd returns the normalized working directory.
func (w *Workspace) Cwd() string { return w.cwd }

// ProductName returns the configured product name.
func (w *Workspace) ProductName() string { return w.config.ProductName }

// PluginNames lists the registered plugins.
func (w *Workspace) PluginNames() []string { return w.plugins.Names() }

// Config returns the merged configuration. Callers must not modify it.
func (w *Workspace) Config() *config.Config { return w.config }

// Plugins returns the plugin manager for registering extra plugins
// before Apply.
func (w *Workspace) Plugins() *plugin.Manager { return w.plugins }

// MCP returns the workspace's MCP manager.
func (w *Workspace) MCP() *mcp.Manager { return w.mcp }

// Settings returns the settings view, or nil if the host has no
// settings store.
func (w *Workspace) Settings() *settings.View { return w.settings }

// GlobalData returns the global data store, or nil.
func (w *Workspace) GlobalData() *globaldata.Store { return w.globalData }

// InitAsync starts background initialization and returns immediately.
// Each MCP server that settles is published as an mcp.ready event.
func (w *Workspace) InitAsync() {
	w.mcp.InitAsync(func(st mcp.ServerStatus) {
		w.logger.Debug("MCP server settled", "server", st.Name, "state", st.State, "tools", st.ToolCount)
		data := map[string]any{
			"cwd":       w.cwd,
			"server":    st.Name,
			"state":     st.State,
			"toolCount": st.ToolCount,
		}
		if st.Error != "" {
			data["error"] = st.Error
		}
		w.events.Publish(events.Event{Source: events.SourceMCP, Kind: events.KindReady, Data: data})
	})
}

// Apply merges the handlers every plugin contributes to hook, bound to
// this workspace.
func (w *Workspace) Apply(ctx context.Context, hook plugin.Hook, strategy plugin.MergeStrategy) (map[string]bus.Handler, error) {
	return w.plugins.Apply(ctx, hook, w, strategy)
}

// Tools resolves the effective tool set under opts and the merged tools
// configuration.
func (w *Workspace) Tools(ctx context.Context, opts tools.Options) (tools.Set, error) {
	return tools.Resolve(ctx, opts, tools.Config(w.config.Tools), w.mcp)
}

// AddCloser registers fn to run on Destroy. Closers run in reverse
// registration order.
func (w *Workspace) AddCloser(fn func() error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closers = append(w.closers, fn)
}

// Destroy releases the workspace's resources. Only the first call does
// any work; later calls return the first call's result.
func (w *Workspace) Destroy() error {
	w.destroyOnce.Do(func() {
		w.mu.Lock()
		closers := slices.Clone(w.closers)
		w.closers = nil
		w.mu.Unlock()

		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		w.destroyErr = errors.Join(errs...)
		w.logger.Debug("workspace destroyed")
	})
	return w.destroyErr
}
