// Package host is the backend side of the bus: it caches one Workspace
// per working directory, installs the static handler slices, and routes
// plugin-contributed methods to the workspace named in each request.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nugget/ferry/internal/bus"
	"github.com/nugget/ferry/internal/config"
	"github.com/nugget/ferry/internal/events"
	"github.com/nugget/ferry/internal/globaldata"
	"github.com/nugget/ferry/internal/oauth"
	"github.com/nugget/ferry/internal/paths"
	"github.com/nugget/ferry/internal/plugin"
	"github.com/nugget/ferry/internal/settings"
	"github.com/nugget/ferry/internal/workspace"
)

// Options configure a Registry. Only the bus is required.
type Options struct {
	Config     *config.Config
	Factory    workspace.Factory
	Settings   *settings.Store
	GlobalData *globaldata.Store
	OAuth      *oauth.Manager
	Events     *events.Bus
	Strategy   plugin.MergeStrategy

	// Getenv looks up provider API keys; nil means os.Getenv.
	Getenv func(string) string

	Logger *slog.Logger
}

// route dispatches one plugin method to the handler bound to the
// request's workspace.
type route struct {
	fallback bus.Handler
	byCwd    map[string]bus.Handler
}

// Registry owns the workspace cache and the cancellation table.
type Registry struct {
	bus        *bus.Bus
	cfg        *config.Config
	factory    workspace.Factory
	settings   *settings.Store
	globalData *globaldata.Store
	oauth      *oauth.Manager
	events     *events.Bus
	strategy   plugin.MergeStrategy
	getenv     func(string) string
	logger     *slog.Logger

	group singleflight.Group

	mu         sync.Mutex
	workspaces map[string]*workspace.Workspace
	routes     map[string]*route
	ops        map[string]*trackedOp

	// Clear generations. A creation that sees its generation change
	// before caching was overtaken by a clear and starts over.
	clears   map[string]uint64
	clearAll uint64
}

// New creates a Registry and registers the static handler slices on b.
func New(b *bus.Bus, opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = workspace.New
	}
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	om := opts.OAuth
	if om == nil {
		om = oauth.NewManager(oauth.NewProviderFactory(nil, logger), opts.Events, logger)
	}

	r := &Registry{
		bus:        b,
		cfg:        cfg,
		factory:    factory,
		settings:   opts.Settings,
		globalData: opts.GlobalData,
		oauth:      om,
		events:     opts.Events,
		strategy:   opts.Strategy,
		getenv:     getenv,
		logger:     logger,
		workspaces: make(map[string]*workspace.Workspace),
		routes:     make(map[string]*route),
		ops:        make(map[string]*trackedOp),
		clears:     make(map[string]uint64),
	}

	r.registerProviders()
	r.registerGlobalData()
	r.registerConfig()
	r.registerTools()
	r.registerMCP()
	r.registerOps()
	r.registerProject()
	r.registerStatus()
	return r
}

// Workspace returns the cached Workspace for cwd, creating it on first
// use. Concurrent first calls for the same directory share one
// creation, which is not cancelled if the first caller gives up.
func (r *Registry) Workspace(ctx context.Context, cwd string) (*workspace.Workspace, error) {
	key, err := paths.Normalize(cwd)
	if err != nil {
		return nil, fmt.Errorf("normalize %q: %w", cwd, err)
	}

	if ws := r.cached(key); ws != nil {
		return ws, nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		if ws := r.cached(key); ws != nil {
			return ws, nil
		}
		return r.createCurrent(context.WithoutCancel(ctx), key)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*workspace.Workspace), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) cached(key string) *workspace.Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workspaces[key]
}

// errClearedDuringCreate reports a creation overtaken by a clear of
// the same directory.
var errClearedDuringCreate = errors.New("workspace cleared during creation")

const maxCreateAttempts = 3

// createCurrent creates the workspace for key, starting over when a
// clear lands while the factory is running so a cleared directory
// never caches a stale instance.
func (r *Registry) createCurrent(ctx context.Context, key string) (*workspace.Workspace, error) {
	for range maxCreateAttempts {
		ws, err := r.create(ctx, key)
		if !errors.Is(err, errClearedDuringCreate) {
			return ws, err
		}
		r.logger.Debug("workspace cleared while being created; retrying", "cwd", key)
	}
	return nil, fmt.Errorf("create workspace %s: %w", key, errClearedDuringCreate)
}

// generation must be called with r.mu held.
func (r *Registry) generation(key string) uint64 {
	return r.clears[key] + r.clearAll
}

func (r *Registry) create(ctx context.Context, key string) (*workspace.Workspace, error) {
	start := time.Now()
	r.mu.Lock()
	gen := r.generation(key)
	r.mu.Unlock()

	ws, err := r.factory(ctx, workspace.Options{
		Cwd:        key,
		Config:     r.cfg,
		Settings:   r.settings,
		GlobalData: r.globalData,
		Events:     r.events,
		Logger:     r.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", key, err)
	}
	ws.InitAsync()

	handlers, err := ws.Apply(ctx, plugin.HookBridgeHandler, r.strategy)
	if err != nil {
		ws.Destroy()
		return nil, fmt.Errorf("apply plugins for %s: %w", key, err)
	}

	r.mu.Lock()
	if r.generation(key) != gen {
		r.mu.Unlock()
		if err := ws.Destroy(); err != nil {
			r.logger.Warn("stale workspace destroy failed", "cwd", key, "error", err)
		}
		return nil, errClearedDuringCreate
	}
	r.workspaces[key] = ws
	r.installRoutes(key, handlers)
	r.mu.Unlock()

	r.logger.Info("workspace created", "cwd", key, "plugin_methods", len(handlers),
		"elapsed", time.Since(start).Round(time.Millisecond))
	r.events.Publish(events.Event{
		Source: events.SourceWorkspace,
		Kind:   events.KindCreated,
		Data:   map[string]any{"cwd": key},
	})
	return ws, nil
}

// installRoutes binds a workspace's plugin handlers. The first time a
// method is seen, a router replaces whatever static handler was
// registered; that handler remains the fallback for workspaces that
// do not contribute the method. Caller must hold r.mu.
func (r *Registry) installRoutes(key string, handlers map[string]bus.Handler) {
	for method, h := range handlers {
		rt, ok := r.routes[method]
		if !ok {
			fallback, _ := r.bus.Handler(method)
			rt = &route{fallback: fallback, byCwd: make(map[string]bus.Handler)}
			r.routes[method] = rt
			r.bus.RegisterHandler(method, r.router(method))
		}
		rt.byCwd[key] = h
	}
}

func (r *Registry) router(method string) bus.Handler {
	return func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd string `json:"cwd"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}

		r.mu.Lock()
		rt := r.routes[method]
		h := rt.byCwd[ws.Cwd()]
		fallback := rt.fallback
		r.mu.Unlock()

		switch {
		case h != nil:
			return h(ctx, payload)
		case fallback != nil:
			return fallback(ctx, payload)
		}
		return nil, errors.New(bus.MethodNotFound(method))
	}
}

// ClearWorkspace destroys and evicts the Workspace for cwd. A creation
// for cwd still in flight is discarded and redone, so callers waiting
// on it receive a fresh instance.
func (r *Registry) ClearWorkspace(_ context.Context, cwd string) error {
	key, err := paths.Normalize(cwd)
	if err != nil {
		return fmt.Errorf("normalize %q: %w", cwd, err)
	}

	r.mu.Lock()
	r.clears[key]++
	ws, ok := r.workspaces[key]
	if ok {
		r.evict(key)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return r.destroy(key, ws)
}

// ClearAll destroys and evicts every cached Workspace and discards
// creations in flight.
func (r *Registry) ClearAll(_ context.Context) error {
	r.mu.Lock()
	r.clearAll++
	all := make(map[string]*workspace.Workspace, len(r.workspaces))
	for key, ws := range r.workspaces {
		all[key] = ws
		r.evict(key)
	}
	r.mu.Unlock()

	var errs []error
	for key, ws := range all {
		if err := r.destroy(key, ws); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// evict drops key from the cache and the plugin routes. Caller must
// hold r.mu.
func (r *Registry) evict(key string) {
	delete(r.workspaces, key)
	for _, rt := range r.routes {
		delete(rt.byCwd, key)
	}
}

func (r *Registry) destroy(key string, ws *workspace.Workspace) error {
	err := ws.Destroy()
	if err != nil {
		r.logger.Warn("workspace destroy failed", "cwd", key, "error", err)
	} else {
		r.logger.Info("workspace destroyed", "cwd", key)
	}
	r.events.Publish(events.Event{
		Source: events.SourceWorkspace,
		Kind:   events.KindDestroyed,
		Data:   map[string]any{"cwd": key},
	})
	return err
}

// Cwds lists the cached workspace directories in sorted order.
func (r *Registry) Cwds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.workspaces))
	for key := range r.workspaces {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// trackedOp is one entry of the cancellation table. Entries are
// compared by pointer so a finished operation only removes itself.
type trackedOp struct {
	cancel context.CancelFunc
}

// Track records cancel under opID so a later ops.cancel can stop the
// operation. An existing entry for opID is cancelled and replaced.
func (r *Registry) Track(opID string, cancel context.CancelFunc) {
	r.track(opID, cancel)
}

func (r *Registry) track(opID string, cancel context.CancelFunc) *trackedOp {
	op := &trackedOp{cancel: cancel}
	r.mu.Lock()
	prev := r.ops[opID]
	r.ops[opID] = op
	r.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}
	return op
}

// Cancel cancels and forgets the operation opID. It reports whether
// one was tracked.
func (r *Registry) Cancel(opID string) bool {
	r.mu.Lock()
	op, ok := r.ops[opID]
	delete(r.ops, opID)
	r.mu.Unlock()
	if ok {
		op.cancel()
	}
	return ok
}

// withOp derives a cancellable context tracked under opID. The
// returned func must be called when the operation finishes; it leaves
// alone a newer operation that took over the same opID. An empty opID
// is not tracked.
func (r *Registry) withOp(ctx context.Context, opID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	if opID == "" {
		return ctx, cancel
	}
	op := r.track(opID, cancel)
	return ctx, func() {
		r.mu.Lock()
		if r.ops[opID] == op {
			delete(r.ops, opID)
		}
		r.mu.Unlock()
		cancel()
	}
}

// Close destroys every workspace and abandons pending logins.
func (r *Registry) Close() error {
	r.oauth.Close()
	return r.ClearAll(context.Background())
}

// decode unmarshals a request payload. An empty payload leaves v as is.
func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
