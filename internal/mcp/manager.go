package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ferry/internal/config"
	"github.com/nugget/ferry/internal/tools"
)

// Server states reported by Status.
const (
	StateStarting = "starting"
	StateReady    = "ready"
	StateFailed   = "failed"
	StateDisabled = "disabled"
)

const initTimeout = 30 * time.Second

// ErrUnknownServer is returned for tool names whose server is not configured.
var ErrUnknownServer = errors.New("unknown MCP server")

// ServerStatus describes one configured server.
type ServerStatus struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
	ToolCount int    `json:"toolCount"`
}

type server struct {
	name      string
	transport string
	client    *Client

	ready chan struct{}
	state string
	err   error
	tools []ToolDefinition
}

// Manager owns the MCP clients of one workspace.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	servers map[string]*server
	order   []string

	initOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager builds clients for every configured server. Nothing is
// started until InitAsync. dir is the working directory for stdio
// subprocesses.
func NewManager(servers map[string]config.MCPServerConfig, dir string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger,
		servers: make(map[string]*server, len(servers)),
	}
	for name, cfg := range servers {
		s := &server{name: name, transport: cfg.Transport(), ready: make(chan struct{})}
		if cfg.Disabled {
			s.state = StateDisabled
			close(s.ready)
		} else {
			var conn Conn
			if cfg.URL != "" {
				conn = NewHTTPConn(cfg.URL, cfg.Headers, logger)
			} else {
				conn = NewStdioConn(cfg.Command, cfg.Args, cfg.Env, dir, logger)
			}
			s.client = NewClient(name, conn, logger)
			s.state = StateStarting
		}
		m.servers[name] = s
		m.order = append(m.order, name)
	}
	sort.Strings(m.order)
	return m
}

// NewManagerWithClients is NewManager for already constructed clients.
func NewManagerWithClients(clients []*Client, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger, servers: make(map[string]*server, len(clients))}
	for _, c := range clients {
		m.servers[c.Name()] = &server{name: c.Name(), transport: "custom", client: c, state: StateStarting, ready: make(chan struct{})}
		m.order = append(m.order, c.Name())
	}
	sort.Strings(m.order)
	return m
}

// InitAsync starts every enabled server in the background and returns
// immediately. onReady, if non-nil, runs after each server settles.
// Later calls are no-ops.
func (m *Manager) InitAsync(onReady func(ServerStatus)) {
	m.initOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.cancel = cancel
		m.mu.Unlock()

		for _, name := range m.order {
			s := m.servers[name]
			if s.client == nil {
				continue
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.start(ctx, s)
				if onReady != nil {
					onReady(m.statusOf(s))
				}
			}()
		}
	})
}

func (m *Manager) start(ctx context.Context, s *server) {
	ctx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	err := s.client.Initialize(ctx)
	var defs []ToolDefinition
	if err == nil {
		defs, err = s.client.ListTools(ctx)
	}

	m.mu.Lock()
	if err != nil {
		s.state = StateFailed
		s.err = err
	} else {
		s.state = StateReady
		s.tools = defs
	}
	m.mu.Unlock()
	close(s.ready)

	if err != nil {
		m.logger.Warn("MCP server failed to start", "server", s.name, "error", err)
	}
}

// AllTools waits for every started server to settle (bounded by ctx)
// and returns the tools of the ready ones as mcp__<server>/<tool>, in
// server name order then server-reported order. Failed servers are
// skipped.
func (m *Manager) AllTools(ctx context.Context) ([]tools.Tool, error) {
	var out []tools.Tool
	for _, name := range m.order {
		s := m.servers[name]
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		m.mu.RLock()
		defs := s.tools
		m.mu.RUnlock()
		for _, d := range defs {
			out = append(out, tools.Tool{
				Name:        tools.MCPName(name, d.Name),
				Description: d.Description,
				Family:      tools.FamilyMCP,
				InputSchema: d.InputSchema,
			})
		}
	}
	return out, nil
}

// Status reports every configured server in name order.
func (m *Manager) Status() []ServerStatus {
	out := make([]ServerStatus, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.statusOf(m.servers[name]))
	}
	return out
}

func (m *Manager) statusOf(s *server) ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := ServerStatus{Name: s.name, Transport: s.transport, State: s.state, ToolCount: len(s.tools)}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// CallTool invokes a namespaced mcp__<server>/<tool>.
func (m *Manager) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	serverName, toolName, ok := SplitName(name)
	if !ok {
		return "", fmt.Errorf("not an MCP tool name: %q", name)
	}
	s, ok := m.servers[serverName]
	if !ok || s.client == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownServer, serverName)
	}
	select {
	case <-s.ready:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return s.client.CallTool(ctx, toolName, args)
}

// SplitName parses mcp__<server>/<tool>.
func SplitName(name string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(name, "mcp__")
	if !found {
		return "", "", false
	}
	server, tool, ok = strings.Cut(rest, "/")
	if !ok || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// Close stops background initialization and closes every client.
func (m *Manager) Close() error {
	m.mu.RLock()
	cancel := m.cancel
	m.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	var errs []error
	for _, name := range m.order {
		if c := m.servers[name].client; c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}
