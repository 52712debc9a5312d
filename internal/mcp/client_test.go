package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// mockConn is a test double for Conn with canned results per method.
type mockConn struct {
	mu      sync.Mutex
	results map[string]any
	errors  map[string]*RPCError
	calls   []string
	notifs  []string
	block   chan struct{}
	closed  bool
}

func newMockConn() *mockConn {
	return &mockConn{results: map[string]any{}, errors: map[string]*RPCError{}}
}

func (m *mockConn) Call(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req.Method)
	block := m.block
	m.mu.Unlock()

	if block != nil && req.Method == "tools/call" {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rpcErr, ok := m.errors[req.Method]; ok {
		return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Error: rpcErr}, nil
	}
	result, ok := m.results[req.Method]
	if !ok {
		return nil, fmt.Errorf("unexpected method %s", req.Method)
	}
	data, _ := json.Marshal(result)
	return &Response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: data}, nil
}

func (m *mockConn) Notify(_ context.Context, req *Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifs = append(m.notifs, req.Method)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func readyConn() *mockConn {
	m := newMockConn()
	m.results["initialize"] = map[string]any{
		"protocolVersion": protocolVersion,
		"serverInfo":      map[string]any{"name": "test-server", "version": "1.0"},
	}
	m.results["tools/list"] = map[string]any{
		"tools": []map[string]any{
			{"name": "search", "description": "Search docs"},
			{"name": "fetch_page", "description": "Fetch a page"},
		},
	}
	return m
}

func TestClient_InitializeSendsNotification(t *testing.T) {
	conn := readyConn()
	c := NewClient("docs", conn, nil)

	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(conn.notifs) != 1 || conn.notifs[0] != "notifications/initialized" {
		t.Errorf("notifs = %v", conn.notifs)
	}
}

func TestClient_ListToolsCached(t *testing.T) {
	conn := readyConn()
	c := NewClient("docs", conn, nil)

	for range 3 {
		defs, err := c.ListTools(context.Background())
		if err != nil {
			t.Fatalf("ListTools: %v", err)
		}
		if len(defs) != 2 || defs[0].Name != "search" {
			t.Fatalf("defs = %+v", defs)
		}
	}
	if n := strings.Count(strings.Join(conn.calls, ","), "tools/list"); n != 1 {
		t.Errorf("tools/list called %d times, want 1", n)
	}
}

func TestClient_CallTool(t *testing.T) {
	tests := []struct {
		name    string
		result  map[string]any
		rpcErr  *RPCError
		want    string
		wantErr string
	}{
		{
			name: "text blocks joined",
			result: map[string]any{"content": []map[string]any{
				{"type": "text", "text": "line one"},
				{"type": "image"},
				{"type": "text", "text": "line two"},
			}},
			want: "line one\n[image]\nline two",
		},
		{
			name:    "tool error flag",
			result:  map[string]any{"isError": true, "content": []map[string]any{{"type": "text", "text": "no such page"}}},
			wantErr: "no such page",
		},
		{
			name:    "rpc error",
			rpcErr:  &RPCError{Code: -32602, Message: "invalid params"},
			wantErr: "invalid params",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newMockConn()
			if tt.rpcErr != nil {
				conn.errors["tools/call"] = tt.rpcErr
			} else {
				conn.results["tools/call"] = tt.result
			}
			got, err := NewClient("docs", conn, nil).CallTool(context.Background(), "fetch_page", nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("CallTool: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_CancelSendsNotification(t *testing.T) {
	conn := newMockConn()
	conn.block = make(chan struct{})
	conn.results["tools/call"] = map[string]any{"content": []any{}}
	c := NewClient("docs", conn, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.CallTool(ctx, "slow", nil)
		errc <- err
	}()
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want Canceled", err)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.notifs) != 1 || conn.notifs[0] != "notifications/cancelled" {
		t.Errorf("notifs = %v, want cancellation", conn.notifs)
	}
}
