package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/nugget/ferry/internal/httpkit"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPConn speaks streamable HTTP: each JSON-RPC message is POSTed and
// the response arrives in the body.
type HTTPConn struct {
	url     string
	headers map[string]string
	client  *http.Client

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPConn creates a connection to the MCP endpoint at url.
func NewHTTPConn(url string, headers map[string]string, logger *slog.Logger) *HTTPConn {
	return &HTTPConn{
		url:     url,
		headers: headers,
		client:  httpkit.NewClient(httpkit.WithLogger(logger)),
	}
}

func (c *HTTPConn) post(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", req.Method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range c.headers {
		httpReq.Header.Set(k, v)
	}
	c.mu.RLock()
	if c.sessionID != "" {
		httpReq.Header.Set(sessionHeader, c.sessionID)
	}
	c.mu.RUnlock()

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", c.url, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		c.mu.Lock()
		c.sessionID = sid
		c.mu.Unlock()
	}
	return resp, nil
}

// Call implements [Conn].
func (c *HTTPConn) Call(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP server returned %d: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 4096))
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Notify implements [Conn]. 200 and 202 both count as accepted.
func (c *HTTPConn) Notify(ctx context.Context, req *Request) error {
	httpResp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("MCP server returned %d for %s: %s",
			httpResp.StatusCode, req.Method, httpkit.ReadErrorBody(httpResp.Body, 4096))
	}
	return nil
}

// Close implements [Conn]. HTTP connections hold no process state.
func (c *HTTPConn) Close() error {
	return nil
}
