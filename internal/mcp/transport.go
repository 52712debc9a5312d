package mcp

import "context"

// Conn carries JSON-RPC traffic to one MCP server.
type Conn interface {
	// Call sends a request and waits for the response with the same id.
	Call(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, req *Request) error

	// Close releases the connection. For stdio this stops the subprocess.
	Close() error
}
