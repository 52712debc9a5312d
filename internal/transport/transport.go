// Package transport carries bus envelopes between the UI process and the
// backend host. Three variants share one interface: an in-process direct
// pair, a newline-delimited JSON stream (stdio of a child process), and a
// websocket connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by Send after the transport has been closed.
var ErrClosed = errors.New("transport closed")

// Kind discriminates the three envelope shapes.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Message is the single envelope that crosses a transport. Requests use
// ID, Method and Payload. Responses use ID, Success and either Data or
// Error. Events use Event and Payload and carry no ID.
type Message struct {
	Type    Kind            `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Success bool            `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Transport is one end of a bidirectional message channel. An end is
// owned by exactly one bus.
type Transport interface {
	// Send delivers msg to the peer. It never invokes the peer's
	// receive path on the caller's stack.
	Send(ctx context.Context, msg *Message) error

	// Messages yields inbound envelopes in arrival order. The channel
	// is closed when the transport ends.
	Messages() <-chan *Message

	// Close ends the transport. Safe to call more than once.
	Close() error
}
