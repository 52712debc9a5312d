package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

// WebSocket carries envelopes over a gorilla websocket connection.
type WebSocket struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	out     chan *Message
	once    sync.Once
}

// NewWebSocket wraps an established connection and starts its read loop.
func NewWebSocket(conn *websocket.Conn, logger *slog.Logger) *WebSocket {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WebSocket{
		conn:   conn,
		logger: logger,
		out:    make(chan *Message, 64),
	}
	go ws.readLoop()
	return ws
}

// DialWebSocket connects to a host listening at url (ws:// or wss://).
func DialWebSocket(ctx context.Context, url string, logger *slog.Logger) (*WebSocket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return NewWebSocket(conn, logger), nil
}

// WebSocketHandler upgrades incoming HTTP requests and hands each
// connection to serve. The connection is closed when serve returns.
func WebSocketHandler(serve func(context.Context, *WebSocket), logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		ws := NewWebSocket(conn, logger.With("remote", r.RemoteAddr))
		defer ws.Close()
		serve(r.Context(), ws)
	})
}

func (ws *WebSocket) readLoop() {
	defer close(ws.out)
	for {
		var m Message
		if err := ws.conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				ws.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		ws.out <- &m
	}
}

// Send writes msg as one text frame.
func (ws *WebSocket) Send(ctx context.Context, msg *Message) error {
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		ws.conn.SetWriteDeadline(deadline)
		defer ws.conn.SetWriteDeadline(time.Time{})
	}
	if err := ws.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// Messages returns the inbound channel.
func (ws *WebSocket) Messages() <-chan *Message {
	return ws.out
}

// Close sends a close frame and closes the connection.
func (ws *WebSocket) Close() error {
	var err error
	ws.once.Do(func() {
		ws.writeMu.Lock()
		ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseGrace))
		ws.writeMu.Unlock()
		err = ws.conn.Close()
	})
	return err
}
