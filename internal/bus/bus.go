// Package bus implements request/response correlation and one-way events
// over a [transport.Transport]. Each side of a transport owns one Bus;
// either side may issue requests and register handlers.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/nugget/ferry/internal/transport"
)

// levelTrace matches config.LevelTrace without importing config.
const levelTrace = slog.Level(-8)

// ErrClosed is returned by Request once the bus or its transport has ended.
var ErrClosed = errors.New("bus closed")

// Handler serves one method. The returned value is marshalled into the
// response data; a returned error becomes a failure envelope carrying
// the error text.
type Handler func(ctx context.Context, payload json.RawMessage) (any, error)

// EventListener receives one event payload.
type EventListener func(payload json.RawMessage)

// RemoteError is a failure envelope returned by the peer.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

// MethodNotFound formats the failure text for an unregistered method.
func MethodNotFound(method string) string {
	return "method not found: " + method
}

type listener struct {
	id int64
	fn EventListener
}

// Bus correlates requests with responses by id and dispatches inbound
// requests and events to registered handlers and listeners.
type Bus struct {
	t      transport.Transport
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[string]chan *transport.Message
	closed    bool

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	listenersMu sync.RWMutex
	listeners   map[string][]listener
	nextLID     int64

	// Inbound events are queued here and delivered in arrival order by
	// eventLoop, off the read loop.
	eventMu   sync.Mutex
	eventQ    []*transport.Message
	eventWake chan struct{}
}

// New binds a bus to t and starts reading from it.
func New(t transport.Transport, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		t:         t,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		pending:   make(map[string]chan *transport.Message),
		handlers:  make(map[string]Handler),
		listeners: make(map[string][]listener),
		eventWake: make(chan struct{}, 1),
	}
	go b.readLoop()
	go b.eventLoop()
	return b
}

// Done is closed when the underlying transport has ended.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close closes the transport and fails every outstanding request.
func (b *Bus) Close() error {
	err := b.t.Close()
	b.cancel()
	b.failPending()
	return err
}

// RegisterHandler binds h to method. A later registration for the same
// method replaces the earlier one.
func (b *Bus) RegisterHandler(method string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[method] = h
}

// Handler returns the handler currently bound to method, if any.
func (b *Bus) Handler(method string) (Handler, bool) {
	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	h, ok := b.handlers[method]
	return h, ok
}

// Request sends method with payload to the peer and waits for the
// matching response. There is no built-in timeout; ctx is the only
// bound. A failure envelope is returned as a *RemoteError.
func (b *Bus) Request(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	raw, err := marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	id := strconv.FormatInt(b.nextID.Add(1), 10)
	ch := make(chan *transport.Message, 1)

	b.pendingMu.Lock()
	if b.closed {
		b.pendingMu.Unlock()
		return nil, ErrClosed
	}
	b.pending[id] = ch
	b.pendingMu.Unlock()

	defer func() {
		b.pendingMu.Lock()
		delete(b.pending, id)
		b.pendingMu.Unlock()
	}()

	msg := &transport.Message{Type: transport.KindRequest, ID: id, Method: method, Payload: raw}
	b.logger.Log(ctx, levelTrace, "bus send request", "id", id, "method", method, "payload", string(raw))
	if err := b.t.Send(ctx, msg); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if !resp.Success {
			return nil, &RemoteError{Method: method, Message: resp.Error}
		}
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Call is Request followed by decoding the response data into out.
func (b *Bus) Call(ctx context.Context, method string, payload, out any) error {
	data, err := b.Request(ctx, method, payload)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

// OnEvent adds a listener for name. The returned func removes it.
func (b *Bus) OnEvent(name string, fn EventListener) (unsubscribe func()) {
	b.listenersMu.Lock()
	b.nextLID++
	id := b.nextLID
	b.listeners[name] = append(b.listeners[name], listener{id: id, fn: fn})
	b.listenersMu.Unlock()

	return func() {
		b.listenersMu.Lock()
		defer b.listenersMu.Unlock()
		ls := b.listeners[name]
		for i, l := range ls {
			if l.id == id {
				b.listeners[name] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
		if len(b.listeners[name]) == 0 {
			delete(b.listeners, name)
		}
	}
}

// Emit sends a one-way event to the peer.
func (b *Bus) Emit(ctx context.Context, name string, payload any) error {
	raw, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", name, err)
	}
	b.logger.Log(ctx, levelTrace, "bus emit", "event", name, "payload", string(raw))
	return b.t.Send(ctx, &transport.Message{Type: transport.KindEvent, Event: name, Payload: raw})
}

func (b *Bus) readLoop() {
	defer close(b.done)
	defer b.failPending()

	for msg := range b.t.Messages() {
		switch msg.Type {
		case transport.KindResponse:
			b.deliverResponse(msg)
		case transport.KindRequest:
			go b.dispatch(msg)
		case transport.KindEvent:
			b.queueEvent(msg)
		default:
			b.logger.Debug("dropping envelope of unknown type", "type", msg.Type)
		}
	}
	b.cancel()
}

func (b *Bus) deliverResponse(msg *transport.Message) {
	b.pendingMu.Lock()
	ch, ok := b.pending[msg.ID]
	if ok {
		delete(b.pending, msg.ID)
	}
	b.pendingMu.Unlock()

	if !ok {
		b.logger.Debug("dropping response for unknown request", "id", msg.ID)
		return
	}
	ch <- msg
}

func (b *Bus) failPending() {
	b.pendingMu.Lock()
	defer b.pendingMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.pending {
		close(ch)
		delete(b.pending, id)
	}
}

func (b *Bus) dispatch(msg *transport.Message) {
	b.logger.Log(b.ctx, levelTrace, "bus recv request", "id", msg.ID, "method", msg.Method, "payload", string(msg.Payload))

	resp := &transport.Message{Type: transport.KindResponse, ID: msg.ID}
	data, err := b.invoke(msg.Method, msg.Payload)
	if err == nil {
		resp.Data, err = marshal(data)
	}
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Success = true
	}

	if err := b.t.Send(b.ctx, resp); err != nil {
		b.logger.Debug("failed to send response", "id", msg.ID, "method", msg.Method, "error", err)
	}
}

func (b *Bus) invoke(method string, payload json.RawMessage) (result any, err error) {
	h, ok := b.Handler(method)
	if !ok {
		return nil, errors.New(MethodNotFound(method))
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked",
				"method", method,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%v", r)
		}
	}()
	return h(b.ctx, payload)
}

func (b *Bus) queueEvent(msg *transport.Message) {
	b.eventMu.Lock()
	b.eventQ = append(b.eventQ, msg)
	b.eventMu.Unlock()
	select {
	case b.eventWake <- struct{}{}:
	default:
	}
}

// eventLoop runs listeners so that a listener may itself make requests
// on this bus. It drains what was queued before the transport ended.
func (b *Bus) eventLoop() {
	for {
		b.eventMu.Lock()
		q := b.eventQ
		b.eventQ = nil
		b.eventMu.Unlock()

		for _, msg := range q {
			b.deliverEvent(msg)
		}
		if len(q) > 0 {
			continue
		}

		select {
		case <-b.eventWake:
		case <-b.done:
			b.eventMu.Lock()
			q = b.eventQ
			b.eventQ = nil
			b.eventMu.Unlock()
			for _, msg := range q {
				b.deliverEvent(msg)
			}
			return
		}
	}
}

func (b *Bus) deliverEvent(msg *transport.Message) {
	b.listenersMu.RLock()
	ls := append([]listener(nil), b.listeners[msg.Event]...)
	b.listenersMu.RUnlock()

	for _, l := range ls {
		b.callListener(msg.Event, l.fn, msg.Payload)
	}
}

func (b *Bus) callListener(name string, fn EventListener, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("event listener panicked", "event", name, "panic", r)
		}
	}()
	fn(payload)
}

func marshal(v any) (json.RawMessage, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
