// Package events is the host's internal publish/subscribe bus. Host
// components (workspace registry, OAuth manager, MCP managers) publish
// lifecycle events; a [Forward] loop relays them to the UI process as
// one-way bus events. The bus is nil-safe: Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceWorkspace = "workspace"
	SourceOAuth     = "oauth"
	SourceMCP       = "mcp"
)

// Kinds describe what happened within a source.
const (
	// KindCreated: a workspace was created. Data: cwd.
	KindCreated = "created"
	// KindDestroyed: a workspace was destroyed. Data: cwd.
	KindDestroyed = "destroyed"
	// KindResolved: an OAuth token flow settled. Data: oauthSessionId,
	// providerId, status, error.
	KindResolved = "resolved"
	// KindReady: an MCP server finished starting. Data: cwd, server,
	// state, toolCount, error.
	KindReady = "ready"
)

// Event is one operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Name is the wire name of the event, such as "oauth.resolved".
func (e Event) Name() string {
	return e.Source + "." + e.Kind
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       map[chan Event]struct{}
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish stamps e if needed and offers it to every subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events with the given
// buffer. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emitter sends a named one-way event to the peer process.
type Emitter interface {
	Emit(ctx context.Context, name string, payload any) error
}

// Forward relays every event published on b to out until ctx is done.
// Emit failures are logged and do not stop the loop.
func Forward(ctx context.Context, b *Bus, out Emitter, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ch := b.Subscribe(64)
	defer b.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			payload := e.Data
			if payload == nil {
				payload = map[string]any{}
			}
			if err := out.Emit(ctx, e.Name(), payload); err != nil {
				logger.Debug("failed to forward event", "event", e.Name(), "error", err)
			}
		}
	}
}
