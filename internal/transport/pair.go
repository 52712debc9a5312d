package transport

import (
	"context"
	"sync"
)

// PairEnd is one side of an in-process direct pair.
type PairEnd struct {
	out  *pipe
	in   *pipe
	once sync.Once
}

// NewPair returns two linked ends. A message sent on a is observed on b
// and vice versa, in FIFO order per direction. Delivery always happens
// on a pump goroutine, never inside Send.
func NewPair() (a, b *PairEnd) {
	ab := newPipe()
	ba := newPipe()
	a = &PairEnd{out: ab, in: ba}
	b = &PairEnd{out: ba, in: ab}
	return a, b
}

// Send enqueues a copy of msg for the peer.
func (e *PairEnd) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := *msg
	return e.out.push(&m)
}

// Messages returns the inbound channel.
func (e *PairEnd) Messages() <-chan *Message {
	return e.in.out
}

// Close tears down both directions, so the peer's Messages channel is
// closed as well.
func (e *PairEnd) Close() error {
	e.once.Do(func() {
		e.out.close()
		e.in.close()
	})
	return nil
}

// pipe is an unbounded FIFO drained by a single pump goroutine, so a
// sender never blocks on a slow receiver.
type pipe struct {
	mu     sync.Mutex
	queue  []*Message
	closed bool

	wake chan struct{}
	done chan struct{}
	out  chan *Message
}

func newPipe() *pipe {
	p := &pipe{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan *Message),
	}
	go p.pump()
	return p
}

func (p *pipe) push(m *Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.queue = append(p.queue, m)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

func (p *pipe) pump() {
	defer close(p.out)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.mu.Unlock()
			select {
			case <-p.wake:
			case <-p.done:
			}
			p.mu.Lock()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
		m := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		select {
		case p.out <- m:
		case <-p.done:
			return
		}
	}
}

func (p *pipe) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.queue = nil
	close(p.done)
}
