package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxLineSize caps a single newline-delimited envelope.
const maxLineSize = 16 << 20

// Stream exchanges newline-delimited JSON envelopes over a reader and a
// writer, typically the stdin and stdout of a child host process.
type Stream struct {
	r      io.Reader
	w      io.Writer
	logger *slog.Logger

	writeMu sync.Mutex
	out     chan *Message

	closeMu sync.Mutex
	closed  bool
}

// NewStream starts reading from r immediately. If r or w implement
// io.Closer they are closed by Close.
func NewStream(r io.Reader, w io.Writer, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		r:      r,
		w:      w,
		logger: logger,
		out:    make(chan *Message, 64),
	}
	go s.readLoop()
	return s
}

func (s *Stream) readLoop() {
	defer close(s.out)

	scanner := bufio.NewScanner(s.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(line, &m); err != nil {
			s.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		s.out <- &m
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		s.logger.Debug("stream read ended", "error", err)
	}
}

// Send writes msg as one JSON line.
func (s *Stream) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	data = append(data, '\n')

	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return ErrClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.w.Write(data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// Messages returns the inbound channel.
func (s *Stream) Messages() <-chan *Message {
	return s.out
}

// Close closes the underlying reader and writer where possible.
func (s *Stream) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	var errs []error
	if c, ok := s.w.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := s.r.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
