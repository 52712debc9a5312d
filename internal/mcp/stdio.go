package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var errConnClosed = errors.New("mcp connection closed")

// StdioConn runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin and stdout. Responses are
// routed to callers by id, so concurrent calls are allowed.
type StdioConn struct {
	command string
	args    []string
	env     []string
	dir     string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[int64]chan *Response
	exited  chan struct{}
}

// NewStdioConn prepares a subprocess connection. The process starts on
// the first Call or Notify. dir is the working directory for the
// subprocess; env entries (KEY=VALUE) are appended to the host
// environment.
func NewStdioConn(command string, args, env []string, dir string, logger *slog.Logger) *StdioConn {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioConn{
		command: command,
		args:    args,
		env:     env,
		dir:     dir,
		logger:  logger,
	}
}

// start launches the subprocess if needed. Caller must hold c.mu.
func (c *StdioConn) start() error {
	if c.cmd != nil {
		return nil
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = append(os.Environ(), c.env...)
	cmd.Dir = c.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.pending = make(map[int64]chan *Response)
	c.exited = make(chan struct{})

	go c.readLoop(stdout, c.exited)
	go c.logStderr(stderr)

	c.logger.Info("MCP subprocess started", "command", c.command, "pid", cmd.Process.Pid)
	return nil
}

func (c *StdioConn) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

func (c *StdioConn) readLoop(stdout io.Reader, exited chan struct{}) {
	reader := bufio.NewReaderSize(stdout, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			c.route(line)
		}
		if err != nil {
			break
		}
	}

	c.mu.Lock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	close(exited)
}

func (c *StdioConn) route(line []byte) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		c.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(line))
		return
	}
	if resp.ID == nil {
		// Server notification; nothing subscribes to these yet.
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*resp.ID]
	delete(c.pending, *resp.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("skipping unmatched MCP response", "id", *resp.ID)
		return
	}
	ch <- &resp
}

func (c *StdioConn) write(req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", req.Method, err)
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", req.Method, err)
	}
	return nil
}

// Call implements [Conn].
func (c *StdioConn) Call(ctx context.Context, req *Request) (*Response, error) {
	if req.ID == nil {
		return nil, fmt.Errorf("call %s: missing id", req.Method)
	}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if err := c.start(); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.pending[*req.ID] = ch
	err := c.write(req)
	if err != nil {
		delete(c.pending, *req.ID)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, errConnClosed
		}
		return resp, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, *req.ID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify implements [Conn].
func (c *StdioConn) Notify(_ context.Context, req *Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.start(); err != nil {
		return err
	}
	return c.write(req)
}

// Close stops the subprocess, killing it if it has not exited shortly
// after its stdin is closed.
func (c *StdioConn) Close() error {
	c.mu.Lock()
	cmd, stdin, exited := c.cmd, c.stdin, c.exited
	c.cmd = nil
	c.mu.Unlock()

	if cmd == nil {
		return nil
	}
	stdin.Close()

	select {
	case <-exited:
	case <-time.After(3 * time.Second):
		c.logger.Warn("MCP subprocess did not exit, killing", "pid", cmd.Process.Pid)
		cmd.Process.Kill()
		<-exited
	}
	err := cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}
