package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/nugget/ferry/internal/bus"
	"github.com/nugget/ferry/internal/transport"
)

const callTimeout = 30 * time.Second

// runCall sends one request to a running host and prints the
// response. args holds the method and an optional JSON payload.
func runCall(ctx context.Context, stdout, stderr io.Writer, configPath, url string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	if url == "" {
		url = "ws://" + net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port)) + "/"
	}

	method := args[0]
	var payload json.RawMessage
	if len(args) > 1 {
		payload = json.RawMessage(args[1])
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON: %s", args[1])
		}
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	ws, err := transport.DialWebSocket(ctx, url, logger)
	if err != nil {
		return err
	}
	b := bus.New(ws, logger)
	defer b.Close()

	resp, err := b.Request(ctx, method, payload)
	if err != nil {
		return err
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp, "", "  "); err != nil {
		out.Reset()
		out.Write(resp)
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(stdout)
	return err
}
