package main

import (
	"context"
	"io"

	"github.com/nugget/ferry/internal/transport"
)

// runStdio serves one parent process over newline-delimited JSON on
// stdin and stdout. It returns when stdin closes or ctx is done.
func runStdio(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	s := be.attach(ctx, transport.NewStream(stdin, stdout, logger))
	s.wait(ctx)
	return s.Close()
}
