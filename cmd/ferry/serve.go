package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/nugget/ferry/internal/buildinfo"
	"github.com/nugget/ferry/internal/transport"
)

// maxConns bounds concurrent UI connections. One UI drives one host.
const maxConns = 1

// runServe listens for the UI on the configured address until ctx is
// cancelled.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(os.Stderr, cfg)
	logger.Info("ferry starting",
		"version", buildinfo.Version,
		"commit", buildinfo.GitCommit,
		"config", cfgPath,
	)

	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	addr := net.JoinHostPort(cfg.Listen.Address, strconv.Itoa(cfg.Listen.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	fmt.Fprintf(stdout, "ferry listening on ws://%s/\n", ln.Addr())

	return serveListener(ctx, netutil.LimitListener(ln, maxConns), be)
}

// serveListener runs the host's HTTP server on ln. Shutdown closes
// every live session before returning.
func serveListener(ctx context.Context, ln net.Listener, be *backend) error {
	logger := be.logger
	var live sync.WaitGroup

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":  "ok",
			"version": buildinfo.Version,
			"uptime":  buildinfo.Uptime().Round(time.Second).String(),
		})
	})
	mux.Handle("GET /{$}", transport.WebSocketHandler(func(_ context.Context, ws *transport.WebSocket) {
		live.Add(1)
		defer live.Done()

		s := be.attach(ctx, ws)
		logger.Info("UI connected")
		s.wait(ctx)
		if err := s.Close(); err != nil {
			logger.Warn("session close failed", "error", err)
		}
		logger.Info("UI disconnected")
	}, logger))

	server := &http.Server{
		Handler:           withLogging(mux, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := server.Shutdown(shutdownCtx)
	// Hijacked websocket connections are not tracked by Shutdown.
	live.Wait()
	return err
}

func withLogging(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
