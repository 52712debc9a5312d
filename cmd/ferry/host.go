package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/ferry/internal/bus"
	"github.com/nugget/ferry/internal/config"
	"github.com/nugget/ferry/internal/events"
	"github.com/nugget/ferry/internal/globaldata"
	"github.com/nugget/ferry/internal/host"
	"github.com/nugget/ferry/internal/httpkit"
	"github.com/nugget/ferry/internal/oauth"
	"github.com/nugget/ferry/internal/paths"
	"github.com/nugget/ferry/internal/settings"
	"github.com/nugget/ferry/internal/transport"
)

// backend holds the state shared by every connection the process
// serves: configuration and the SQLite-backed stores.
type backend struct {
	cfg        *config.Config
	db         *sql.DB
	settings   *settings.Store
	globalData *globaldata.Store
	logger     *slog.Logger
}

func openBackend(cfg *config.Config, logger *slog.Logger) (*backend, error) {
	dataDir := paths.ExpandHome(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := settings.OpenDB(filepath.Join(dataDir, "ferry.db"))
	if err != nil {
		return nil, err
	}
	st, err := settings.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("settings store: %w", err)
	}
	gd, err := globaldata.NewStore(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("global data store: %w", err)
	}

	logger.Debug("backend opened", "data_dir", dataDir)
	return &backend{cfg: cfg, db: db, settings: st, globalData: gd, logger: logger}, nil
}

func (b *backend) Close() error {
	return b.db.Close()
}

// session is one UI connection: a bus over its transport, the
// workspace registry answering on it, and the event relay.
type session struct {
	bus      *bus.Bus
	registry *host.Registry
	cancel   context.CancelFunc
}

func (b *backend) attach(ctx context.Context, t transport.Transport) *session {
	logger := b.logger
	msgBus := bus.New(t, logger.With("component", "bus"))
	evs := events.New()

	client := httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithRetry(2, 500*time.Millisecond))
	om := oauth.NewManager(oauth.NewProviderFactory(client, logger), evs, logger.With("component", "oauth"))

	reg := host.New(msgBus, host.Options{
		Config:     b.cfg,
		Settings:   b.settings,
		GlobalData: b.globalData,
		OAuth:      om,
		Events:     evs,
		Logger:     logger.With("component", "host"),
	})

	fwdCtx, cancel := context.WithCancel(ctx)
	go events.Forward(fwdCtx, evs, msgBus, logger)

	return &session{bus: msgBus, registry: reg, cancel: cancel}
}

// wait blocks until the peer disconnects or ctx is done.
func (s *session) wait(ctx context.Context) {
	select {
	case <-s.bus.Done():
	case <-ctx.Done():
	}
}

func (s *session) Close() error {
	s.cancel()
	err := s.registry.Close()
	if cerr := s.bus.Close(); err == nil {
		err = cerr
	}
	return err
}
