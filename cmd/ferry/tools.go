package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"

	"github.com/nugget/ferry/internal/bus"
	"github.com/nugget/ferry/internal/tools"
	"github.com/nugget/ferry/internal/transport"
)

// runTools starts a host in-process, resolves the full tool set for
// dir over the bus the way a UI would, and prints it.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, dir string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer be.Close()

	uiEnd, hostEnd := transport.NewPair()
	s := be.attach(ctx, hostEnd)
	defer s.Close()
	ui := bus.New(uiEnd, logger)
	defer ui.Close()

	var resp struct {
		Tools tools.Set `json:"tools"`
	}
	req := map[string]any{"cwd": abs, "write": true, "todo": true}
	if err := ui.Call(ctx, "tools.list", req, &resp); err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp.Tools)
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, t := range resp.Tools {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", t.Name, t.Family, t.Description)
	}
	return tw.Flush()
}
