// Ferry is the backend host of an AI coding-assistant CLI.
//
// The terminal UI talks to ferry over a message bus: requests are
// answered by handler slices scoped to a working directory, and host
// events (workspace lifecycle, OAuth results, MCP readiness) flow back
// one way. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]); without one, defaults
// apply.
//
// Usage:
//
//	ferry serve                   Accept one UI connection over websocket
//	ferry stdio                   Serve a parent UI process over stdin/stdout
//	ferry call <method> [json]    Send one request to a running host
//	ferry tools [dir]             Resolve the tool set for dir in-process
//	ferry version                 Print version and build information
//	ferry -o json version         Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/nugget/ferry/internal/buildinfo"
	"github.com/nugget/ferry/internal/config"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand to avoid
// the flag package's global state, which would keep tests from calling
// run concurrently.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var url string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-url" && i+1 < len(args):
			url = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-url="):
			url = strings.TrimPrefix(args[i], "-url=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "stdio":
		// stdout carries the protocol, so logs go to stderr.
		return runStdio(ctx, stdin, stdout, stderr, configPath)
	case "call":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: ferry call <method> [json]")
		}
		return runCall(ctx, stdout, stderr, configPath, url, cmdArgs)
	case "tools":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runTools(ctx, stdout, stderr, configPath, outputFmt, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Ferry - backend host for an AI coding assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: ferry [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                  Accept one UI connection over websocket")
	fmt.Fprintln(w, "  stdio                  Serve a parent process over stdin/stdout")
	fmt.Fprintln(w, "  call <method> [json]   Send one request to a running host")
	fmt.Fprintln(w, "  tools [dir]            Resolve the tool set for dir (default: .)")
	fmt.Fprintln(w, "  version                Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -url <ws-url>     Host address for call (default: from config)")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/ferry/config.yaml, /etc/ferry/config.yaml")
	return nil
}

// loadConfig locates and parses the configuration. An explicit path
// must exist; when none is given and none is found, defaults apply.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger builds the logger the configuration asks for.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	return config.NewLogger(w, level, cfg.LogFormat)
}
