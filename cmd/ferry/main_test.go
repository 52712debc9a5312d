package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/ferry/internal/buildinfo"
	"github.com/nugget/ferry/internal/config"
	"github.com/nugget/ferry/internal/transport"
)

// writeConfig writes a minimal config whose data directory lives under
// the test's temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "data_dir: " + filepath.Join(dir, "data") + "\nlog_level: error\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), buildinfo.Version) {
		t.Errorf("output = %q, want version %q", out.String(), buildinfo.Version)
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, out.String())
	}
	if info["version"] != buildinfo.Version {
		t.Errorf("version = %q, want %q", info["version"], buildinfo.Version)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), nil, &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: ferry") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"bogus"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"call without method", []string{"call"}, "usage"},
		{"missing config", []string{"-config", "/nonexistent/ferry.yaml", "tools"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), nil, io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Tools(t *testing.T) {
	cfgPath := writeConfig(t)
	dir := t.TempDir()

	var out bytes.Buffer
	if err := run(context.Background(), nil, &out, io.Discard, []string{"-config", cfgPath, "tools", dir}); err != nil {
		t.Fatalf("run tools: %v", err)
	}
	for _, name := range []string{"read", "write", "todoWrite"} {
		if !strings.Contains(out.String(), name) {
			t.Errorf("output missing %q:\n%s", name, out.String())
		}
	}

	out.Reset()
	if err := run(context.Background(), nil, &out, io.Discard, []string{"-config", cfgPath, "-o", "json", "tools", dir}); err != nil {
		t.Fatalf("run tools json: %v", err)
	}
	var set []map[string]any
	if err := json.Unmarshal(out.Bytes(), &set); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if len(set) != 10 {
		t.Errorf("got %d tools, want 10", len(set))
	}
}

func TestRun_Stdio(t *testing.T) {
	cfgPath := writeConfig(t)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- run(context.Background(), inR, outW, io.Discard, []string{"-config", cfgPath, "stdio"})
	}()

	req := `{"type":"request","id":"1","method":"globalData.recentModels.add","payload":{"model":"qwen3-coder"}}` + "\n"
	if _, err := io.WriteString(inW, req); err != nil {
		t.Fatal(err)
	}

	lines := make(chan string, 1)
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			var m transport.Message
			if json.Unmarshal(sc.Bytes(), &m) == nil && m.Type == transport.KindResponse {
				lines <- sc.Text()
				return
			}
		}
	}()

	select {
	case line := <-lines:
		var m transport.Message
		json.Unmarshal([]byte(line), &m)
		if m.ID != "1" || !m.Success {
			t.Errorf("response = %s", line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	inW.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("stdio: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stdio did not exit after stdin closed")
	}
	outR.Close()
}

func TestServeAndCall(t *testing.T) {
	cfgPath := writeConfig(t)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	be, err := openBackend(cfg, configuredLogger(io.Discard, cfg))
	if err != nil {
		t.Fatal(err)
	}
	defer be.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- serveListener(ctx, ln, be) }()

	url := "ws://" + ln.Addr().String() + "/"
	var out bytes.Buffer
	args := []string{"-config", cfgPath, "-url", url, "call", "globalData.recentModels.add", `{"model":"gpt-5"}`}
	if err := run(context.Background(), nil, &out, io.Discard, args); err != nil {
		t.Fatalf("call add: %v", err)
	}

	out.Reset()
	args = []string{"-config", cfgPath, "-url", url, "call", "globalData.recentModels.get"}
	if err := run(context.Background(), nil, &out, io.Discard, args); err != nil {
		t.Fatalf("call get: %v", err)
	}
	var resp struct {
		RecentModels []string `json:"recentModels"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(resp.RecentModels) != 1 || resp.RecentModels[0] != "gpt-5" {
		t.Errorf("recentModels = %v, want [gpt-5]", resp.RecentModels)
	}

	err = run(context.Background(), nil, io.Discard, io.Discard,
		[]string{"-config", cfgPath, "-url", url, "call", "no.such.method"})
	if err == nil || !strings.Contains(err.Error(), "method not found") {
		t.Errorf("err = %v, want method not found", err)
	}

	resp2, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp2.StatusCode)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
