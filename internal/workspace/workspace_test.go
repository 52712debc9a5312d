package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nugget/ferry/internal/config"
	"github.com/nugget/ferry/internal/events"
	"github.com/nugget/ferry/internal/plugin"
	"github.com/nugget/ferry/internal/tools"
)

func writeProject(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, config.ProjectDirName), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, config.ProjectDirName, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNew_MergesProjectConfig(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "tools:\n  bash: false\n")

	global := config.Default()
	global.Tools = map[string]bool{"fetch": false}

	ws, err := New(context.Background(), Options{Cwd: dir, Config: global})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ws.Destroy()
	ws.InitAsync()

	set, err := ws.Tools(context.Background(), tools.Options{Write: true})
	if err != nil {
		t.Fatalf("Tools: %v", err)
	}
	names := set.Names()
	if slices.Contains(names, tools.Bash) || slices.Contains(names, tools.Fetch) {
		t.Errorf("names = %v, want bash and fetch disabled", names)
	}
	if !slices.Contains(names, tools.Write) {
		t.Errorf("names = %v, want write", names)
	}
	if global.Tools["bash"] {
		t.Error("project merge mutated the global config")
	}
}

func TestNew_BadProjectConfig(t *testing.T) {
	dir := t.TempDir()
	writeProject(t, dir, "tools: [not, a, map]\n")
	if _, err := New(context.Background(), Options{Cwd: dir}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNew_UnknownPlugin(t *testing.T) {
	cfg := config.Default()
	cfg.Plugins = []string{"missing"}
	if _, err := New(context.Background(), Options{Cwd: t.TempDir(), Config: cfg}); err == nil {
		t.Fatal("expected unknown plugin error")
	}
}

func TestApply_BindsScope(t *testing.T) {
	dir := t.TempDir()
	ws, err := New(context.Background(), Options{Cwd: dir})
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Destroy()

	handlers, err := ws.Apply(context.Background(), plugin.HookBridgeHandler, plugin.LastWins)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	h, ok := handlers["workspace.info"]
	if !ok {
		t.Fatal("workspace.info missing")
	}
	v, err := h(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	info := v.(map[string]any)
	if info["cwd"] != dir || info["productName"] != "ferry" {
		t.Errorf("info = %v", info)
	}
	if !slices.Equal(info["plugins"].([]string), []string{plugin.WorkspaceInfo}) {
		t.Errorf("plugins = %v", info["plugins"])
	}
}

func TestDestroy_Once(t *testing.T) {
	ws, err := New(context.Background(), Options{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	var order []string
	ws.AddCloser(func() error { order = append(order, "first"); return nil })
	ws.AddCloser(func() error { order = append(order, "second"); return errors.New("close failed") })

	err1 := ws.Destroy()
	err2 := ws.Destroy()
	if err1 == nil || err1 != err2 {
		t.Errorf("Destroy errors = %v, %v; want the same non-nil error", err1, err2)
	}
	if !slices.Equal(order, []string{"second", "first"}) {
		t.Errorf("closer order = %v", order)
	}
}

func TestInitAsync_PublishesReady(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.MCPServers = map[string]config.MCPServerConfig{
		"broken": {Command: filepath.Join(dir, "does-not-exist")},
	}
	bus := events.New()
	sub := bus.Subscribe(4)

	ws, err := New(context.Background(), Options{Cwd: dir, Config: cfg, Events: bus})
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Destroy()
	ws.InitAsync()

	select {
	case e := <-sub:
		if e.Name() != "mcp.ready" || e.Data["server"] != "broken" || e.Data["state"] != "failed" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no mcp.ready event")
	}
}
