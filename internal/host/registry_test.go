package host

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nugget/ferry/internal/bus"
	"github.com/nugget/ferry/internal/events"
	"github.com/nugget/ferry/internal/globaldata"
	"github.com/nugget/ferry/internal/paths"
	"github.com/nugget/ferry/internal/plugin"
	"github.com/nugget/ferry/internal/settings"
	"github.com/nugget/ferry/internal/transport"
	"github.com/nugget/ferry/internal/workspace"
)

type harness struct {
	ui       *bus.Bus
	host     *bus.Bus
	registry *Registry
	events   *events.Bus
	settings *settings.Store
	created  atomic.Int32
}

type harnessOption func(*Options)

func newHarness(t *testing.T, extra ...harnessOption) *harness {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st, err := settings.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	gd, err := globaldata.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}

	a, b := transport.NewPair()
	h := &harness{
		ui:       bus.New(a, nil),
		host:     bus.New(b, nil),
		events:   events.New(),
		settings: st,
	}
	t.Cleanup(func() {
		h.ui.Close()
		h.host.Close()
	})

	opts := Options{
		Settings:   st,
		GlobalData: gd,
		Events:     h.events,
		Getenv:     func(string) string { return "" },
		Factory: func(ctx context.Context, o workspace.Options) (*workspace.Workspace, error) {
			h.created.Add(1)
			return workspace.New(ctx, o)
		},
	}
	for _, fn := range extra {
		fn(&opts)
	}
	h.registry = New(h.host, opts)
	t.Cleanup(func() { h.registry.Close() })
	return h
}

// tempDir returns a normalized temporary directory, so comparisons with
// workspace keys hold where the temp root is a symlink.
func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := paths.Normalize(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return dir
}

func (h *harness) call(t *testing.T, method string, payload, out any) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.ui.Call(ctx, method, payload, out)
}

func TestWorkspace_ConcurrentCallsShareOne(t *testing.T) {
	h := newHarness(t)
	dir := tempDir(t)

	gate := make(chan struct{})
	h.registry.factory = func(ctx context.Context, o workspace.Options) (*workspace.Workspace, error) {
		h.created.Add(1)
		<-gate
		return workspace.New(ctx, o)
	}

	const n = 16
	got := make([]*workspace.Workspace, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cwd := dir
			if i%2 == 1 {
				cwd = dir + string(filepath.Separator) + "."
			}
			ws, err := h.registry.Workspace(context.Background(), cwd)
			if err != nil {
				t.Errorf("Workspace: %v", err)
				return
			}
			got[i] = ws
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if h.created.Load() != 1 {
		t.Errorf("factory called %d times, want 1", h.created.Load())
	}
	for i := range got {
		if got[i] != got[0] {
			t.Fatalf("caller %d got a different workspace", i)
		}
	}
}

func TestWorkspace_CallerCancelDoesNotAbortCreation(t *testing.T) {
	h := newHarness(t)
	dir := tempDir(t)

	gate := make(chan struct{})
	h.registry.factory = func(ctx context.Context, o workspace.Options) (*workspace.Workspace, error) {
		h.created.Add(1)
		<-gate
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return workspace.New(ctx, o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.registry.Workspace(ctx, dir)
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	close(gate)
	ws, err := h.registry.Workspace(context.Background(), dir)
	if err != nil || ws == nil {
		t.Fatalf("Workspace after cancel: %v", err)
	}
	if h.created.Load() != 1 {
		t.Errorf("factory called %d times, want 1", h.created.Load())
	}
}

func TestClearWorkspace_RecreatesAndDestroysOnce(t *testing.T) {
	h := newHarness(t)
	dir := tempDir(t)
	ctx := context.Background()

	first, err := h.registry.Workspace(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	var destroyed atomic.Int32
	first.AddCloser(func() error { destroyed.Add(1); return nil })

	sub := h.events.Subscribe(8)
	if err := h.registry.ClearWorkspace(ctx, dir); err != nil {
		t.Fatalf("ClearWorkspace: %v", err)
	}
	second, err := h.registry.Workspace(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("cleared workspace was returned again")
	}
	first.Destroy()
	if destroyed.Load() != 1 {
		t.Errorf("destroy ran %d times, want 1", destroyed.Load())
	}

	var names []string
	for len(names) < 2 {
		select {
		case e := <-sub:
			names = append(names, e.Name())
		case <-time.After(time.Second):
			t.Fatalf("events so far %v", names)
		}
	}
	if names[0] != "workspace.destroyed" || names[1] != "workspace.created" {
		t.Errorf("events = %v", names)
	}

	if err := h.registry.ClearWorkspace(ctx, tempDir(t)); err != nil {
		t.Errorf("clearing an absent workspace: %v", err)
	}
}

func TestClearAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var destroyed atomic.Int32
	for range 3 {
		ws, err := h.registry.Workspace(ctx, tempDir(t))
		if err != nil {
			t.Fatal(err)
		}
		ws.AddCloser(func() error { destroyed.Add(1); return nil })
	}
	if len(h.registry.Cwds()) != 3 {
		t.Fatalf("cwds = %v", h.registry.Cwds())
	}
	if err := h.registry.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	if destroyed.Load() != 3 || len(h.registry.Cwds()) != 0 {
		t.Errorf("destroyed = %d, cwds = %v", destroyed.Load(), h.registry.Cwds())
	}
}

func TestWorkspace_FactoryError(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Factory = func(context.Context, workspace.Options) (*workspace.Workspace, error) {
			return nil, errors.New("disk full")
		}
	})
	_, err := h.registry.Workspace(context.Background(), tempDir(t))
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v", err)
	}
	if len(h.registry.Cwds()) != 0 {
		t.Error("failed creation was cached")
	}
}

// echoPlugin contributes methods that report which workspace served them.
func echoPlugin(methods ...string) plugin.Plugin {
	return plugin.Plugin{
		Name: "echo",
		Hooks: map[plugin.Hook]plugin.Contributor{
			plugin.HookBridgeHandler: func(_ context.Context, scope plugin.Scope) (map[string]bus.Handler, error) {
				out := make(map[string]bus.Handler)
				for _, m := range methods {
					out[m] = func(context.Context, json.RawMessage) (any, error) {
						return scope.Cwd(), nil
					}
				}
				return out, nil
			},
		},
	}
}

func TestPluginRouting_ByPayloadCwd(t *testing.T) {
	dirA, dirB, dirC := tempDir(t), tempDir(t), tempDir(t)

	h := newHarness(t, func(o *Options) {
		o.Factory = func(ctx context.Context, wo workspace.Options) (*workspace.Workspace, error) {
			ws, err := workspace.New(ctx, wo)
			if err != nil {
				return nil, err
			}
			switch wo.Cwd {
			case dirA:
				err = ws.Plugins().Register(echoPlugin("echo.cwd", "only.a"))
			case dirB:
				err = ws.Plugins().Register(echoPlugin("echo.cwd"))
			}
			return ws, err
		}
	})
	h.host.RegisterHandler("echo.cwd", func(context.Context, json.RawMessage) (any, error) {
		return "static", nil
	})
	ctx := context.Background()
	for _, dir := range []string{dirA, dirB, dirC} {
		if _, err := h.registry.Workspace(ctx, dir); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		cwd  string
		want string
	}{
		{dirA, dirA},
		{dirB, dirB},
		{dirC, "static"},
	}
	for _, tt := range tests {
		var got string
		if err := h.call(t, "echo.cwd", map[string]string{"cwd": tt.cwd}, &got); err != nil {
			t.Fatalf("echo.cwd(%s): %v", tt.cwd, err)
		}
		if got != tt.want {
			t.Errorf("echo.cwd(%s) = %q, want %q", tt.cwd, got, tt.want)
		}
	}

	err := h.call(t, "only.a", map[string]string{"cwd": dirB}, nil)
	var remote *bus.RemoteError
	if !errors.As(err, &remote) || remote.Message != bus.MethodNotFound("only.a") {
		t.Errorf("only.a from B err = %v, want method not found", err)
	}

	// A cleared workspace stops serving; the next request recreates it.
	if err := h.registry.ClearWorkspace(ctx, dirA); err != nil {
		t.Fatal(err)
	}
	var got string
	if err := h.call(t, "only.a", map[string]string{"cwd": dirA}, &got); err != nil || got != dirA {
		t.Errorf("only.a after recreate = %q, %v", got, err)
	}
}

func TestBuiltinPluginOverBus(t *testing.T) {
	h := newHarness(t)
	dir := tempDir(t)

	var info struct {
		Cwd         string   `json:"cwd"`
		ProductName string   `json:"productName"`
		Plugins     []string `json:"plugins"`
	}
	if _, err := h.registry.Workspace(context.Background(), dir); err != nil {
		t.Fatal(err)
	}
	if err := h.call(t, "workspace.info", map[string]string{"cwd": dir}, &info); err != nil {
		t.Fatalf("workspace.info: %v", err)
	}
	if info.Cwd != dir || info.ProductName != "ferry" || len(info.Plugins) != 1 {
		t.Errorf("info = %+v", info)
	}
}

func TestTrackCancel(t *testing.T) {
	h := newHarness(t)

	ctx, done := h.registry.withOp(context.Background(), "op-1")
	defer done()

	var res struct {
		Cancelled bool `json:"cancelled"`
	}
	if err := h.call(t, "ops.cancel", map[string]string{"opId": "op-1"}, &res); err != nil {
		t.Fatal(err)
	}
	if !res.Cancelled {
		t.Error("cancelled = false for a tracked op")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("op context not cancelled")
	}

	if err := h.call(t, "ops.cancel", map[string]string{"opId": "op-1"}, &res); err != nil {
		t.Fatal(err)
	}
	if res.Cancelled {
		t.Error("second cancel reported true")
	}
}

func TestTrack_ReplacesAndCancelsPrevious(t *testing.T) {
	h := newHarness(t)
	first, cancel1 := context.WithCancel(context.Background())
	defer cancel1()
	h.registry.Track("op", cancel1)
	_, cancel2 := context.WithCancel(context.Background())
	h.registry.Track("op", cancel2)

	if first.Err() == nil {
		t.Error("replaced op was not cancelled")
	}
	if !h.registry.Cancel("op") {
		t.Error("replacement not tracked")
	}
}

func TestClearWorkspace_DuringCreationDiscardsResult(t *testing.T) {
	h := newHarness(t)
	dir := tempDir(t)

	entered := make(chan struct{})
	gate := make(chan struct{})
	var destroyed atomic.Int32
	h.registry.factory = func(ctx context.Context, o workspace.Options) (*workspace.Workspace, error) {
		first := h.created.Add(1) == 1
		if first {
			close(entered)
			<-gate
		}
		ws, err := workspace.New(ctx, o)
		if err != nil {
			return nil, err
		}
		if first {
			ws.AddCloser(func() error {
				destroyed.Add(1)
				return nil
			})
		}
		return ws, nil
	}

	type result struct {
		ws  *workspace.Workspace
		err error
	}
	done := make(chan result, 1)
	go func() {
		ws, err := h.registry.Workspace(context.Background(), dir)
		done <- result{ws, err}
	}()

	<-entered
	if err := h.registry.ClearWorkspace(context.Background(), dir); err != nil {
		t.Fatalf("ClearWorkspace: %v", err)
	}
	close(gate)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Workspace did not return")
	}
	if res.err != nil {
		t.Fatalf("Workspace: %v", res.err)
	}
	if h.created.Load() != 2 {
		t.Errorf("factory called %d times, want 2", h.created.Load())
	}
	if destroyed.Load() != 1 {
		t.Errorf("stale workspace destroyed %d times, want 1", destroyed.Load())
	}
	cached, err := h.registry.Workspace(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if cached != res.ws {
		t.Error("cached workspace differs from the one returned")
	}
}

func TestWithOp_FinishedOpKeepsReplacement(t *testing.T) {
	h := newHarness(t)

	ctxA, doneA := h.registry.withOp(context.Background(), "op-1")
	ctxB, doneB := h.registry.withOp(context.Background(), "op-1")
	defer doneB()

	if ctxA.Err() == nil {
		t.Error("replaced op was not cancelled")
	}
	doneA()

	if !h.registry.Cancel("op-1") {
		t.Fatal("replacement op no longer tracked after the first one finished")
	}
	select {
	case <-ctxB.Done():
	case <-time.After(time.Second):
		t.Fatal("replacement op context not cancelled")
	}
}

func forwardEvents(ctx context.Context, h *harness) {
	events.Forward(ctx, h.events, h.host, nil)
}
