package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"testing"

	"github.com/nugget/ferry/internal/bus"
)

type testScope struct{ cwd string }

func (s testScope) Cwd() string           { return s.cwd }
func (s testScope) ProductName() string   { return "ferry" }
func (s testScope) PluginNames() []string { return []string{"a", "b"} }

func constant(v string) bus.Handler {
	return func(context.Context, json.RawMessage) (any, error) { return v, nil }
}

func contributing(name string, table map[string]string) Plugin {
	return Plugin{
		Name: name,
		Hooks: map[Hook]Contributor{
			HookBridgeHandler: func(context.Context, Scope) (map[string]bus.Handler, error) {
				out := make(map[string]bus.Handler, len(table))
				for method, v := range table {
					out[method] = constant(v)
				}
				return out, nil
			},
		},
	}
}

func call(t *testing.T, h bus.Handler) any {
	t.Helper()
	v, err := h(context.Background(), nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return v
}

func TestApply_Strategies(t *testing.T) {
	newManager := func() *Manager {
		m := NewManager(nil)
		m.Register(contributing("a", map[string]string{"x": "a", "only.a": "a"}))
		m.Register(Plugin{Name: "quiet"})
		m.Register(contributing("b", map[string]string{"x": "b", "only.b": "b"}))
		return m
	}

	tests := []struct {
		strategy MergeStrategy
		wantX    string
	}{
		{LastWins, "b"},
		{FirstWins, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			merged, err := newManager().Apply(context.Background(), HookBridgeHandler, testScope{}, tt.strategy)
			if err != nil {
				t.Fatalf("Apply: %v", err)
			}
			if len(merged) != 3 {
				t.Errorf("merged %d methods, want 3", len(merged))
			}
			if got := call(t, merged["x"]); got != tt.wantX {
				t.Errorf("x = %v, want %v", got, tt.wantX)
			}
		})
	}

	t.Run("error-on-conflict", func(t *testing.T) {
		_, err := newManager().Apply(context.Background(), HookBridgeHandler, testScope{}, ErrorOnConflict)
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("err = %v, want *ConflictError", err)
		}
		if conflict.Method != "x" || conflict.First != "a" || conflict.Second != "b" {
			t.Errorf("conflict = %+v", conflict)
		}
	})
}

func TestApply_ContributorError(t *testing.T) {
	m := NewManager(nil)
	m.Register(Plugin{Name: "broken", Hooks: map[Hook]Contributor{
		HookBridgeHandler: func(context.Context, Scope) (map[string]bus.Handler, error) {
			return nil, errors.New("boom")
		},
	}})
	if _, err := m.Apply(context.Background(), HookBridgeHandler, testScope{}, LastWins); err == nil {
		t.Fatal("expected contributor error")
	}
}

func TestApply_Empty(t *testing.T) {
	merged, err := NewManager(nil).Apply(context.Background(), HookBridgeHandler, testScope{}, LastWins)
	if err != nil || merged == nil || len(merged) != 0 {
		t.Errorf("Apply on empty manager = %v, %v", merged, err)
	}
}

func TestRegister(t *testing.T) {
	m := NewManager(nil)
	if err := m.Register(Plugin{Name: "a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Register(Plugin{Name: "a"}); err == nil {
		t.Error("duplicate name accepted")
	}
	if err := m.Register(Plugin{}); err == nil {
		t.Error("empty name accepted")
	}
	m.Register(Plugin{Name: "b"})
	if got := m.Names(); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("Names = %v", got)
	}
}

func TestBuiltins(t *testing.T) {
	all, err := Builtins(nil)
	if err != nil || len(all) != len(BuiltinNames()) {
		t.Fatalf("Builtins(nil) = %d plugins, %v", len(all), err)
	}
	if _, err := Builtins([]string{"nope"}); err == nil {
		t.Error("unknown plugin accepted")
	}

	m := NewManager(nil)
	for _, p := range all {
		m.Register(p)
	}
	merged, err := m.Apply(context.Background(), HookBridgeHandler, testScope{cwd: "/src/app"}, LastWins)
	if err != nil {
		t.Fatal(err)
	}
	info, ok := merged["workspace.info"]
	if !ok {
		t.Fatal("workspace.info not contributed")
	}
	got := call(t, info).(map[string]any)
	if got["cwd"] != "/src/app" || got["productName"] != "ferry" {
		t.Errorf("workspace.info = %v", got)
	}
}
