package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/nugget/ferry/internal/bus"
)

// WorkspaceInfo is the name of the builtin plugin that reports on the
// workspace it is bound to.
const WorkspaceInfo = "workspace-info"

var builtins = map[string]Plugin{
	WorkspaceInfo: {
		Name: WorkspaceInfo,
		Hooks: map[Hook]Contributor{
			HookBridgeHandler: func(_ context.Context, scope Scope) (map[string]bus.Handler, error) {
				return map[string]bus.Handler{
					"workspace.info": func(context.Context, json.RawMessage) (any, error) {
						return map[string]any{
							"cwd":         scope.Cwd(),
							"productName": scope.ProductName(),
							"plugins":     scope.PluginNames(),
						}, nil
					},
				}, nil
			},
		},
	},
}

// BuiltinNames lists the bundled plugins.
func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtins resolves enabled plugin names to plugins, in the order
// given. An empty list enables every bundled plugin.
func Builtins(enabled []string) ([]Plugin, error) {
	if len(enabled) == 0 {
		enabled = BuiltinNames()
	}
	out := make([]Plugin, 0, len(enabled))
	for _, name := range enabled {
		p, ok := builtins[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		out = append(out, p)
	}
	return out, nil
}
