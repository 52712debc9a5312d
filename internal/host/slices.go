package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/nugget/ferry/internal/buildinfo"
	"github.com/nugget/ferry/internal/globaldata"
	"github.com/nugget/ferry/internal/mcp"
	"github.com/nugget/ferry/internal/tools"
)

type cwdRequest struct {
	Cwd string `json:"cwd"`
}

func (r *Registry) registerGlobalData() {
	r.bus.RegisterHandler("globalData.recentModels.get", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req cwdRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		gd, err := r.globalDataFor(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		models, err := gd.RecentModels()
		if err != nil {
			return nil, err
		}
		return map[string]any{"recentModels": models}, nil
	})

	r.bus.RegisterHandler("globalData.recentModels.add", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd   string `json:"cwd"`
			Model string `json:"model"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		gd, err := r.globalDataFor(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		if err := gd.AddRecentModel(req.Model); err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})
}

// globalDataFor resolves the request's workspace and returns its
// global data store.
func (r *Registry) globalDataFor(ctx context.Context, cwd string) (*globaldata.Store, error) {
	ws, err := r.Workspace(ctx, cwd)
	if err != nil {
		return nil, err
	}
	gd := ws.GlobalData()
	if gd == nil {
		return nil, errors.New("global data store unavailable")
	}
	return gd, nil
}

func (r *Registry) registerConfig() {
	r.bus.RegisterHandler("config.get", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd string `json:"cwd"`
			Key string `json:"key"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		store, err := credentials(ws)
		if err != nil {
			return nil, err
		}
		raw, ok, err := store.Get(req.Key)
		if err != nil {
			return nil, err
		}
		if !ok || isSecret(req.Key) {
			return map[string]any{"value": nil}, nil
		}
		return map[string]any{"value": raw}, nil
	})

	r.bus.RegisterHandler("config.set", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd      string          `json:"cwd"`
			IsGlobal bool            `json:"isGlobal"`
			Key      string          `json:"key"`
			Value    json.RawMessage `json:"value"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		store, err := credentials(ws)
		if err != nil {
			return nil, err
		}
		if len(req.Value) == 0 || string(req.Value) == "null" {
			err = store.Delete(req.IsGlobal, req.Key)
		} else {
			err = store.Set(req.IsGlobal, req.Key, req.Value)
		}
		if err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})

	r.bus.RegisterHandler("config.list", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd      string `json:"cwd"`
			IsGlobal bool   `json:"isGlobal"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		store, err := credentials(ws)
		if err != nil {
			return nil, err
		}
		values, err := store.List(req.IsGlobal)
		if err != nil {
			return nil, err
		}
		for key := range values {
			if isSecret(key) {
				delete(values, key)
			}
		}
		return map[string]any{"values": values}, nil
	})
}

// isSecret reports keys that hold provider credentials. They are
// readable only through providers.list, masked.
func isSecret(key string) bool {
	return strings.HasPrefix(key, "provider.") && strings.HasSuffix(key, ".apiKey")
}

func (r *Registry) registerTools() {
	r.bus.RegisterHandler("tools.list", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd   string `json:"cwd"`
			Write bool   `json:"write"`
			Todo  bool   `json:"todo"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		set, err := ws.Tools(ctx, tools.Options{Write: req.Write, Todo: req.Todo})
		if err != nil {
			return nil, err
		}
		return map[string]any{"tools": set}, nil
	})
}

func (r *Registry) registerMCP() {
	r.bus.RegisterHandler("mcp.list", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req cwdRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		return map[string]any{"servers": ws.MCP().Status()}, nil
	})

	r.bus.RegisterHandler("mcp.callTool", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd       string         `json:"cwd"`
			OpID      string         `json:"opId"`
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if _, _, ok := mcp.SplitName(req.Name); !ok {
			return nil, fmt.Errorf("not an MCP tool name: %q", req.Name)
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}

		ctx, done := r.withOp(ctx, req.OpID)
		defer done()
		text, err := ws.MCP().CallTool(ctx, req.Name, req.Arguments)
		if err != nil {
			return nil, err
		}
		return map[string]any{"text": text}, nil
	})
}

func (r *Registry) registerOps() {
	r.bus.RegisterHandler("ops.cancel", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			OpID string `json:"opId"`
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return map[string]any{"cancelled": r.Cancel(req.OpID)}, nil
	})
}

func (r *Registry) registerProject() {
	r.bus.RegisterHandler("project.clearContext", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req cwdRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		var err error
		if req.Cwd == "" {
			err = r.ClearAll(ctx)
		} else {
			err = r.ClearWorkspace(ctx, req.Cwd)
		}
		if err != nil {
			return nil, err
		}
		return struct{}{}, nil
	})
}

func (r *Registry) registerStatus() {
	r.bus.RegisterHandler("status.get", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req cwdRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		ws, err := r.Workspace(ctx, req.Cwd)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"version":      buildinfo.Version,
			"build":        buildinfo.Info(),
			"uptime":       buildinfo.Uptime().String(),
			"started":      humanize.Time(buildinfo.StartTime()),
			"workspaces":   r.Cwds(),
			"cwd":          ws.Cwd(),
			"oauthPending": r.oauth.Pending(),
		}, nil
	})
}
