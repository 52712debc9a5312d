package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nugget/ferry/internal/oauth"
	"github.com/nugget/ferry/internal/settings"
	"github.com/nugget/ferry/internal/workspace"
)

// providerInfo describes a model provider the host knows how to
// authenticate.
type providerInfo struct {
	ID   string
	Name string
	Env  []string
}

var providerCatalog = []providerInfo{
	{ID: "anthropic", Name: "Anthropic", Env: []string{"ANTHROPIC_API_KEY"}},
	{ID: "openai", Name: "OpenAI", Env: []string{"OPENAI_API_KEY"}},
	{ID: "google", Name: "Google", Env: []string{"GOOGLE_API_KEY", "GEMINI_API_KEY"}},
	{ID: "deepseek", Name: "DeepSeek", Env: []string{"DEEPSEEK_API_KEY"}},
	{ID: "openrouter", Name: "OpenRouter", Env: []string{"OPENROUTER_API_KEY"}},
	{ID: string(oauth.KindGitHubCopilot), Name: "GitHub Copilot"},
	{ID: string(oauth.KindQwen), Name: "Qwen"},
	{ID: string(oauth.KindCodex), Name: "Codex"},
}

// ProviderView is one entry of providers.list. Keys are never returned
// in full.
type ProviderView struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Env           []string `json:"env,omitempty"`
	ValidEnvs     []string `json:"validEnvs"`
	HasAPIKey     bool     `json:"hasApiKey"`
	MaskedAPIKey  string   `json:"maskedApiKey,omitempty"`
	APIKeyOrigin  string   `json:"apiKeyOrigin,omitempty"`
	APIKeyEnvName string   `json:"apiKeyEnvName,omitempty"`
	OAuthUser     string   `json:"oauthUser,omitempty"`
}

// maskAPIKey keeps the first and last four characters of keys longer
// than eight characters.
func maskAPIKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func (r *Registry) describeProvider(p providerInfo, configKey string) ProviderView {
	v := ProviderView{ID: p.ID, Name: p.Name, Env: p.Env, ValidEnvs: []string{}}

	var envKey, envName string
	for _, name := range p.Env {
		if val := r.getenv(name); val != "" {
			v.ValidEnvs = append(v.ValidEnvs, name)
			if envKey == "" {
				envKey, envName = val, name
			}
		}
	}
	v.HasAPIKey = configKey != ""

	switch {
	case envKey != "":
		v.MaskedAPIKey = maskAPIKey(envKey)
		v.APIKeyOrigin = "env"
		v.APIKeyEnvName = envName
	case configKey != "":
		v.APIKeyOrigin = "config"
		if !oauth.IsOAuthProvider(p.ID) {
			v.MaskedAPIKey = maskAPIKey(configKey)
			break
		}
		if acct, err := oauth.ParseAccount(oauth.Kind(p.ID), []byte(configKey)); err == nil {
			v.OAuthUser = acct.Identity()
		}
		if v.OAuthUser == "" {
			v.MaskedAPIKey = "(OAuth token)"
		}
	}
	return v
}

func credentials(ws *workspace.Workspace) (*settings.View, error) {
	v := ws.Settings()
	if v == nil {
		return nil, errors.New("settings store unavailable")
	}
	return v, nil
}

func (r *Registry) registerProviders() {
	r.bus.RegisterHandler("providers.list", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd string `json:"cwd"`
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

		out := make([]ProviderView, 0, len(providerCatalog))
		for _, p := range providerCatalog {
			key, err := store.GetString(oauth.CredentialKey(oauth.Kind(p.ID)))
			if err != nil {
				return nil, fmt.Errorf("read %s credential: %w", p.ID, err)
			}
			out = append(out, r.describeProvider(p, key))
		}
		return map[string]any{"providers": out}, nil
	})

	r.bus.RegisterHandler("providers.login.initOAuth", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd        string `json:"cwd"`
			ProviderID string `json:"providerId"`
			Timeout    int64  `json:"timeout"` // milliseconds
		}
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		if _, err := r.Workspace(ctx, req.Cwd); err != nil {
			return nil, err
		}
		ttl := time.Duration(req.Timeout) * time.Millisecond
		if ttl <= 0 {
			ttl = r.cfg.OAuth.SessionTTL
		}
		return r.oauth.Init(ctx, oauth.Kind(req.ProviderID), ttl)
	})

	r.bus.RegisterHandler("providers.login.pollOAuth", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd       string `json:"cwd"`
			SessionID string `json:"oauthSessionId"`
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
		return r.oauth.Poll(ctx, req.SessionID, store)
	})

	r.bus.RegisterHandler("providers.login.completeOAuth", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd        string `json:"cwd"`
			ProviderID string `json:"providerId"`
			SessionID  string `json:"oauthSessionId"`
			Code       string `json:"code"`
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
		return r.oauth.Complete(ctx, oauth.Kind(req.ProviderID), req.SessionID, req.Code, store)
	})

	r.bus.RegisterHandler("providers.login.status", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var req struct {
			Cwd        string `json:"cwd"`
			ProviderID string `json:"providerId"`
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
		return r.oauth.LoginStatus(ctx, oauth.Kind(req.ProviderID), store)
	})
}
