package oauth

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an OAuth-capable model provider.
type Kind string

const (
	KindGitHubCopilot Kind = "github-copilot"
	KindQwen          Kind = "qwen"
	KindCodex         Kind = "codex"
)

// IsOAuthProvider reports whether id names a provider that logs in
// through an interactive OAuth flow rather than a pasted API key.
func IsOAuthProvider(id string) bool {
	switch Kind(id) {
	case KindGitHubCopilot, KindQwen, KindCodex:
		return true
	}
	return false
}

// CredentialKey is the settings key path under which a provider's
// credential is persisted.
func CredentialKey(kind Kind) string {
	return "provider." + string(kind) + ".options.apiKey"
}

// Account is the credential a provider holds after a successful login.
// Each provider kind has its own concrete type.
type Account interface {
	Kind() Kind
	// Identity returns a human-readable user name, or "" if the
	// provider did not report one.
	Identity() string
}

// GitHubUser is the part of the GitHub profile kept with a Copilot login.
type GitHubUser struct {
	Login string `json:"login"`
	Email string `json:"email,omitempty"`
}

// GitHubAccount is a GitHub Copilot login.
type GitHubAccount struct {
	AccessToken      string      `json:"access_token"`
	CopilotToken     string      `json:"copilot_token,omitempty"`
	CopilotExpiresAt int64       `json:"copilot_expires_at,omitempty"`
	User             *GitHubUser `json:"user,omitempty"`
}

func (a *GitHubAccount) Kind() Kind { return KindGitHubCopilot }

// Identity prefers the login and falls back to the email.
func (a *GitHubAccount) Identity() string {
	if a.User == nil {
		return ""
	}
	if a.User.Login != "" {
		return a.User.Login
	}
	return a.User.Email
}

// QwenAccount is a Qwen login.
type QwenAccount struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ResourceURL  string `json:"resource_url,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Username     string `json:"username,omitempty"`
	Email        string `json:"email,omitempty"`
}

func (a *QwenAccount) Kind() Kind { return KindQwen }

// Identity prefers the username and falls back to the email.
func (a *QwenAccount) Identity() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Email
}

// CodexAccount is a ChatGPT (Codex) login.
type CodexAccount struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	Email        string `json:"email,omitempty"`
}

func (a *CodexAccount) Kind() Kind { return KindCodex }

// Identity is the email from the ID token.
func (a *CodexAccount) Identity() string { return a.Email }

// ParseAccount decodes a persisted credential for kind.
func ParseAccount(kind Kind, data []byte) (Account, error) {
	var acct Account
	switch kind {
	case KindGitHubCopilot:
		acct = &GitHubAccount{}
	case KindQwen:
		acct = &QwenAccount{}
	case KindCodex:
		acct = &CodexAccount{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, kind)
	}
	if err := json.Unmarshal(data, acct); err != nil {
		return nil, fmt.Errorf("parse %s account: %w", kind, err)
	}
	return acct, nil
}
