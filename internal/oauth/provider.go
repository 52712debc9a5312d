package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// TokenResult is what a provider's background flow settles with.
type TokenResult struct {
	Token string
	Err   error
}

// AuthStart is the first leg of an interactive login.
type AuthStart struct {
	// URL is where the user authorizes: a verification page for device
	// flows or an authorization URL for code flows.
	URL string

	// UserCode is shown to the user for device flows.
	UserCode string

	// Token, when non-nil, yields exactly one result once the provider
	// observes the user's authorization on its own.
	Token <-chan TokenResult

	// Cleanup releases flow resources such as a callback listener.
	Cleanup func()
}

// Provider drives one provider's login. A Provider value serves a
// single login attempt.
type Provider interface {
	// InitAuth starts the flow. ctx bounds the whole background flow,
	// not just the call.
	InitAuth(ctx context.Context, timeout time.Duration) (*AuthStart, error)

	// GetToken completes the exchange from a token delivered on
	// AuthStart.Token or a code entered by the user.
	GetToken(ctx context.Context, tokenOrCode string) error

	// Refresh brings derived credentials up to date.
	Refresh(ctx context.Context) error

	// State returns the current account, or nil before GetToken succeeded.
	State() Account
}

// ProviderFactory creates a fresh Provider for one login attempt.
type ProviderFactory func(kind Kind) (Provider, error)

// NewProviderFactory returns the factory for the bundled providers,
// all sharing client for outbound calls.
func NewProviderFactory(client *http.Client, logger *slog.Logger) ProviderFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(kind Kind) (Provider, error) {
		switch kind {
		case KindGitHubCopilot:
			return NewGitHubProvider(client, logger), nil
		case KindQwen:
			return NewQwenProvider(client, logger), nil
		case KindCodex:
			return NewCodexProvider(client, logger), nil
		}
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, kind)
	}
}
