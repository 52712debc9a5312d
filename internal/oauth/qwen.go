package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ferry/internal/httpkit"
)

// QwenProvider logs in to Qwen with the device flow plus PKCE.
type QwenProvider struct {
	ClientID      string
	Scope         string
	DeviceCodeURL string
	TokenURL      string
	PollInterval  time.Duration

	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	verifier string
	issued   *tokenResponse
	account  *QwenAccount
}

// NewQwenProvider returns a provider using the public Qwen endpoints.
func NewQwenProvider(client *http.Client, logger *slog.Logger) *QwenProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	return &QwenProvider{
		ClientID:      "f0304373b74a44d2b584a3fb70ca9e56",
		Scope:         "openid profile email model.completion",
		DeviceCodeURL: "https://chat.qwen.ai/api/v1/oauth2/device/code",
		TokenURL:      "https://chat.qwen.ai/api/v1/oauth2/token",
		client:        client,
		logger:        logger,
		now:           time.Now,
	}
}

// InitAuth implements [Provider].
func (p *QwenProvider) InitAuth(ctx context.Context, _ time.Duration) (*AuthStart, error) {
	challenge, err := newPKCE()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.verifier = challenge.verifier
	p.mu.Unlock()

	dc, err := requestDeviceCode(ctx, p.client, p.DeviceCodeURL, url.Values{
		"client_id":             {p.ClientID},
		"scope":                 {p.Scope},
		"code_challenge":        {challenge.challenge},
		"code_challenge_method": {"S256"},
	})
	if err != nil {
		return nil, err
	}

	outcomes := pollDeviceToken(ctx, p.client, p.TokenURL, url.Values{
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"client_id":     {p.ClientID},
		"device_code":   {dc.DeviceCode},
		"code_verifier": {challenge.verifier},
	}, pollInterval(p.PollInterval, dc.Interval))

	authURL := dc.VerificationURIComplete
	if authURL == "" {
		authURL = dc.VerificationURI
	}
	return &AuthStart{
		URL:      authURL,
		UserCode: dc.UserCode,
		Token: relayTokens(outcomes, func(tr *tokenResponse) {
			p.mu.Lock()
			p.issued = tr
			p.mu.Unlock()
		}),
	}, nil
}

// GetToken implements [Provider]. A token matching the one the device
// flow issued keeps its refresh token and expiry; anything else is
// taken as a bare access token.
func (p *QwenProvider) GetToken(_ context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty Qwen token")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.issued != nil && p.issued.AccessToken == token {
		p.account = p.accountFrom(p.issued)
		return nil
	}
	p.account = &QwenAccount{AccessToken: token}
	return nil
}

// Refresh implements [Provider]. Tokens still valid are left alone.
func (p *QwenProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	acct := p.account
	p.mu.Unlock()
	if acct == nil {
		return errors.New("not authenticated")
	}
	if acct.ExpiresAt == 0 || p.now().UnixMilli() < acct.ExpiresAt || acct.RefreshToken == "" {
		return nil
	}

	var tr tokenResponse
	err := postForm(ctx, p.client, p.TokenURL, url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {p.ClientID},
		"refresh_token": {acct.RefreshToken},
	}, &tr)
	if err != nil {
		return fmt.Errorf("refresh Qwen token: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("refresh Qwen token: %w", tr.err())
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = acct.RefreshToken
	}

	p.mu.Lock()
	p.account = p.accountFrom(&tr)
	p.mu.Unlock()
	return nil
}

// State implements [Provider].
func (p *QwenProvider) State() Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil {
		return nil
	}
	return p.account
}

func (p *QwenProvider) accountFrom(tr *tokenResponse) *QwenAccount {
	acct := &QwenAccount{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ResourceURL:  tr.ResourceURL,
	}
	if tr.ExpiresIn > 0 {
		acct.ExpiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	}
	if tr.IDToken != "" {
		if claims, err := jwtClaims(tr.IDToken); err == nil {
			acct.Username, _ = claims["preferred_username"].(string)
			acct.Email, _ = claims["email"].(string)
		}
	}
	return acct
}
