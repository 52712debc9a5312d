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

	"github.com/google/go-github/v69/github"

	"github.com/nugget/ferry/internal/httpkit"
)

// GitHubProvider logs in to GitHub Copilot with the device flow and
// then trades the GitHub token for a Copilot API token.
type GitHubProvider struct {
	ClientID        string
	DeviceCodeURL   string
	AccessTokenURL  string
	CopilotTokenURL string
	// APIBaseURL overrides api.github.com for profile lookups.
	APIBaseURL   string
	PollInterval time.Duration

	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	account *GitHubAccount
}

// NewGitHubProvider returns a provider using the public GitHub endpoints.
func NewGitHubProvider(client *http.Client, logger *slog.Logger) *GitHubProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	return &GitHubProvider{
		ClientID:        "Iv1.b507a08c87ecfe98",
		DeviceCodeURL:   "https://github.com/login/device/code",
		AccessTokenURL:  "https://github.com/login/oauth/access_token",
		CopilotTokenURL: "https://api.github.com/copilot_internal/v2/token",
		client:          client,
		logger:          logger,
	}
}

// InitAuth implements [Provider].
func (p *GitHubProvider) InitAuth(ctx context.Context, _ time.Duration) (*AuthStart, error) {
	dc, err := requestDeviceCode(ctx, p.client, p.DeviceCodeURL, url.Values{
		"client_id": {p.ClientID},
		"scope":     {"read:user"},
	})
	if err != nil {
		return nil, err
	}

	outcomes := pollDeviceToken(ctx, p.client, p.AccessTokenURL, url.Values{
		"client_id":   {p.ClientID},
		"device_code": {dc.DeviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}, pollInterval(p.PollInterval, dc.Interval))

	return &AuthStart{
		URL:      dc.VerificationURI,
		UserCode: dc.UserCode,
		Token:    relayTokens(outcomes, nil),
	}, nil
}

// GetToken implements [Provider]. token is a GitHub OAuth access token.
func (p *GitHubProvider) GetToken(_ context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("empty GitHub token")
	}
	p.mu.Lock()
	p.account = &GitHubAccount{AccessToken: token}
	p.mu.Unlock()
	return nil
}

// Refresh implements [Provider]. It fetches a Copilot token and the
// user's profile.
func (p *GitHubProvider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	acct := p.account
	p.mu.Unlock()
	if acct == nil {
		return errors.New("not authenticated")
	}

	copilot, err := p.copilotToken(ctx, acct.AccessToken)
	if err != nil {
		return err
	}
	user, err := p.profile(ctx, acct.AccessToken)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.account = &GitHubAccount{
		AccessToken:      acct.AccessToken,
		CopilotToken:     copilot.Token,
		CopilotExpiresAt: copilot.ExpiresAt,
		User:             user,
	}
	p.mu.Unlock()
	return nil
}

// State implements [Provider].
func (p *GitHubProvider) State() Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil {
		return nil
	}
	return p.account
}

type copilotToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (p *GitHubProvider) copilotToken(ctx context.Context, accessToken string) (*copilotToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.CopilotTokenURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "token "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch Copilot token: %w", err)
	}
	var ct copilotToken
	if err := httpkit.DecodeJSON(resp, &ct); err != nil {
		return nil, fmt.Errorf("fetch Copilot token: %w", err)
	}
	if ct.Token == "" {
		return nil, errors.New("Copilot token missing from response")
	}
	return &ct, nil
}

func (p *GitHubProvider) profile(ctx context.Context, accessToken string) (*GitHubUser, error) {
	gh := github.NewClient(p.client).WithAuthToken(accessToken)
	if p.APIBaseURL != "" {
		base, err := url.Parse(strings.TrimSuffix(p.APIBaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse API base URL: %w", err)
		}
		gh.BaseURL = base
	}

	u, _, err := gh.Users.Get(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("get GitHub user: %w", err)
	}
	user := &GitHubUser{Login: u.GetLogin(), Email: u.GetEmail()}
	if user.Email != "" {
		return user, nil
	}

	// The public profile often hides the email; the emails endpoint
	// needs a scope the token may lack, so failures are not fatal.
	emails, _, err := gh.Users.ListEmails(ctx, nil)
	if err != nil {
		p.logger.Debug("could not list GitHub emails", "error", err)
		return user, nil
	}
	for _, e := range emails {
		if e.GetPrimary() && e.GetVerified() {
			user.Email = e.GetEmail()
			break
		}
	}
	return user, nil
}

// relayTokens converts a device-flow outcome into a TokenResult. keep,
// if set, sees the full token response before it is reduced to the
// access token.
func relayTokens(outcomes <-chan tokenOutcome, keep func(*tokenResponse)) <-chan TokenResult {
	out := make(chan TokenResult, 1)
	go func() {
		o := <-outcomes
		if o.err != nil {
			out <- TokenResult{Err: o.err}
			return
		}
		if keep != nil {
			keep(o.token)
		}
		out <- TokenResult{Token: o.token.AccessToken}
	}()
	return out
}
