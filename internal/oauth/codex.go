package oauth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/nugget/ferry/internal/httpkit"
)

// CodexProvider logs in to ChatGPT with an authorization-code flow plus
// PKCE. The browser redirect lands on a local callback listener; users
// on another machine can paste the code or the whole redirect URL into
// Complete instead.
type CodexProvider struct {
	ClientID     string
	AuthorizeURL string
	TokenURL     string
	// CallbackAddr is where the redirect listener binds.
	CallbackAddr string

	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	verifier    string
	state       string
	redirectURI string
	account     *CodexAccount
}

// NewCodexProvider returns a provider using the public OpenAI endpoints.
func NewCodexProvider(client *http.Client, logger *slog.Logger) *CodexProvider {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = httpkit.NewClient(httpkit.WithLogger(logger))
	}
	return &CodexProvider{
		ClientID:     "app_EMoamEEZ73f0CkXaXp7hrann",
		AuthorizeURL: "https://auth.openai.com/oauth/authorize",
		TokenURL:     "https://auth.openai.com/oauth/token",
		CallbackAddr: "127.0.0.1:1455",
		client:       client,
		logger:       logger,
		now:          time.Now,
	}
}

// InitAuth implements [Provider]. The callback listener lives until the
// returned Cleanup runs or ctx ends.
func (p *CodexProvider) InitAuth(ctx context.Context, _ time.Duration) (*AuthStart, error) {
	challenge, err := newPKCE()
	if err != nil {
		return nil, err
	}
	state, err := randomState()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", p.CallbackAddr)
	if err != nil {
		return nil, fmt.Errorf("listen for OAuth callback: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	redirectURI := fmt.Sprintf("http://localhost:%d/auth/callback", port)

	p.mu.Lock()
	p.verifier = challenge.verifier
	p.state = state
	p.redirectURI = redirectURI
	p.mu.Unlock()

	codes := make(chan TokenResult, 1)
	var once sync.Once
	deliver := func(r TokenResult) {
		once.Do(func() { codes <- r })
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			deliver(TokenResult{Err: fmt.Errorf("authorization denied: %s", e)})
			fmt.Fprintf(w, "<html><body><p>Login failed: %s</p></body></html>", html.EscapeString(e))
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			return
		}
		deliver(TokenResult{Token: code})
		fmt.Fprint(w, "<html><body><p>Login complete. You can close this window.</p></body></html>")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			p.logger.Debug("OAuth callback server stopped", "error", err)
		}
	}()

	shutdown := func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(sctx)
	}
	go func() {
		<-ctx.Done()
		deliver(TokenResult{Err: fmt.Errorf("authorization timed out: %w", ctx.Err())})
		shutdown()
	}()

	authURL := p.AuthorizeURL + "?" + url.Values{
		"response_type":              {"code"},
		"client_id":                  {p.ClientID},
		"redirect_uri":               {redirectURI},
		"scope":                      {"openid profile email offline_access"},
		"code_challenge":             {challenge.challenge},
		"code_challenge_method":      {"S256"},
		"state":                      {state},
		"id_token_add_organizations": {"true"},
		"codex_cli_simplified_flow":  {"true"},
	}.Encode()

	return &AuthStart{URL: authURL, Token: codes, Cleanup: shutdown}, nil
}

// GetToken implements [Provider]. codeOrURL is an authorization code or
// the full redirect URL carrying one.
func (p *CodexProvider) GetToken(ctx context.Context, codeOrURL string) error {
	code, err := p.extractCode(strings.TrimSpace(codeOrURL))
	if err != nil {
		return err
	}

	p.mu.Lock()
	verifier, redirectURI := p.verifier, p.redirectURI
	p.mu.Unlock()

	var tr tokenResponse
	err = postForm(ctx, p.client, p.TokenURL, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {p.ClientID},
		"code":          {code},
		"redirect_uri":  {redirectURI},
		"code_verifier": {verifier},
	}, &tr)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("exchange code: %w", tr.err())
	}

	acct := p.accountFrom(&tr)
	p.mu.Lock()
	p.account = acct
	p.mu.Unlock()
	return nil
}

func (p *CodexProvider) extractCode(in string) (string, error) {
	if in == "" {
		return "", errors.New("empty authorization code")
	}
	if !strings.Contains(in, "code=") {
		return in, nil
	}
	raw := in
	if i := strings.Index(in, "?"); i >= 0 {
		raw = in[i+1:]
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "", fmt.Errorf("parse redirect URL: %w", err)
	}
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()
	if s := q.Get("state"); s != "" && s != state {
		return "", errors.New("state mismatch")
	}
	if q.Get("code") == "" {
		return "", errors.New("redirect URL has no code")
	}
	return q.Get("code"), nil
}

// Refresh implements [Provider]. Tokens still valid are left alone.
func (p *CodexProvider) Refresh(ctx context.Context) error {
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
		return fmt.Errorf("refresh Codex token: %w", err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("refresh Codex token: %w", tr.err())
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = acct.RefreshToken
	}
	if tr.IDToken == "" {
		tr.IDToken = acct.IDToken
	}

	next := p.accountFrom(&tr)
	p.mu.Lock()
	p.account = next
	p.mu.Unlock()
	return nil
}

// State implements [Provider].
func (p *CodexProvider) State() Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.account == nil {
		return nil
	}
	return p.account
}

func (p *CodexProvider) accountFrom(tr *tokenResponse) *CodexAccount {
	acct := &CodexAccount{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		IDToken:      tr.IDToken,
	}
	if tr.ExpiresIn > 0 {
		acct.ExpiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	}
	if tr.IDToken == "" {
		return acct
	}
	claims, err := jwtClaims(tr.IDToken)
	if err != nil {
		p.logger.Debug("could not read Codex ID token", "error", err)
		return acct
	}
	acct.Email, _ = claims["email"].(string)
	if auth, ok := claims["https://api.openai.com/auth"].(map[string]any); ok {
		acct.AccountID, _ = auth["chatgpt_account_id"].(string)
	}
	return acct
}
