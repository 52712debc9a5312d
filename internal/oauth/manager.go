// Package oauth runs interactive provider logins for the host. A login
// is a short-lived session: Init starts a provider flow and returns a URL
// for the user, the UI then either polls until the provider sees the
// authorization or submits a code by hand. Each session is consumed at
// most once, after which its credential is persisted through a
// [CredentialStore].
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/nugget/ferry/internal/events"
)

// DefaultSessionTTL bounds how long an unfinished login is kept.
const DefaultSessionTTL = 5 * time.Minute

var (
	// ErrSessionNotFound is returned for unknown, consumed, or swept
	// session ids.
	ErrSessionNotFound = errors.New("OAuth session expired or invalid")

	// ErrProviderMismatch is returned when a code is submitted for a
	// different provider than the session was started for.
	ErrProviderMismatch = errors.New("provider mismatch")

	ErrUnsupportedProvider = errors.New("unsupported OAuth provider")
	ErrNoAuthURL           = errors.New("failed to get authorization URL")
	ErrNoAccount           = errors.New("failed to get account after authentication")
)

// Status is the state reported by Poll.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// CredentialStore persists provider credentials. settings.View
// satisfies it. Get returns the stored JSON value and whether one
// exists.
type CredentialStore interface {
	Set(global bool, keyPath string, value any) error
	Get(keyPath string) (json.RawMessage, bool, error)
}

// InitResult is returned to the UI when a login starts.
type InitResult struct {
	AuthURL   string `json:"authUrl"`
	UserCode  string `json:"userCode,omitempty"`
	SessionID string `json:"oauthSessionId"`
	QRCode    string `json:"qrCode,omitempty"`
}

// PollResult reports a session's progress. Exchange failures are
// reported here as StatusError, not as a Go error.
type PollResult struct {
	Status Status `json:"status"`
	User   string `json:"user,omitempty"`
	Error  string `json:"error,omitempty"`
}

// CompleteResult is returned after a successful manual code exchange.
type CompleteResult struct {
	User string `json:"user,omitempty"`
}

// LoginStatus reports whether a credential is stored for a provider.
type LoginStatus struct {
	LoggedIn bool   `json:"isLoggedIn"`
	User     string `json:"user,omitempty"`
}

type session struct {
	id        string
	kind      Kind
	provider  Provider
	createdAt time.Time
	token     <-chan TokenResult

	// Guarded by Manager.mu.
	resolved bool
	result   TokenResult

	cleanupOnce sync.Once
	cleanup     func()
}

func (s *session) runCleanup() {
	s.cleanupOnce.Do(func() {
		if s.cleanup != nil {
			s.cleanup()
		}
	})
}

// Manager owns the in-memory login sessions.
type Manager struct {
	factory ProviderFactory
	events  *events.Bus
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a Manager. events may be nil.
func NewManager(factory ProviderFactory, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:  factory,
		events:   bus,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// Init starts a login for kind. Sessions older than ttl are swept first.
func (m *Manager) Init(ctx context.Context, kind Kind, ttl time.Duration) (*InitResult, error) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	m.sweep(ttl)

	if !IsOAuthProvider(string(kind)) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, kind)
	}
	provider, err := m.factory(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OAuth: %w", err)
	}

	// The flow outlives the request that started it.
	flowCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ttl)
	start, err := provider.InitAuth(flowCtx, ttl)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize OAuth: %w", err)
	}
	if start == nil || start.URL == "" {
		cancel()
		if start != nil && start.Cleanup != nil {
			start.Cleanup()
		}
		return nil, ErrNoAuthURL
	}

	s := &session{
		id:        "oauth_" + uuid.NewString(),
		kind:      kind,
		provider:  provider,
		createdAt: m.now(),
		token:     start.Token,
		cleanup: func() {
			cancel()
			if start.Cleanup != nil {
				start.Cleanup()
			}
		},
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if s.token != nil {
		go m.await(s)
	}

	m.logger.Info("OAuth login started", "provider", kind, "session", s.id)
	return &InitResult{
		AuthURL:   start.URL,
		UserCode:  start.UserCode,
		SessionID: s.id,
		QRCode:    renderQR(start.URL),
	}, nil
}

// await records the provider's background result on the session.
func (m *Manager) await(s *session) {
	res, ok := <-s.token
	if !ok {
		res = TokenResult{Err: errors.New("authorization flow ended without a token")}
	}

	m.mu.Lock()
	live := m.sessions[s.id] == s
	s.resolved = true
	s.result = res
	m.mu.Unlock()

	// Sessions already completed, swept or closed are not reported.
	if !live {
		m.logger.Debug("OAuth flow settled after session ended", "provider", s.kind, "session", s.id)
		return
	}

	data := map[string]any{
		"oauthSessionId": s.id,
		"providerId":     string(s.kind),
		"status":         string(StatusCompleted),
	}
	if res.Err != nil {
		data["status"] = string(StatusError)
		data["error"] = res.Err.Error()
		m.logger.Debug("OAuth flow failed", "provider", s.kind, "session", s.id, "error", res.Err)
	}
	m.events.Publish(events.Event{Source: events.SourceOAuth, Kind: events.KindResolved, Data: data})
}

// Poll reports a session's progress. A settled session is consumed
// whatever the outcome.
func (m *Manager) Poll(ctx context.Context, id string, store CredentialStore) (*PollResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if !s.resolved {
		m.mu.Unlock()
		return &PollResult{Status: StatusPending}, nil
	}
	delete(m.sessions, id)
	res := s.result
	m.mu.Unlock()

	defer s.runCleanup()

	if res.Err != nil {
		return &PollResult{Status: StatusError, Error: res.Err.Error()}, nil
	}
	user, err := m.exchange(ctx, s, res.Token, store)
	if err != nil {
		m.logger.Warn("OAuth token exchange failed", "provider", s.kind, "session", id, "error", err)
		return &PollResult{Status: StatusError, Error: err.Error()}, nil
	}
	m.logger.Info("OAuth login completed", "provider", s.kind, "user", user)
	return &PollResult{Status: StatusCompleted, User: user}, nil
}

// Complete exchanges a code the user entered by hand. A failed exchange
// leaves the session available for another attempt.
func (m *Manager) Complete(ctx context.Context, kind Kind, id, code string, store CredentialStore) (*CompleteResult, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	if s.kind != kind {
		m.mu.Unlock()
		return nil, ErrProviderMismatch
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	user, err := m.exchange(ctx, s, code, store)
	if err != nil {
		m.mu.Lock()
		if _, taken := m.sessions[id]; !taken {
			m.sessions[id] = s
		}
		m.mu.Unlock()
		return nil, fmt.Errorf("authorization failed: %w", err)
	}
	s.runCleanup()
	m.logger.Info("OAuth login completed", "provider", kind, "user", user)
	return &CompleteResult{User: user}, nil
}

func (m *Manager) exchange(ctx context.Context, s *session, token string, store CredentialStore) (string, error) {
	if err := s.provider.GetToken(ctx, token); err != nil {
		return "", err
	}
	if err := s.provider.Refresh(ctx); err != nil {
		return "", err
	}
	acct := s.provider.State()
	if acct == nil {
		return "", ErrNoAccount
	}
	blob, err := json.Marshal(acct)
	if err != nil {
		return "", fmt.Errorf("encode account: %w", err)
	}
	if err := store.Set(true, CredentialKey(s.kind), string(blob)); err != nil {
		return "", fmt.Errorf("save credential: %w", err)
	}
	return acct.Identity(), nil
}

// LoginStatus reports whether kind has a stored credential. Any
// present value counts as logged in; the identity is best effort and
// is omitted when the credential does not parse as an account.
func (m *Manager) LoginStatus(_ context.Context, kind Kind, store CredentialStore) (*LoginStatus, error) {
	raw, ok, err := store.Get(CredentialKey(kind))
	if err != nil {
		return nil, fmt.Errorf("read credential: %w", err)
	}
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return &LoginStatus{}, nil
	}

	// Accounts are normally stored as a JSON string holding the
	// account document; other JSON values are parsed as they are.
	blob := []byte(raw)
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s == "" {
			return &LoginStatus{}, nil
		}
		blob = []byte(s)
	}

	st := &LoginStatus{LoggedIn: true}
	if IsOAuthProvider(string(kind)) {
		if acct, err := ParseAccount(kind, blob); err == nil {
			st.User = acct.Identity()
		}
	}
	return st, nil
}

// Pending returns the number of live sessions.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close cancels every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	stale := make([]*session, 0, len(m.sessions))
	for id, s := range m.sessions {
		stale = append(stale, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range stale {
		s.runCleanup()
	}
}

func (m *Manager) sweep(ttl time.Duration) {
	now := m.now()
	m.mu.Lock()
	var stale []*session
	for id, s := range m.sessions {
		if now.Sub(s.createdAt) > ttl {
			stale = append(stale, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		m.logger.Debug("sweeping stale OAuth session",
			"session", s.id, "provider", s.kind, "started", humanize.Time(s.createdAt))
		s.runCleanup()
	}
}

func renderQR(content string) string {
	q, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return ""
	}
	return q.ToSmallString(false)
}
