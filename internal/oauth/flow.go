package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/ferry/internal/httpkit"
)

const defaultPollInterval = 5 * time.Second

// slowDownStep is added to the poll interval on each slow_down reply.
var slowDownStep = 5 * time.Second

// deviceCode is an RFC 8628 device authorization response.
type deviceCode struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// tokenResponse covers the token endpoint replies of every bundled
// provider, including the RFC 8628 pending errors.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	ResourceURL      string `json:"resource_url"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (t *tokenResponse) err() error {
	if t.ErrorDescription != "" {
		return fmt.Errorf("%s: %s", t.Error, t.ErrorDescription)
	}
	return errors.New(t.Error)
}

// postForm sends a form and decodes a JSON reply. Non-2xx replies that
// carry an OAuth error body are decoded too, since device flows report
// authorization_pending that way.
func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values, out *tokenResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", endpoint, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if jsonErr := json.Unmarshal(body, out); jsonErr != nil || (resp.StatusCode >= 300 && out.Error == "") {
		if resp.StatusCode >= 300 {
			return &httpkit.StatusError{Code: resp.StatusCode, Body: string(body)}
		}
		return fmt.Errorf("decode response: %w", jsonErr)
	}
	return nil
}

// requestDeviceCode starts an RFC 8628 device authorization.
func requestDeviceCode(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*deviceCode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	var dc deviceCode
	if err := httpkit.DecodeJSON(resp, &dc); err != nil {
		return nil, fmt.Errorf("request device code: %w", err)
	}
	if dc.DeviceCode == "" {
		return nil, errors.New("device code missing from response")
	}
	return &dc, nil
}

// pollDeviceToken polls the token endpoint until the user authorizes,
// the grant is refused, or ctx ends. The result is delivered on the
// returned channel, which has room for it so the goroutine never
// blocks.
func pollDeviceToken(ctx context.Context, client *http.Client, endpoint string, form url.Values, interval time.Duration) <-chan tokenOutcome {
	out := make(chan tokenOutcome, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				out <- tokenOutcome{err: fmt.Errorf("authorization timed out: %w", ctx.Err())}
				return
			case <-time.After(interval):
			}

			var tr tokenResponse
			if err := postForm(ctx, client, endpoint, form, &tr); err != nil {
				if ctx.Err() != nil {
					continue
				}
				out <- tokenOutcome{err: err}
				return
			}
			if tr.AccessToken != "" {
				out <- tokenOutcome{token: &tr}
				return
			}
			switch tr.Error {
			case "authorization_pending":
			case "slow_down":
				interval += slowDownStep
			default:
				out <- tokenOutcome{err: tr.err()}
				return
			}
		}
	}()
	return out
}

type tokenOutcome struct {
	token *tokenResponse
	err   error
}

func pollInterval(override time.Duration, serverSeconds int) time.Duration {
	if override > 0 {
		return override
	}
	if serverSeconds > 0 {
		return time.Duration(serverSeconds) * time.Second
	}
	return defaultPollInterval
}

// pkce holds an RFC 7636 S256 verifier and challenge.
type pkce struct {
	verifier  string
	challenge string
}

func newPKCE() (pkce, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return pkce{}, fmt.Errorf("generate verifier: %w", err)
	}
	v := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(v))
	return pkce{verifier: v, challenge: base64.RawURLEncoding.EncodeToString(sum[:])}, nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// jwtClaims decodes the payload of a JWT without verifying it. The
// token came straight from the issuer over TLS.
func jwtClaims(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed JWT")
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return nil, fmt.Errorf("decode JWT payload: %w", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parse JWT payload: %w", err)
	}
	return claims, nil
}
