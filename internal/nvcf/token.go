package nvcf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// authScope is the scope requested on every client-credentials exchange.
const authScope = "invoke_function list_functions queue_details"

// Credential identifies the account used to obtain bearer tokens.
type Credential struct {
	AuthURL       string
	Username      string
	Secret        string
	RefreshBuffer time.Duration
}

// cachedToken is replaced as a whole, never mutated.
type cachedToken struct {
	raw    string
	expiry time.Time
}

// TokenManager caches one bearer token for a Credential and refreshes it when
// it is about to expire. It is safe for concurrent use.
//
// Without single-flight, callers that observe an expired token at the same
// time each perform their own exchange and the last one to finish wins the
// cache. Every cached value is a fully decoded token, so readers never see a
// partial update; the cost is duplicate requests to the auth endpoint.
type TokenManager struct {
	cred   Credential
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[cachedToken]

	singleFlight bool
	group        singleflight.Group
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithSingleFlightRefresh collapses concurrent refreshes into one exchange.
func WithSingleFlightRefresh() TokenOption {
	return func(m *TokenManager) { m.singleFlight = true }
}

// WithTokenClock overrides the time source used for expiry checks.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(m *TokenManager) { m.now = now }
}

// NewTokenManager creates a TokenManager for cred.
func NewTokenManager(cred Credential, client *http.Client, logger *slog.Logger, opts ...TokenOption) (*TokenManager, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("http client cannot be nil")
	}
	if cred.AuthURL == "" {
		return nil, fmt.Errorf("auth url cannot be empty")
	}
	m := &TokenManager{
		cred:   cred,
		client: client,
		logger: logger.With("component", "nvcf_token_manager"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Token returns a bearer token valid for at least the refresh buffer.
// A non-empty existing token seeds the cache only while the manager has never
// held a token, so a token the service rejected cannot come back. A refresh
// happens only when the cached token is missing, was invalidated or expires
// within the buffer.
func (m *TokenManager) Token(ctx context.Context, existing string) (string, error) {
	if existing != "" && m.current.Load() == nil {
		if exp, err := tokenExpiry(existing); err == nil {
			m.current.CompareAndSwap(nil, &cachedToken{raw: existing, expiry: exp})
		}
	}

	if cur := m.current.Load(); cur != nil && m.valid(cur.expiry) {
		return cur.raw, nil
	}

	if !m.singleFlight {
		return m.refresh(ctx)
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Another caller may have refreshed while this one waited.
		if cur := m.current.Load(); cur != nil && m.valid(cur.expiry) {
			return cur.raw, nil
		}
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate marks the cached token expired if it is still raw, forcing the
// next Token call to refresh. Used after the remote service rejects raw.
func (m *TokenManager) Invalidate(raw string) {
	cur := m.current.Load()
	if cur != nil && cur.raw == raw {
		m.current.CompareAndSwap(cur, &cachedToken{raw: raw})
	}
}

func (m *TokenManager) valid(expiry time.Time) bool {
	return expiry.After(m.now().Add(m.cred.RefreshBuffer))
}

// tokenExpiry reads the exp claim without verifying the signature.
func tokenExpiry(raw string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no exp claim")
	}
	return claims.ExpiresAt.Time, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (m *TokenManager) refresh(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("scope", authScope)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cred.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Err: err}
	}
	req.SetBasicAuth(m.cred.Username, m.cred.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	m.logger.Debug("refreshing bearer token")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Status: resp.StatusCode, Body: string(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Status: resp.StatusCode, Err: err}
	}
	if tr.AccessToken == "" {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Status: resp.StatusCode, Err: errors.New("response has no access_token")}
	}
	exp, err := tokenExpiry(tr.AccessToken)
	if err != nil {
		return "", &Error{Kind: KindAuthFailure, URL: m.cred.AuthURL, Status: resp.StatusCode, Err: fmt.Errorf("undecodable access token: %w", err)}
	}

	m.current.Store(&cachedToken{raw: tr.AccessToken, expiry: exp})
	m.logger.Info("bearer token refreshed", "expires_at", exp)
	return tr.AccessToken, nil
}
