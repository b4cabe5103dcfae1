// Package oauth resolves upstream access tokens through three tiers: a
// process-local slot, the shared cache store, and the OAuth client-credentials
// endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"deliverygw/internal/cache"
	"deliverygw/internal/core"
	"deliverygw/internal/observability"
)

const (
	// Skew is subtracted from every expiry so a token is never used in its last seconds.
	Skew = 30 * time.Second

	defaultExpiresIn = 3600
	maxTokenBody     = 1 << 20
)

// Config identifies the OAuth client and endpoint.
type Config struct {
	// Provider names the L2 key, token:<provider>
	Provider     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	// Scope is sent only when non-empty
	Scope string
}

// cachedToken is the L2 wire format. Exp is epoch seconds.
type cachedToken struct {
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

type slot struct {
	token     string
	expiresAt time.Time
	version   uint64
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// TokenSource hands out valid access tokens. Safe for concurrent use.
// Concurrent refreshes are not coalesced; the last writer wins.
type TokenSource struct {
	cfg        Config
	store      cache.Store
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
	now        func() time.Time

	current  atomic.Pointer[slot]
	seq      atomic.Uint64
	// rejected is the last token the upstream refused; L2 entries holding it are ignored
	rejected atomic.Pointer[string]
}

// Option configures a TokenSource.
type Option func(*TokenSource)

// WithHTTPClient sets the client used for the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(ts *TokenSource) { ts.httpClient = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(ts *TokenSource) { ts.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ts *TokenSource) { ts.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(ts *TokenSource) { ts.metrics = m }
}

// NewTokenSource creates a TokenSource backed by store for L2.
func NewTokenSource(cfg Config, store cache.Store, opts ...Option) *TokenSource {
	ts := &TokenSource{
		cfg:        cfg,
		store:      store,
		httpClient: http.DefaultClient,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(ts)
	}
	return ts
}

func (ts *TokenSource) cacheKey() string {
	return "token:" + ts.cfg.Provider
}

// Token returns a token valid for at least Skew.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	now := ts.now()

	if s := ts.current.Load(); s != nil && s.expiresAt.Add(-Skew).After(now) {
		ts.metrics.TokenLookup("l1")
		return s.token, nil
	}

	if tok, ok := ts.fromStore(ctx, now); ok {
		ts.metrics.TokenLookup("l2")
		return tok, nil
	}

	tok, err := ts.fetch(ctx)
	if err != nil {
		ts.metrics.TokenFetchFailure()
		return "", err
	}
	ts.metrics.TokenLookup("oauth")
	return tok, nil
}

// Invalidate marks token as refused by the upstream. The local slot is
// cleared if it holds token, and a shared entry holding it is skipped, so the
// next Token call fetches a fresh one and overwrites the shared entry.
func (ts *TokenSource) Invalidate(token string) {
	if token == "" {
		return
	}
	ts.rejected.Store(&token)
	if s := ts.current.Load(); s != nil && s.token == token {
		ts.current.CompareAndSwap(s, nil)
	}
}

func (ts *TokenSource) isRejected(token string) bool {
	r := ts.rejected.Load()
	return r != nil && *r == token
}

// localVersion reports how many times the local slot has been written; 0 when empty.
func (ts *TokenSource) localVersion() uint64 {
	if s := ts.current.Load(); s != nil {
		return s.version
	}
	return 0
}

func (ts *TokenSource) setLocal(token string, expiresAt time.Time) {
	ts.current.Store(&slot{
		token:     token,
		expiresAt: expiresAt,
		version:   ts.seq.Add(1),
	})
}

// fromStore reads L2. Store failures degrade to a miss.
func (ts *TokenSource) fromStore(ctx context.Context, now time.Time) (string, bool) {
	var ct cachedToken
	found, err := cache.GetJSON(ctx, ts.store, ts.cacheKey(), &ct)
	if err != nil {
		ts.logger.WarnContext(ctx, "token cache read failed, fetching a new token", "provider", ts.cfg.Provider, "error", err)
		return "", false
	}
	if !found || ct.Token == "" {
		return "", false
	}
	if ts.isRejected(ct.Token) {
		ts.logger.InfoContext(ctx, "shared token was rejected upstream, fetching a new token", "provider", ts.cfg.Provider)
		return "", false
	}
	if ct.Exp-int64(Skew/time.Second) <= now.Unix() {
		return "", false
	}
	ts.setLocal(ct.Token, time.Unix(ct.Exp, 0))
	return ct.Token, true
}

func (ts *TokenSource) fetch(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", ts.cfg.ClientID)
	form.Set("client_secret", ts.cfg.ClientSecret)
	if ts.cfg.Scope != "" {
		form.Set("scope", ts.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", core.NewCredentialFetchError(ts.cfg.Provider, 0, nil, "failed to build token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := ts.httpClient.Do(req)
	if err != nil {
		return "", core.NewCredentialFetchError(ts.cfg.Provider, 0, nil, "token request failed: "+err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return "", core.NewCredentialFetchError(ts.cfg.Provider, resp.StatusCode, nil, "failed to read token response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ts.logger.ErrorContext(ctx, "token request rejected",
			"provider", ts.cfg.Provider,
			"status", resp.StatusCode,
			"error", oauthErrorMessage(body),
		)
		return "", core.NewCredentialFetchError(ts.cfg.Provider, resp.StatusCode, body,
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, oauthErrorMessage(body)), nil)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", core.NewCredentialFetchError(ts.cfg.Provider, resp.StatusCode, body, "unreadable token response", err)
	}
	if tr.AccessToken == "" {
		return "", core.NewCredentialFetchError(ts.cfg.Provider, resp.StatusCode, body, "token response has no access_token", nil)
	}
	if tr.ExpiresIn <= 0 {
		tr.ExpiresIn = defaultExpiresIn
	}

	now := ts.now()
	expiresAt := now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	ts.setLocal(tr.AccessToken, expiresAt)

	if ttl := time.Duration(tr.ExpiresIn)*time.Second - Skew; ttl > 0 {
		ct := cachedToken{Token: tr.AccessToken, Exp: now.Unix() + tr.ExpiresIn}
		if err := cache.SetJSON(ctx, ts.store, ts.cacheKey(), ct, ttl); err != nil {
			ts.logger.WarnContext(ctx, "token cache write failed", "provider", ts.cfg.Provider, "error", err)
		}
	}

	ts.logger.InfoContext(ctx, "access token refreshed", "provider", ts.cfg.Provider, "expires_in", tr.ExpiresIn)
	return tr.AccessToken, nil
}

// oauthErrorMessage prefers error_description, then error, then the raw body.
func oauthErrorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"error_description", "error", "message"} {
			if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
