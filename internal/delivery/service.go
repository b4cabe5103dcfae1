// Package delivery orchestrates one create-delivery request:
// rate limit, idempotent replay, access token, upstream call, response storage.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"

	"deliverygw/internal/core"
	"deliverygw/internal/idempotency"
	"deliverygw/internal/ratelimit"
	"deliverygw/internal/upstream"
)

// RateLimiter counts requests per client identity.
type RateLimiter interface {
	Allow(ctx context.Context, identity string) (ratelimit.Decision, error)
}

// ReplayCache stores completed responses by idempotency key.
type ReplayCache interface {
	Lookup(ctx context.Context, key string) (*idempotency.Record, bool, error)
	Store(ctx context.Context, key string, status int, body []byte, fingerprint string) error
}

// TokenProvider supplies upstream access tokens.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Invalidate reports a token the upstream refused
	Invalidate(token string)
}

// Caller sends upstream requests.
type Caller interface {
	Call(ctx context.Context, req *upstream.Request) (*upstream.Response, error)
}

// Config locates the upstream create-delivery endpoint.
type Config struct {
	Provider   string
	BaseURL    string
	CustomerID string
}

// CreateRequest is one inbound create-delivery call.
type CreateRequest struct {
	Payload        []byte
	IdempotencyKey string
	ClientIdentity string
}

// Result is the response to relay to the client.
type Result struct {
	Status   int
	Body     []byte
	Replayed bool
	// RateLimit is set whenever the limiter was consulted, including on denial
	RateLimit ratelimit.Decision
	// Attempts is the number of upstream attempts; 0 for replays
	Attempts int
}

// Service runs the create-delivery flow.
type Service struct {
	provider string
	endpoint string
	limiter  RateLimiter
	replay   ReplayCache
	tokens   TokenProvider
	caller   Caller
	logger   *slog.Logger
}

// NewService resolves the endpoint once and wires the collaborators.
func NewService(cfg Config, limiter RateLimiter, replay ReplayCache, tokens TokenProvider, caller Caller, logger *slog.Logger) (*Service, error) {
	endpoint, err := ResolveEndpoint(cfg.BaseURL, cfg.CustomerID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		provider: cfg.Provider,
		endpoint: endpoint,
		limiter:  limiter,
		replay:   replay,
		tokens:   tokens,
		caller:   caller,
		logger:   logger,
	}, nil
}

// ResolveEndpoint resolves customers/<id>/deliveries against base the way a
// browser resolves a relative link, so base should end with a slash.
func ResolveEndpoint(base, customerID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid upstream base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("upstream base URL %q must be absolute", base)
	}
	ref := &url.URL{Path: "customers/" + customerID + "/deliveries"}
	return u.ResolveReference(ref).String(), nil
}

// Endpoint returns the resolved upstream URL.
func (s *Service) Endpoint() string {
	return s.endpoint
}

// Create runs the flow. On a rate-limit denial both the Result (carrying the
// decision) and the error are returned.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Result, error) {
	log := s.logger
	if core.GetIdempotencyKey(ctx) == "" {
		log = log.With("idempotency_key", req.IdempotencyKey)
	}

	decision, err := s.limiter.Allow(ctx, req.ClientIdentity)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		log.InfoContext(ctx, "rate limit exceeded", "client", req.ClientIdentity, "count", decision.Count)
		return &Result{RateLimit: decision}, core.NewRateLimitError(req.ClientIdentity, "rate limit exceeded")
	}

	fingerprint := idempotency.Fingerprint(req.Payload)

	rec, found, err := s.replay.Lookup(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if found {
		if rec.Fingerprint != "" && rec.Fingerprint != fingerprint {
			log.WarnContext(ctx, "idempotency key reused with a different payload")
		}
		return &Result{
			Status:    rec.Status,
			Body:      rec.Body,
			Replayed:  true,
			RateLimit: decision,
		}, nil
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.caller.Call(ctx, &upstream.Request{
		Method: http.MethodPost,
		URL:    s.endpoint,
		Header: http.Header{
			"Authorization":   {"Bearer " + token},
			"Idempotency-Key": {req.IdempotencyKey},
			"Content-Type":    {"application/json"},
		},
		Body: req.Payload,
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.WarnContext(ctx, "upstream rejected delivery",
			"status", resp.StatusCode,
			"attempts", resp.Attempts,
			"body", string(resp.Body),
		)
		if resp.StatusCode == http.StatusUnauthorized {
			s.tokens.Invalidate(token)
		}
		return nil, core.NewUpstreamRejectedError(s.provider, resp.StatusCode, resp.Body)
	}

	if err := s.replay.Store(ctx, req.IdempotencyKey, resp.StatusCode, resp.Body, fingerprint); err != nil {
		log.ErrorContext(ctx, "failed to store idempotent response", "error", err)
	}

	log.InfoContext(ctx, "delivery created",
		"status", resp.StatusCode,
		"attempts", resp.Attempts,
		"delivery_id", gjson.GetBytes(resp.Body, "id").String(),
	)

	return &Result{
		Status:    resp.StatusCode,
		Body:      resp.Body,
		RateLimit: decision,
		Attempts:  resp.Attempts,
	}, nil
}
