// Package upstream provides the outbound HTTP client with:
// - Retries with capped exponential backoff and jitter (5xx, 429, transport errors)
// - Context-aware cancellation of both requests and backoff sleeps
// - Optional outbound rate limiting and circuit breaking
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"deliverygw/internal/core"
	"deliverygw/internal/observability"
)

const maxResponseBody = 4 << 20

// errResponseTooLarge marks a body over the read limit. The upstream has
// already acted on the request, so it is not retried.
var errResponseTooLarge = errors.New("upstream response body too large")

// Config holds configuration for the upstream client
type Config struct {
	// ProviderName identifies the upstream in errors and logs
	ProviderName string

	// Retry configuration
	MaxRetries  int           // Retries after the first attempt (default: 2)
	BaseBackoff time.Duration // Backoff before the first retry (default: 250ms)
	MaxBackoff  time.Duration // Backoff cap before jitter (default: 2s)
	MaxJitter   time.Duration // Uniform jitter added to each backoff (default: 100ms)

	// RequestsPerSecond caps outbound attempts; 0 disables the limiter
	RequestsPerSecond float64

	// CircuitBreaker is nil when disabled
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultConfig returns the default retry policy with protection disabled
func DefaultConfig(providerName string) Config {
	return Config{
		ProviderName: providerName,
		MaxRetries:   2,
		BaseBackoff:  250 * time.Millisecond,
		MaxBackoff:   2 * time.Second,
		MaxJitter:    100 * time.Millisecond,
	}
}

// Request is one outbound call. Body is re-sent on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Response is the final upstream answer
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Attempts is how many attempts were made in total
	Attempts int
}

// Client sends requests with retries
type Client struct {
	httpClient     *http.Client
	config         Config
	circuitBreaker *circuitBreaker
	limiter        *rate.Limiter
	metrics        *observability.Metrics
	logger         *slog.Logger

	sleep   func(ctx context.Context, d time.Duration) error
	jitter  func() time.Duration
	maxBody int64
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics reports attempts and retries.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client around httpClient
func New(httpClient *http.Client, config Config, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		config:     config,
		logger:     slog.Default(),
		sleep:      sleepContext,
		maxBody:    maxResponseBody,
	}
	c.jitter = c.randomJitter

	if config.CircuitBreaker != nil {
		c.circuitBreaker = newCircuitBreaker(
			config.CircuitBreaker.FailureThreshold,
			config.CircuitBreaker.SuccessThreshold,
			config.CircuitBreaker.Timeout,
		)
	}
	if config.RequestsPerSecond > 0 {
		burst := int(config.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), burst)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends req, retrying retryable outcomes.
//
// A non-retryable status is returned as a Response with a nil error. When the
// retries are used up, the last response is returned if any attempt produced
// one; otherwise the error is of type transport_exhausted. Context
// cancellation returns the context's error.
func (c *Client) Call(ctx context.Context, req *Request) (*Response, error) {
	if c.circuitBreaker != nil && !c.circuitBreaker.Allow() {
		return nil, core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable,
			"circuit breaker is open - upstream temporarily unavailable", nil)
	}

	maxAttempts := c.config.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var (
		lastResp *Response
		lastErr  error
		made     int
	)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, core.NewProviderError(c.config.ProviderName, http.StatusServiceUnavailable, "outbound rate limit: "+err.Error(), err)
			}
		}

		made++
		start := time.Now()
		resp, err := c.doRequest(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.metrics.UpstreamAttempt(0, time.Since(start))
			c.recordFailure()
			if errors.Is(err, errResponseTooLarge) {
				c.logger.ErrorContext(ctx, "upstream response discarded",
					"provider", c.config.ProviderName,
					"attempt", made,
					"error", err,
				)
				return nil, core.NewProviderError(c.config.ProviderName, http.StatusBadGateway, err.Error(), err)
			}
			lastErr = err
			c.logger.WarnContext(ctx, "upstream attempt failed",
				"provider", c.config.ProviderName,
				"attempt", made,
				"error", err,
			)
		} else {
			c.metrics.UpstreamAttempt(resp.StatusCode, time.Since(start))
			resp.Attempts = made
			lastResp = resp

			if !isRetryable(resp.StatusCode) {
				if resp.StatusCode >= 200 && resp.StatusCode < 300 {
					c.recordSuccess()
				}
				return resp, nil
			}
			c.recordFailure()
		}

		if attempt == maxAttempts-1 {
			break
		}

		backoff := c.calculateBackoff(attempt)
		c.metrics.UpstreamRetry()
		c.logger.DebugContext(ctx, "retrying upstream request",
			"provider", c.config.ProviderName,
			"attempt", made,
			"backoff", backoff,
		)
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}

	if lastResp != nil {
		lastResp.Attempts = made
		return lastResp, nil
	}
	return nil, core.NewTransportExhaustedError(c.config.ProviderName, made, lastErr)
}

// doRequest executes a single HTTP request without retries
func (c *Client) doRequest(ctx context.Context, req *Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(respBody)) > c.maxBody {
		return nil, fmt.Errorf("%w: status %d, more than %d bytes", errResponseTooLarge, resp.StatusCode, c.maxBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
	}, nil
}

// calculateBackoff returns min(MaxBackoff, BaseBackoff*2^attempt) plus jitter.
// attempt is 0 for the wait after the first failure.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	backoff := c.config.MaxBackoff
	if attempt < 32 {
		if d := c.config.BaseBackoff << attempt; d > 0 && d < backoff {
			backoff = d
		}
	}
	return backoff + c.jitter()
}

func (c *Client) randomJitter() time.Duration {
	if c.config.MaxJitter <= 0 {
		return 0
	}
	return rand.N(c.config.MaxJitter)
}

func (c *Client) recordFailure() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordFailure()
	}
}

func (c *Client) recordSuccess() {
	if c.circuitBreaker != nil {
		c.circuitBreaker.RecordSuccess()
	}
}

// isRetryable returns true for rate limits and server errors
func isRetryable(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
