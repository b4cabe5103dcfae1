package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"deliverygw/internal/core"
)

// newTestClient returns a client that records backoffs instead of sleeping.
func newTestClient(config Config) (*Client, *[]time.Duration) {
	c := New(http.DefaultClient, config)
	var slept []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	c.jitter = func() time.Duration { return 0 }
	return c, &slept
}

func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		status := statuses[len(statuses)-1]
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"attempt":` + strconv.Itoa(n) + `}`))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func TestClient_Call_Success(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"del_1"}`))
	}))
	defer server.Close()

	client, slept := newTestClient(DefaultConfig("test"))
	resp, err := client.Call(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL + "/customers/c1/deliveries",
		Header: http.Header{"Authorization": {"Bearer tok"}, "Idempotency-Key": {"abc"}},
		Body:   []byte(`{"external_order_id":"1"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", resp.StatusCode)
	}
	if string(resp.Body) != `{"id":"del_1"}` {
		t.Errorf("Body = %s", resp.Body)
	}
	if resp.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", resp.Attempts)
	}
	if len(*slept) != 0 {
		t.Errorf("unexpected backoff: %v", *slept)
	}
	if string(gotBody) != `{"external_order_id":"1"}` {
		t.Errorf("server received body %s", gotBody)
	}
	if gotHeader.Get("Authorization") != "Bearer tok" || gotHeader.Get("Idempotency-Key") != "abc" {
		t.Errorf("server received headers %v", gotHeader)
	}
}

func TestClient_Call_RetriesThenSucceeds(t *testing.T) {
	server, calls := statusSequence(t, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusOK)

	client, slept := newTestClient(DefaultConfig("test"))
	resp, err := client.Call(context.Background(), &Request{Method: http.MethodPost, URL: server.URL, Body: []byte(`{}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if calls.Load() != 3 || resp.Attempts != 3 {
		t.Errorf("calls = %d, Attempts = %d, want 3", calls.Load(), resp.Attempts)
	}
	want := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond}
	if len(*slept) != len(want) {
		t.Fatalf("backoffs = %v, want %v", *slept, want)
	}
	for i := range want {
		if (*slept)[i] != want[i] {
			t.Errorf("backoff[%d] = %v, want %v", i, (*slept)[i], want[i])
		}
	}
}

func TestClient_Call_RetriesExhausted(t *testing.T) {
	server, calls := statusSequence(t, http.StatusTooManyRequests)

	client, _ := newTestClient(DefaultConfig("test"))
	resp, err := client.Call(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("exhausted retries with a response should not error: %v", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want 429", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClient_Call_NonRetryable(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server, calls := statusSequence(t, status)

			client, _ := newTestClient(DefaultConfig("test"))
			resp, err := client.Call(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.StatusCode != status {
				t.Errorf("StatusCode = %d, want %d", resp.StatusCode, status)
			}
			if calls.Load() != 1 {
				t.Errorf("calls = %d, want exactly 1", calls.Load())
			}
		})
	}
}

func TestClient_Call_TransportExhausted(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, slept := newTestClient(DefaultConfig("test"))
	_, err := client.Call(context.Background(), &Request{Method: http.MethodPost, URL: url})
	if !core.IsType(err, core.ErrorTypeTransportExhausted) {
		t.Fatalf("error = %v, want transport_exhausted", err)
	}
	if len(*slept) != 2 {
		t.Errorf("transport errors should be retried, backoffs = %v", *slept)
	}
}

func TestClient_Call_TransportErrorAfterResponse(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("bad gateway"))
			return
		}
		// Drop the connection without a response.
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Error("response writer cannot hijack")
			return
		}
		conn, _, err := hj.Hijack()
		if err == nil {
			_ = conn.Close()
		}
	}))
	defer server.Close()

	client, _ := newTestClient(DefaultConfig("test"))
	resp, err := client.Call(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway || string(resp.Body) != "bad gateway" {
		t.Errorf("want the earlier 502 response, got %d %s", resp.StatusCode, resp.Body)
	}
	if resp.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", resp.Attempts)
	}
}

func TestClient_Call_ResponseTooLarge(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{name: "at limit", body: "0123456789abcdef"},
		{name: "over limit", body: "0123456789abcdefX", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client, slept := newTestClient(DefaultConfig("test"))
			client.maxBody = 16
			resp, err := client.Call(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})

			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if string(resp.Body) != tt.body {
					t.Errorf("Body = %q, want %q", resp.Body, tt.body)
				}
				return
			}
			if !core.IsType(err, core.ErrorTypeProvider) {
				t.Fatalf("error = %v, want provider_error", err)
			}
			if !errors.Is(err, errResponseTooLarge) {
				t.Errorf("error should wrap errResponseTooLarge: %v", err)
			}
			if resp != nil {
				t.Errorf("truncated response returned: %s", resp.Body)
			}
			if calls.Load() != 1 || len(*slept) != 0 {
				t.Errorf("oversized response must not be retried: calls=%d backoffs=%v", calls.Load(), *slept)
			}
		})
	}
}

func TestClient_Call_ContextCancelledDuringBackoff(t *testing.T) {
	server, calls := statusSequence(t, http.StatusServiceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	client := New(http.DefaultClient, DefaultConfig("test"))
	client.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	_, err := client.Call(ctx, &Request{Method: http.MethodGet, URL: server.URL})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestClient_Call_ContextDeadlineDuringRequest(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client, slept := newTestClient(DefaultConfig("test"))
	_, err := client.Call(ctx, &Request{Method: http.MethodGet, URL: server.URL})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}
	if len(*slept) != 0 {
		t.Errorf("no retry expected after cancellation, backoffs = %v", *slept)
	}
}

func TestClient_CircuitBreaker(t *testing.T) {
	server, calls := statusSequence(t, http.StatusInternalServerError)

	config := DefaultConfig("test")
	config.MaxRetries = 0
	config.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Hour}
	client, _ := newTestClient(config)

	for i := 0; i < 2; i++ {
		if _, err := client.Call(context.Background(), &Request{Method: http.MethodGet, URL: server.URL}); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i, err)
		}
	}

	_, err := client.Call(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != core.ErrorTypeProvider {
		t.Fatalf("error = %v, want provider_error from open circuit", err)
	}
	if gwErr.HTTPStatusCode() != http.StatusServiceUnavailable {
		t.Errorf("HTTPStatusCode() = %d, want 503", gwErr.HTTPStatusCode())
	}
	if calls.Load() != 2 {
		t.Errorf("open circuit should not reach the server, calls = %d", calls.Load())
	}
}

func TestClient_OutboundRateLimit(t *testing.T) {
	server, calls := statusSequence(t, http.StatusOK)

	config := DefaultConfig("test")
	config.RequestsPerSecond = 1000
	client, _ := newTestClient(config)
	if client.limiter == nil {
		t.Fatal("limiter should be configured")
	}

	for i := 0; i < 3; i++ {
		if _, err := client.Call(context.Background(), &Request{Method: http.MethodGet, URL: server.URL}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.Call(ctx, &Request{Method: http.MethodGet, URL: server.URL}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestBackoffCalculation(t *testing.T) {
	client := New(http.DefaultClient, DefaultConfig("test"))

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 250 * time.Millisecond},
		{1, 500 * time.Millisecond},
		{2, 1000 * time.Millisecond},
		{3, 2000 * time.Millisecond},
		{4, 2000 * time.Millisecond},
		{40, 2000 * time.Millisecond},
	}

	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			got := client.calculateBackoff(tt.attempt)
			if got < tt.base || got >= tt.base+100*time.Millisecond {
				t.Fatalf("calculateBackoff(%d) = %v, want in [%v, %v)", tt.attempt, got, tt.base, tt.base+100*time.Millisecond)
			}
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusOK, false},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusGatewayTimeout, true},
	}
	for _, tt := range tests {
		if got := isRetryable(tt.status); got != tt.want {
			t.Errorf("isRetryable(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}
