package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"deliverygw/internal/observability"
)

func TestRequestIDMiddleware(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-ID")
		if got == "" {
			t.Fatal("expected X-Request-ID in response header, got empty")
		}
		// Validate UUID format (8-4-4-4-12 hex digits)
		if len(got) != 36 {
			t.Errorf("expected UUID (36 chars), got %q (%d chars)", got, len(got))
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		respID := rec.Header().Get("X-Request-ID")
		if respID != "my-custom-id" {
			t.Errorf("expected response header X-Request-ID to be %q, got %q", "my-custom-id", respID)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.RateLimitDecision(true)

	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
	}{
		{
			name:           "metrics disabled",
			config:         &Config{MetricsEnabled: false},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "metrics enabled default path",
			config:         &Config{MetricsEnabled: true, MetricsGatherer: reg},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics enabled custom path",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/internal/metrics", MetricsGatherer: reg},
			requestPath:    "/internal/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "path traversal is normalized",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/internal/../metrics", MetricsGatherer: reg},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &mockCreator{}, tt.config)

			req := httptest.NewRequest(http.MethodGet, tt.requestPath, nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK && !strings.Contains(rec.Body.String(), "deliverygw_ratelimit_decisions_total") {
				t.Errorf("expected gateway collectors in output, got:\n%s", rec.Body.String())
			}
		})
	}
}

func TestCORS(t *testing.T) {
	cfg := &Config{
		AllowedOrigins:        []string{"https://baitdash.app"},
		AllowedOriginPatterns: []string{`^https://.+\.vercel\.app$`},
	}
	srv := newTestServer(t, &mockCreator{}, cfg)

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://baitdash.app", true},
		{"https://preview-123.vercel.app", true},
		{"http://preview-123.vercel.app", false},
		{"https://vercel.app", false},
		{"https://evil.example", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/v1/deliveries", nil)
			req.Header.Set("Origin", tt.origin)
			req.Header.Set("Access-Control-Request-Method", http.MethodPost)
			req.Header.Set("Access-Control-Request-Headers", "Idempotency-Key")
			rec := httptest.NewRecorder()

			srv.ServeHTTP(rec, req)

			got := rec.Header().Get("Access-Control-Allow-Origin")
			if tt.allowed {
				if got != tt.origin {
					t.Fatalf("expected origin %q to be allowed, got %q", tt.origin, got)
				}
				if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "86400" {
					t.Errorf("expected max age 86400, got %q", maxAge)
				}
				if h := rec.Header().Get("Access-Control-Allow-Headers"); !strings.Contains(h, "Idempotency-Key") {
					t.Errorf("expected Idempotency-Key in allowed headers, got %q", h)
				}
				return
			}
			if got != "" {
				t.Errorf("expected origin %q to be rejected, got %q", tt.origin, got)
			}
		})
	}
}

func TestInvalidOriginPattern(t *testing.T) {
	_, err := New(&mockCreator{}, nil, &Config{AllowedOriginPatterns: []string{"("}})
	if err == nil {
		t.Fatal("expected error for invalid origin pattern")
	}
}

func TestBodyLimit(t *testing.T) {
	srv := newTestServer(t, &mockCreator{}, &Config{BodyLimit: "1K"})

	large := `{"external_order_id":"` + strings.Repeat("x", 2048) + `"}`
	rec := postDelivery(srv, large, nil)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected status 413, got %d", rec.Code)
	}
}
