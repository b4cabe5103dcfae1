// Package observability holds the Prometheus collectors fed by the gateway components.
// A nil *Metrics is valid and records nothing, so components never branch on
// whether metrics are enabled.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deliverygw"

// Metrics groups every collector the gateway exports.
type Metrics struct {
	cacheOps          *prometheus.CounterVec
	cacheDuration     *prometheus.HistogramVec
	rateDecisions     *prometheus.CounterVec
	idempotency       *prometheus.CounterVec
	tokenLookups      *prometheus.CounterVec
	tokenFailures     prometheus.Counter
	upstreamAttempts  *prometheus.CounterVec
	upstreamRetries   prometheus.Counter
	upstreamDurations *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_operations_total",
			Help:      "Cache store operations by backend, operation and result.",
		}, []string{"backend", "operation", "result"}),
		cacheDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cache_operation_duration_seconds",
			Help:      "Cache store operation latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"backend", "operation"}),
		rateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Inbound rate limit decisions.",
		}, []string{"decision"}),
		idempotency: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_lookups_total",
			Help:      "Idempotency cache lookups by result.",
		}, []string{"result"}),
		tokenLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_lookups_total",
			Help:      "Access token resolutions by the tier that served them.",
		}, []string{"tier"}),
		tokenFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_fetch_failures_total",
			Help:      "Failed calls to the OAuth token endpoint.",
		}),
		upstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_attempts_total",
			Help:      "Outbound HTTP attempts by status code (or \"error\" for transport failures).",
		}, []string{"status"}),
		upstreamRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Outbound retries scheduled after a retryable outcome.",
		}),
		upstreamDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_attempt_duration_seconds",
			Help:      "Latency of single outbound HTTP attempts.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.cacheOps,
		m.cacheDuration,
		m.rateDecisions,
		m.idempotency,
		m.tokenLookups,
		m.tokenFailures,
		m.upstreamAttempts,
		m.upstreamRetries,
		m.upstreamDurations,
	)
	return m
}

// ObserveCacheOp records one cache store call.
func (m *Metrics) ObserveCacheOp(backend, op string, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.cacheOps.WithLabelValues(backend, op, result(err)).Inc()
	m.cacheDuration.WithLabelValues(backend, op).Observe(d.Seconds())
}

// RateLimitDecision records an allow or deny.
func (m *Metrics) RateLimitDecision(allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.rateDecisions.WithLabelValues(decision).Inc()
}

// IdempotencyLookup records a replay hit or miss.
func (m *Metrics) IdempotencyLookup(hit bool) {
	if m == nil {
		return
	}
	res := "miss"
	if hit {
		res = "hit"
	}
	m.idempotency.WithLabelValues(res).Inc()
}

// TokenLookup records which tier served an access token: l1, l2 or oauth.
func (m *Metrics) TokenLookup(tier string) {
	if m == nil {
		return
	}
	m.tokenLookups.WithLabelValues(tier).Inc()
}

// TokenFetchFailure records a failed token endpoint call.
func (m *Metrics) TokenFetchFailure() {
	if m == nil {
		return
	}
	m.tokenFailures.Inc()
}

// UpstreamAttempt records one outbound attempt. status is 0 for transport failures.
func (m *Metrics) UpstreamAttempt(status int, d time.Duration) {
	if m == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.upstreamAttempts.WithLabelValues(label).Inc()
	m.upstreamDurations.WithLabelValues(label).Observe(d.Seconds())
}

// UpstreamRetry records a scheduled retry.
func (m *Metrics) UpstreamRetry() {
	if m == nil {
		return
	}
	m.upstreamRetries.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
