// Package server provides HTTP handlers and server setup for the delivery gateway.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"deliverygw/internal/cache"
	"deliverygw/internal/core"
	"deliverygw/internal/delivery"
	"deliverygw/internal/idempotency"
	"deliverygw/internal/ratelimit"
)

const headerIdempotentCache = "Idempotent-Cache"

// DeliveryCreator runs the create-delivery flow.
type DeliveryCreator interface {
	Create(ctx context.Context, req delivery.CreateRequest) (*delivery.Result, error)
}

// Handler holds the HTTP handlers
type Handler struct {
	deliveries DeliveryCreator
	pinger     cache.Pinger
	logger     *slog.Logger
}

// NewHandler creates a new handler
func NewHandler(deliveries DeliveryCreator, pinger cache.Pinger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		deliveries: deliveries,
		pinger:     pinger,
		logger:     logger,
	}
}

// Health handles GET /health and GET /v1/health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Ready handles GET /ready by pinging the cache backend
func (h *Handler) Ready(c echo.Context) error {
	if h.pinger != nil {
		if err := h.pinger.Ping(c.Request().Context()); err != nil {
			h.logger.WarnContext(c.Request().Context(), "readiness check failed", "error", err)
			return c.JSON(http.StatusServiceUnavailable, map[string]any{"ok": false})
		}
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// CreateDelivery handles POST /v1/deliveries
func (h *Handler) CreateDelivery(c echo.Context) error {
	req := c.Request()

	var payload DeliveryRequest
	if err := c.Bind(&payload); err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body", err))
	}
	if err := payload.Validate(); err != nil {
		return handleError(c, err)
	}

	// Forward the normalized payload so unknown fields never reach upstream.
	body, err := json.Marshal(payload)
	if err != nil {
		return handleError(c, core.NewInvalidRequestError("invalid request body", err))
	}

	key := idempotency.KeyFromHeader(req.Header.Get(headerIdempotencyKey))
	c.Response().Header().Set(headerIdempotencyKey, key)
	ctx := core.WithIdempotencyKey(req.Context(), key)

	res, err := h.deliveries.Create(ctx, delivery.CreateRequest{
		Payload:        body,
		IdempotencyKey: key,
		ClientIdentity: ratelimit.ClientIdentity(req.Header.Get(echo.HeaderAuthorization), req.Header.Get(echo.HeaderXForwardedFor)),
	})
	if res != nil {
		setRateLimitHeaders(c, res.RateLimit)
	}
	if err != nil {
		return handleError(c, err)
	}

	cacheState := "miss"
	if res.Replayed {
		cacheState = "hit"
	}
	c.Response().Header().Set(headerIdempotentCache, cacheState)
	return c.Blob(res.Status, echo.MIMEApplicationJSON, res.Body)
}

// setRateLimitHeaders writes the X-RateLimit-* headers. Retry-After is the full
// window length: the store does not report a counter's remaining TTL, so the
// value is an upper bound and clients retrying after it always land in a new window.
func setRateLimitHeaders(c echo.Context, d ratelimit.Decision) {
	if d.Limit == 0 {
		return
	}
	hdr := c.Response().Header()
	hdr.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	hdr.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.Allowed {
		hdr.Set("Retry-After", strconv.Itoa(int(d.Window.Seconds())))
	}
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		slog.WarnContext(c.Request().Context(), "request aborted", "error", err)
	} else {
		slog.ErrorContext(c.Request().Context(), "unexpected error", "error", err)
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "INTERNAL_ERROR"})
}
