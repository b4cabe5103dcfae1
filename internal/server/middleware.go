package server

import (
	"log/slog"
	"net/http"
	"regexp"
	"slices"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"deliverygw/internal/core"
)

const (
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"
)

// RequestIDMiddleware reuses the client's X-Request-ID or generates one, echoes it
// on the response and stores it in the request context for logging.
func RequestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(headerRequestID, requestID)
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), requestID)))
			return next(c)
		}
	}
}

// RequestLogger logs one line per request through slog.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			}
			ctx := c.Request().Context()
			if v.Error != nil {
				logger.ErrorContext(ctx, "request failed", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.InfoContext(ctx, "request", attrs...)
			return nil
		},
	})
}

// originMatcher accepts an exact allow-list plus regular expressions.
type originMatcher struct {
	exact    []string
	patterns []*regexp.Regexp
}

func newOriginMatcher(origins, patterns []string) (*originMatcher, error) {
	m := &originMatcher{exact: origins}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

func (m *originMatcher) allow(origin string) (bool, error) {
	if slices.Contains(m.exact, origin) {
		return true, nil
	}
	for _, re := range m.patterns {
		if re.MatchString(origin) {
			return true, nil
		}
	}
	return false, nil
}

func corsConfig(m *originMatcher) middleware.CORSConfig {
	return middleware.CORSConfig{
		AllowOriginFunc: m.allow,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, headerIdempotencyKey},
		ExposeHeaders: []string{headerIdempotencyKey, headerIdempotentCache, headerRequestID},
		MaxAge:        86400,
	}
}
