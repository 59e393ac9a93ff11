// Package middleware provides Echo middleware for the gateway's serving layer.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"relay-gateway/internal/metrics"
)

// ForwardedKey marks a request whose outcome the forwarder has already logged.
const ForwardedKey = "gateway.forwarded"

// RequestLogger returns an Echo middleware that logs each request with slog.
// Forwarded requests drop to debug level so the forwarder's line stays the
// only info-level line per request.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if forwarded, _ := c.Get(ForwardedKey).(bool); forwarded {
				level = slog.LevelDebug
			}

			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"route", metrics.NormalizePath(req.URL.Path),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			)

			return err
		}
	}
}
