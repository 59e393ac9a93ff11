package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relay-gateway/internal/config"
	"relay-gateway/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Static
// internal routes take precedence over the catch-all forward route.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, fwd *ForwardHandler, health *HealthHandler) {
	e.GET(config.HealthzPath, health.Healthz)
	e.GET(config.StatusPath, health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any("/*", fwd.Handle)
}
