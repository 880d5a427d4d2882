package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fluxify/internal/config"
	"fluxify/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Only the landing page and /go/* are claimed under the mount path.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, landing *LandingHandler, proxy *ProxyHandler, health *HealthHandler) {
	mount := cfg.Server.MountPath
	if mount != "" {
		e.GET(mount, landing.Index)
	}

	g := e.Group(mount)
	g.GET("/", landing.Index)
	g.GET("/go/:token", proxy.Handle)
	g.POST("/go/:token", proxy.Handle)

	if !cfg.Server.DisableOpsRoutes {
		e.GET("/healthz", health.Healthz)
		e.GET("/proxy/status", health.Status)
	}
}

// RegisterMetrics serves the Prometheus registry on metrics.path when enabled.
func RegisterMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled || cfg.Server.DisableOpsRoutes {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
}
