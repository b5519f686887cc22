package handler

import (
	"github.com/labstack/echo/v4"

	"monitor-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Admin
// routes live under /healthz and /proxy; every other path is forwarded.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler, exchanges *ExchangeHandler, set *SettingsHandler) {
	admin := AdminMiddleware(proxy)

	e.GET("/healthz", health.Healthz, admin...)
	e.GET("/proxy/status", health.Status, admin...)

	e.GET("/proxy/exchanges", exchanges.List, admin...)
	e.GET("/proxy/exchanges/:id", exchanges.Get, admin...)
	e.GET("/proxy/exchanges/:id/raw/:kind", exchanges.Raw, admin...)
	e.GET("/proxy/failures", exchanges.Failures, admin...)

	e.GET("/proxy/settings", set.List, admin...)
	e.PUT("/proxy/settings/:key", set.Set, admin...)
	e.POST("/proxy/settings/reload", set.Reload, admin...)

	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// AdminMiddleware returns the middleware chain for admin routes.
func AdminMiddleware(proxy *ProxyHandler) []echo.MiddlewareFunc {
	return []echo.MiddlewareFunc{
		middleware.AbsoluteForm(proxy.Handle),
		middleware.SecurityHeaders(),
	}
}
