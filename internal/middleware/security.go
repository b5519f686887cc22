package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders returns an Echo middleware that adds security headers to
// responses. It is meant for the proxy's own admin endpoints; forwarded
// responses are relayed untouched.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Header().Set("X-Content-Type-Options", "nosniff")
			c.Response().Header().Set("X-Frame-Options", "DENY")
			c.Response().Header().Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}

// AbsoluteForm returns an Echo middleware that hands absolute-form requests
// (http://host/path, as sent to a forward proxy) to forward instead of the
// routed handler. Admin routes use it so that a proxied request for, say,
// http://backend/healthz reaches the backend.
func AbsoluteForm(forward echo.HandlerFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.IsAbs() {
				return forward(c)
			}
			return next(c)
		}
	}
}
