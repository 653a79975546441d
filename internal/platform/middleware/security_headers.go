package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets response headers for an API that serves patient data.
// Chart pages under /api/v1/patients/:id/labs/trend embed scripts, so they get
// a CSP that allows the chart CDN instead of the API default.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")

			if strings.HasSuffix(c.Request().URL.Path, "/labs/trend") {
				h.Set("Content-Security-Policy",
					"default-src 'none'; script-src 'unsafe-inline' https://go-echarts.github.io; frame-ancestors 'none'")
			} else {
				h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			}
			return next(c)
		}
	}
}
