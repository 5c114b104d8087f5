package middleware

import (
	"github.com/labstack/echo/v4"
)

// SecurityHeaders sets the response headers every authorization server
// response carries. HSTS is only sent when hsts is set, since a local
// sandbox usually runs over plain HTTP.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()

			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-XSS-Protection", "0")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

			// Codes and tokens travel in query strings.
			h.Set("Referrer-Policy", "no-referrer")

			if hsts {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			return next(c)
		}
	}
}
