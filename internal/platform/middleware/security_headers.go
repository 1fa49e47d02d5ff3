package middleware

import (
	"github.com/labstack/echo/v4"
)

var securityHeaders = map[string]string{
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"X-XSS-Protection":          "0",
	"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"Referrer-Policy":           "no-referrer",
	"Permissions-Policy":        "camera=(), microphone=(), geolocation=()",
	// Responses carry patient data.
	"Cache-Control": "no-store",
}

// SecurityHeaders sets the hardening headers of a JSON API on every response.
// hsts=false omits Strict-Transport-Security for plain-HTTP development.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for k, v := range securityHeaders {
				if k == "Strict-Transport-Security" && !hsts {
					continue
				}
				h.Set(k, v)
			}
			return next(c)
		}
	}
}
