package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const RequestIDHeader = echo.HeaderXRequestID

// RequestID reuses an incoming X-Request-ID or generates one, echoes it on
// the response and stores it under "request_id". The request context also
// carries a zerolog logger tagged with the id.
func RequestID(logger ...zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" || len(rid) > 128 {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)

			if len(logger) > 0 {
				l := logger[0].With().Str("request_id", rid).Logger()
				c.SetRequest(c.Request().WithContext(l.WithContext(c.Request().Context())))
			}
			return next(c)
		}
	}
}
