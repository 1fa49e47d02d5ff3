package middleware

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout sets a deadline on each request context. The handler runs
// on the request goroutine with its response buffered: when it gives up
// because the deadline passed (an error or a 5xx), the buffered response is
// dropped and the client gets 504. A handler that finished its work anyway
// keeps its own response, so a saved record is never reported as timed out.
// Paths starting with one of skipPrefixes run without a deadline.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range skipPrefixes {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			orig := res.Writer
			buf := &bufferedWriter{header: orig.Header().Clone()}
			res.Writer = buf

			err := next(c)
			res.Writer = orig

			if errors.Is(ctx.Err(), context.DeadlineExceeded) && (err != nil || buf.status >= http.StatusInternalServerError) {
				res.Committed = false
				res.Status = http.StatusOK
				res.Size = 0
				return gatewayTimeoutError(c)
			}
			if ferr := buf.flushTo(orig); ferr != nil && err == nil {
				return ferr
			}
			return err
		}
	}
}

// bufferedWriter holds a handler's response until RequestTimeout decides
// whether to send it.
type bufferedWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
}

func (w *bufferedWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *bufferedWriter) flushTo(dst http.ResponseWriter) error {
	h := dst.Header()
	for k, v := range w.header {
		h[k] = v
	}
	if w.status == 0 {
		return nil
	}
	dst.WriteHeader(w.status)
	_, err := dst.Write(w.body.Bytes())
	return err
}

func gatewayTimeoutError(c echo.Context) error {
	return c.JSON(http.StatusGatewayTimeout, map[string]string{
		"message": "request processing exceeded the allowed time limit",
	})
}
