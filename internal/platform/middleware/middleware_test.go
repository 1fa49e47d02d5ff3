package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medrec/medrec/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func newTestContext(method, path string, opts ...func(*http.Request)) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	for _, opt := range opts {
		opt(req)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func withUser(userID string, roles ...string) func(*http.Request) {
	return func(req *http.Request) {
		*req = *req.WithContext(auth.WithUser(req.Context(), userID, roles))
	}
}

// logLines decodes every JSON log line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/")

	handler := func(c echo.Context) error {
		rid := c.Get("request_id").(string)
		if rid == "" {
			t.Error("expected request_id to be generated")
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := RequestID()(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID response header")
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newTestContext(http.MethodGet, "/", func(r *http.Request) {
		r.Header.Set(RequestIDHeader, "my-custom-id")
	})

	handler := func(c echo.Context) error {
		if rid := c.Get("request_id").(string); rid != "my-custom-id" {
			t.Errorf("expected my-custom-id, got %s", rid)
		}
		return c.String(http.StatusOK, "ok")
	}
	_ = RequestID()(handler)(c)

	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestRequestID_ReplacesOversizedID(t *testing.T) {
	long := strings.Repeat("x", 200)
	c, rec := newTestContext(http.MethodGet, "/", func(r *http.Request) {
		r.Header.Set(RequestIDHeader, long)
	})
	_ = RequestID()(okHandler)(c)

	if got := rec.Header().Get(RequestIDHeader); got == long || got == "" {
		t.Errorf("expected a generated request id, got %q", got)
	}
}

func TestRequestID_AttachesLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	c, _ := newTestContext(http.MethodGet, "/", func(r *http.Request) {
		r.Header.Set(RequestIDHeader, "rid-1")
	})

	handler := func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("inside")
		return nil
	}
	if err := RequestID(base)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 || lines[0]["request_id"] != "rid-1" {
		t.Errorf("expected one log line tagged rid-1, got %v", lines)
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newTestContext(http.MethodGet, "/api/v1/records", withUser("user-1", "viewer"))
	c.Set("request_id", "req-1")

	if err := Logger(zerolog.New(&buf))(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d", len(lines))
	}
	l := lines[0]
	if l["level"] != "info" || l["path"] != "/api/v1/records" || l["user_id"] != "user-1" || l["request_id"] != "req-1" {
		t.Errorf("unexpected log line: %v", l)
	}
	if l["status"] != float64(http.StatusOK) {
		t.Errorf("expected status 200, got %v", l["status"])
	}
}

func TestLogger_ClientErrorIsWarn(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newTestContext(http.MethodGet, "/api/v1/records/x")

	handler := func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "medical record not found")
	}
	_ = Logger(zerolog.New(&buf))(handler)(c)

	lines := logLines(t, &buf)
	if len(lines) != 1 || lines[0]["level"] != "warn" || lines[0]["status"] != float64(http.StatusNotFound) {
		t.Errorf("expected warn line with status 404, got %v", lines)
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newTestContext(http.MethodGet, "/panic")
	c.Set("request_id", "req-panic")

	handler := func(c echo.Context) error {
		panic("test panic")
	}

	err := Recovery(zerolog.New(&buf))(handler)(c)
	if err == nil {
		t.Fatal("expected error from recovered panic")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", httpErr.Code)
	}

	lines := logLines(t, &buf)
	if len(lines) != 1 || lines[0]["panic"] != "test panic" || lines[0]["request_id"] != "req-panic" {
		t.Errorf("unexpected panic log: %v", lines)
	}
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, _ := newTestContext(http.MethodGet, "/ok")
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
