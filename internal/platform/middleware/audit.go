package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medrec/medrec/internal/platform/auth"
)

const auditPrefix = "/api/v1/"

// AuditEntry records who touched which medical data, when and how.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	UserID     string
	UserRoles  []string
	Resource   string
	RecordID   string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	StatusCode int
}

// Audit logs one "record_access" event per /api/v1 request after the handler
// has run. Events are written at warn level when access was denied.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, auditPrefix) {
				return next(c)
			}

			err := next(c)

			entry := newAuditEntry(c, err)
			evt := logger.Info()
			if entry.StatusCode == http.StatusUnauthorized || entry.StatusCode == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("record_id", entry.RecordID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Time("at", entry.Timestamp).
				Msg("record_access")

			return err
		}
	}
}

func newAuditEntry(c echo.Context, err error) AuditEntry {
	req := c.Request()
	ctx := req.Context()
	entry := AuditEntry{
		Timestamp:  time.Now().UTC(),
		UserID:     auth.UserIDFromContext(ctx),
		UserRoles:  auth.RolesFromContext(ctx),
		Method:     req.Method,
		Path:       req.URL.Path,
		IPAddress:  c.RealIP(),
		UserAgent:  req.UserAgent(),
		StatusCode: c.Response().Status,
	}
	if he, ok := err.(*echo.HTTPError); ok {
		entry.StatusCode = he.Code
	}
	entry.RequestID, _ = c.Get("request_id").(string)
	entry.Resource, entry.RecordID = splitAuditPath(entry.Path)
	entry.Action = auditAction(req.Method, entry.Resource, entry.RecordID)
	return entry
}

// splitAuditPath returns the resource segment of an /api/v1 path and the
// record id following it, if that segment is a UUID.
func splitAuditPath(path string) (resource, id string) {
	segments := strings.Split(strings.TrimPrefix(path, auditPrefix), "/")
	if len(segments) == 0 || segments[0] == "" {
		return "unknown", ""
	}
	resource = segments[0]
	if len(segments) > 1 {
		if _, err := uuid.Parse(segments[1]); err == nil {
			id = segments[1]
		} else if segments[1] != "" {
			resource += "/" + segments[1]
		}
	}
	return resource, id
}

func auditAction(method, resource, id string) string {
	switch method {
	case http.MethodPost:
		if resource == "uploads" {
			return "upload"
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	switch {
	case strings.HasSuffix(resource, "/search"):
		return "search"
	case strings.HasSuffix(resource, "/export"):
		return "export"
	case id == "":
		return "list"
	}
	return "read"
}
