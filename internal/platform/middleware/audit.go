package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/platform/auth"
)

// AuditEntry records who touched which student health record and how.
type AuditEntry struct {
	UserID     string
	Username   string
	UserRoles  []string
	SchoolID   string
	Resource   string
	StudentID  string
	Action     string // read, create, update, delete
	IPAddress  string
	Path       string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// Audit logs every /api request that touches students, visits or
// medications as a structured "record_access" event.
func Audit(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			resource := resourceOf(req.URL.Path)
			if resource == "" {
				return next(c)
			}

			err := next(c)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				Resource:   resource,
				Path:       req.URL.Path,
				Method:     req.Method,
				Action:     actionOf(req.Method),
				IPAddress:  c.RealIP(),
				StudentID:  studentIDOf(c, resource),
				StatusCode: c.Response().Status,
			}
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				entry.StatusCode = he.Code
			}
			if s := auth.SessionFromContext(req.Context()); s != nil {
				entry.UserID = s.UserID
				entry.Username = s.Username
				entry.UserRoles = s.Roles
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.SchoolID, _ = c.Get("school_id").(string)

			logger.Info().
				Str("type", "audit").
				Str("request_id", entry.RequestID).
				Str("school_id", entry.SchoolID).
				Str("user_id", entry.UserID).
				Str("username", entry.Username).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("student_id", entry.StudentID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

var auditedResources = map[string]bool{
	"students":    true,
	"visits":      true,
	"medications": true,
}

// resourceOf returns the first path segment under /api/ when it is audited.
func resourceOf(path string) string {
	rest, ok := strings.CutPrefix(path, "/api/")
	if !ok {
		return ""
	}
	first, _, _ := strings.Cut(rest, "/")
	if auditedResources[first] {
		return first
	}
	return ""
}

func actionOf(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// studentIDOf finds the student a request concerns: /api/students/<id>/...
// or ?student_id=<id> on visit queries.
func studentIDOf(c echo.Context, resource string) string {
	if resource == "students" {
		rest := strings.TrimPrefix(c.Request().URL.Path, "/api/students/")
		id, _, _ := strings.Cut(rest, "/")
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	if id := c.QueryParam("student_id"); id != "" {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return ""
}
