package auth

import "context"

type contextKey string

const sessionKey contextKey = "sims_session"

// Roles recognised by the route guards. Admin passes every guard.
const (
	RoleAdmin = "admin"
	RoleNurse = "nurse"
	RoleStaff = "staff"
)

// Session is the authenticated caller attached to a request context.
type Session struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	SchoolID string   `json:"school_id,omitempty"`
}

func (s *Session) HasRole(role string) bool {
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// DisplayName prefers the username and falls back to the subject.
func (s *Session) DisplayName() string {
	if s.Username != "" {
		return s.Username
	}
	return s.UserID
}

func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey, s)
}

// SessionFromContext returns nil when the request is unauthenticated.
func SessionFromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey).(*Session)
	return s
}

func UserIDFromContext(ctx context.Context) string {
	if s := SessionFromContext(ctx); s != nil {
		return s.UserID
	}
	return ""
}

func RolesFromContext(ctx context.Context) []string {
	if s := SessionFromContext(ctx); s != nil {
		return s.Roles
	}
	return nil
}
