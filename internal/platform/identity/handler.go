package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/pkg/pagination"
)

// AssignableRoles are the realm roles this service hands out.
var AssignableRoles = []string{auth.RoleAdmin, auth.RoleNurse, auth.RoleStaff}

// Directory is the slice of the admin API the handler needs.
type Directory interface {
	ListUsers(ctx context.Context, search string, first, max int) ([]User, error)
	CreateUser(ctx context.Context, u User, initialPassword string) (string, error)
	UserRoles(ctx context.Context, userID string) ([]Role, error)
	AssignRoles(ctx context.Context, userID string, names []string) error
}

type Handler struct {
	dir Directory
}

func NewHandler(dir Directory) *Handler {
	return &Handler{dir: dir}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/users", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.ListUsers)
	g.POST("", h.CreateUser)
	g.GET("/:id/roles", h.ListRoles)
	g.POST("/:id/roles", h.AssignRoles)
}

func directoryError(err error) error {
	switch {
	case errors.Is(err, ErrUserNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrUserExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrUnknownRole):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadGateway, err.Error())
}

func (h *Handler) ListUsers(c echo.Context) error {
	pg := pagination.FromContext(c)
	users, err := h.dir.ListUsers(c.Request().Context(), c.QueryParam("search"), pg.Offset, pg.Limit)
	if err != nil {
		return directoryError(err)
	}
	return c.JSON(http.StatusOK, users)
}

type createUserRequest struct {
	Username  string   `json:"username"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	LastName  string   `json:"last_name"`
	Password  string   `json:"password"`
	Roles     []string `json:"roles"`
}

func validRoles(roles []string) error {
	for _, r := range roles {
		ok := false
		for _, allowed := range AssignableRoles {
			if r == allowed {
				ok = true
			}
		}
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest,
				"role must be one of "+strings.Join(AssignableRoles, ", ")+": "+r)
		}
	}
	return nil
}

// CreateUser creates the account and maps its roles. A failure to map the
// roles is reported with the new user's ID so the caller can retry.
func (h *Handler) CreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Username) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username is required")
	}
	if err := validRoles(req.Roles); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id, err := h.dir.CreateUser(ctx, User{
		Username:  req.Username,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Enabled:   true,
	}, req.Password)
	if err != nil {
		return directoryError(err)
	}
	if len(req.Roles) > 0 {
		if err := h.dir.AssignRoles(ctx, id, req.Roles); err != nil {
			return echo.NewHTTPError(http.StatusBadGateway,
				"user "+id+" created but roles were not assigned: "+err.Error())
		}
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"id":       id,
		"username": req.Username,
		"roles":    req.Roles,
	})
}

func (h *Handler) ListRoles(c echo.Context) error {
	roles, err := h.dir.UserRoles(c.Request().Context(), c.Param("id"))
	if err != nil {
		return directoryError(err)
	}
	return c.JSON(http.StatusOK, roles)
}

func (h *Handler) AssignRoles(c echo.Context) error {
	var req struct {
		Roles []string `json:"roles"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Roles) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "roles is required")
	}
	if err := validRoles(req.Roles); err != nil {
		return err
	}
	if err := h.dir.AssignRoles(c.Request().Context(), c.Param("id"), req.Roles); err != nil {
		return directoryError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
