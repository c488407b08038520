package student

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Lookups – any authenticated role
	lookupGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse, auth.RoleStaff))
	lookupGroup.GET("/grades", h.ListGrades)
	lookupGroup.GET("/classes", h.ListClasses)
	lookupGroup.GET("/conditions", h.ListConditions)
	lookupGroup.GET("/students", h.ListStudents)
	lookupGroup.GET("/students/:id", h.GetStudent)

	// Clinical read – admin, nurse
	clinicalGroup := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse))
	clinicalGroup.GET("/students/:id/medical-history", h.ListMedicalHistory)

	nurseGroup := api.Group("", auth.RequireRole(auth.RoleNurse))
	nurseGroup.POST("/students/:id/medical-history", h.AddMedicalHistory)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/students", h.CreateStudent)
	adminGroup.PUT("/students/:id", h.UpdateStudent)
	adminGroup.DELETE("/students/:id", h.DeleteStudent)
	adminGroup.POST("/grades", h.CreateGrade)
	adminGroup.POST("/classes", h.CreateClass)
	adminGroup.POST("/conditions", h.CreateCondition)
}

func errStatus(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicate):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusBadRequest, err.Error())
}

func optionalUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// -- Students --

func (h *Handler) CreateStudent(c echo.Context) error {
	var s Student
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateStudent(c.Request().Context(), &s); err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) GetStudent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	s, err := h.svc.GetStudent(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "student not found")
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) ListStudents(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{Search: c.QueryParam("search")}
	var err error
	if f.GradeID, err = optionalUUID(c, "grade_id"); err != nil {
		return err
	}
	if f.ClassID, err = optionalUUID(c, "class_id"); err != nil {
		return err
	}
	if v := c.QueryParam("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "active must be true or false")
		}
		f.Active = &active
	}
	items, total, err := h.svc.ListStudents(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateStudent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var s Student
	if err := c.Bind(&s); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.ID = id
	if err := h.svc.UpdateStudent(c.Request().Context(), &s); err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) DeleteStudent(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteStudent(c.Request().Context(), id); err != nil {
		return errStatus(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Medical history --

func (h *Handler) AddMedicalHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var mh MedicalHistory
	if err := c.Bind(&mh); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	mh.StudentID = id
	if err := h.svc.AddMedicalHistory(c.Request().Context(), &mh); err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusCreated, mh)
}

func (h *Handler) ListMedicalHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.MedicalHistory(c.Request().Context(), id)
	if err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Lookups --

func (h *Handler) ListGrades(c echo.Context) error {
	items, err := h.svc.ListGrades(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListClasses(c echo.Context) error {
	gradeID, err := optionalUUID(c, "grade_id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListClasses(c.Request().Context(), gradeID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListConditions(c echo.Context) error {
	items, err := h.svc.ListConditions(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) CreateGrade(c echo.Context) error {
	var g Grade
	if err := c.Bind(&g); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateGrade(c.Request().Context(), &g); err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) CreateClass(c echo.Context) error {
	var cl Class
	if err := c.Bind(&cl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateClass(c.Request().Context(), &cl); err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) CreateCondition(c echo.Context) error {
	var cond Condition
	if err := c.Bind(&cond); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateCondition(c.Request().Context(), &cond); err != nil {
		return errStatus(err)
	}
	return c.JSON(http.StatusCreated, cond)
}
