package student

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/sims/sims/internal/platform/auth"
)

func newTestHandler() (*Handler, *echo.Echo) {
	return NewHandler(newTestService()), echo.New()
}

func TestHandler_CreateStudent(t *testing.T) {
	h, e := newTestHandler()
	body := `{"student_number":"S-1","first_name":"Ada","last_name":"Obi"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateStudent(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
}

func TestHandler_CreateStudent_Duplicate(t *testing.T) {
	h, e := newTestHandler()
	h.svc.CreateStudent(context.Background(), newStudent())

	body := `{"student_number":"S-100","first_name":"Other","last_name":"Kid"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateStudent(c)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}
}

func TestHandler_GetStudent_NotFound(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	if err := h.GetStudent(c); err == nil {
		t.Error("expected error for not found")
	}
}

func TestHandler_ListStudents_InvalidGrade(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?grade_id=nope", nil), httptest.NewRecorder())
	if err := h.ListStudents(c); err == nil {
		t.Error("expected error for invalid grade_id")
	}
}

func TestHandler_MedicalHistory_RoleGuards(t *testing.T) {
	h, e := newTestHandler()
	h.RegisterRoutes(e.Group("/api"))
	s := newStudent()
	h.svc.CreateStudent(context.Background(), s)
	path := "/api/students/" + s.ID.String() + "/medical-history"

	tests := []struct {
		method string
		roles  []string
		want   int
	}{
		{http.MethodGet, []string{auth.RoleStaff}, http.StatusForbidden},
		{http.MethodGet, []string{auth.RoleNurse}, http.StatusOK},
		{http.MethodPost, []string{auth.RoleStaff}, http.StatusForbidden},
		{http.MethodPost, []string{auth.RoleNurse}, http.StatusCreated},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, path, strings.NewReader(`{"description":"Peanut allergy"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = req.WithContext(auth.WithSession(req.Context(), &auth.Session{UserID: "u", Roles: tt.roles}))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s as %v: expected %d, got %d", tt.method, tt.roles, tt.want, rec.Code)
		}
	}
}
