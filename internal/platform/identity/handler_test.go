package identity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubDirectory struct {
	created  []User
	assigned map[string][]string
	failWith error
}

func (s *stubDirectory) ListUsers(context.Context, string, int, int) ([]User, error) {
	return []User{{ID: "u-1", Username: "nurse.joy"}}, s.failWith
}

func (s *stubDirectory) CreateUser(_ context.Context, u User, _ string) (string, error) {
	if s.failWith != nil {
		return "", s.failWith
	}
	s.created = append(s.created, u)
	return "u-2", nil
}

func (s *stubDirectory) UserRoles(context.Context, string) ([]Role, error) {
	return []Role{{ID: "r", Name: "nurse"}}, s.failWith
}

func (s *stubDirectory) AssignRoles(_ context.Context, id string, names []string) error {
	if s.assigned == nil {
		s.assigned = map[string][]string{}
	}
	s.assigned[id] = names
	return nil
}

func call(t *testing.T, fn echo.HandlerFunc, method, body string, params ...string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if len(params) == 2 {
		c.SetParamNames(params[0])
		c.SetParamValues(params[1])
	}
	return rec, fn(c)
}

func httpCode(t *testing.T, err error) int {
	t.Helper()
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "expected HTTPError, got %v", err)
	return he.Code
}

func TestHandler_CreateUser_AssignsRoles(t *testing.T) {
	dir := &stubDirectory{}
	h := NewHandler(dir)
	rec, err := call(t, h.CreateUser, http.MethodPost, `{"username":"new.nurse","roles":["nurse"]}`)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{"nurse"}, dir.assigned["u-2"])
}

func TestHandler_CreateUser_RejectsUnknownRole(t *testing.T) {
	dir := &stubDirectory{}
	_, err := call(t, NewHandler(dir).CreateUser, http.MethodPost, `{"username":"x","roles":["superuser"]}`)
	assert.Equal(t, http.StatusBadRequest, httpCode(t, err))
	assert.Empty(t, dir.created)
}

func TestHandler_CreateUser_Conflict(t *testing.T) {
	_, err := call(t, NewHandler(&stubDirectory{failWith: ErrUserExists}).CreateUser, http.MethodPost, `{"username":"taken"}`)
	assert.Equal(t, http.StatusConflict, httpCode(t, err))
}

func TestHandler_ListUsers_UpstreamFailure(t *testing.T) {
	_, err := call(t, NewHandler(&stubDirectory{failWith: errors.New("boom")}).ListUsers, http.MethodGet, "")
	assert.Equal(t, http.StatusBadGateway, httpCode(t, err))
}

func TestHandler_AssignRoles(t *testing.T) {
	dir := &stubDirectory{}
	rec, err := call(t, NewHandler(dir).AssignRoles, http.MethodPost, `{"roles":["staff"]}`, "id", "u-9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"staff"}, dir.assigned["u-9"])

	_, err = call(t, NewHandler(dir).AssignRoles, http.MethodPost, `{"roles":[]}`, "id", "u-9")
	assert.Equal(t, http.StatusBadRequest, httpCode(t, err))
}
