// Package identity manages users and realm roles through the identity
// provider's admin API, authenticating as a service account.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	ErrUnknownRole  = errors.New("unknown role")
)

// User mirrors the admin API user representation.
type User struct {
	ID        string `json:"id,omitempty"`
	Username  string `json:"username"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Enabled   bool   `json:"enabled"`
	CreatedAt int64  `json:"createdTimestamp,omitempty"`
}

type Role struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Config struct {
	AdminURL     string // e.g. https://idp/admin/realms/school
	TokenURL     string // e.g. https://idp/realms/school/protocol/openid-connect/token
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type apiError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorMessage     string `json:"errorMessage"`
}

func (e *apiError) message() string {
	for _, m := range []string{e.ErrorMessage, e.ErrorDescription, e.Error} {
		if m != "" {
			return m
		}
	}
	return ""
}

// Client is an admin API client. Service-account tokens are cached until
// shortly before they expire.
type Client struct {
	http   *resty.Client
	cfg    Config
	logger zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	now       func() time.Time
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(strings.TrimRight(cfg.AdminURL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Only reads are retried.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json")

	return &Client{
		http:   httpClient,
		cfg:    cfg,
		logger: logger.With().Str("component", "identity").Logger(),
		now:    time.Now,
	}
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	var tok tokenResponse
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     c.cfg.ClientID,
			"client_secret": c.cfg.ClientSecret,
		}).
		SetResult(&tok).
		SetError(&apiErr).
		Post(c.cfg.TokenURL)
	if err != nil {
		return "", fmt.Errorf("request service token: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("request service token: %s %s", resp.Status(), apiErr.message())
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("request service token: empty access_token")
	}

	c.token = tok.AccessToken
	// Refresh a little early so a token never expires mid-request.
	lifetime := time.Duration(tok.ExpiresIn)*time.Second - 30*time.Second
	if lifetime < 0 {
		lifetime = 0
	}
	c.expiresAt = c.now().Add(lifetime)
	return c.token, nil
}

func (c *Client) request(ctx context.Context) (*resty.Request, error) {
	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(tok), nil
}

func responseError(op string, resp *resty.Response, apiErr *apiError) error {
	switch resp.StatusCode() {
	case http.StatusNotFound:
		return ErrUserNotFound
	case http.StatusConflict:
		return ErrUserExists
	}
	return fmt.Errorf("%s: %s %s", op, resp.Status(), apiErr.message())
}

// ListUsers pages through realm users, optionally filtered by search text.
func (c *Client) ListUsers(ctx context.Context, search string, first, max int) ([]User, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	users := []User{}
	var apiErr apiError
	req.SetQueryParams(map[string]string{
		"first": strconv.Itoa(first),
		"max":   strconv.Itoa(max),
	}).SetResult(&users).SetError(&apiErr)
	if search != "" {
		req.SetQueryParam("search", search)
	}
	resp, err := req.Get("/users")
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("list users", resp, &apiErr)
	}
	return users, nil
}

// CreateUser creates the user and returns its ID, read from the Location
// header of the admin API response.
func (c *Client) CreateUser(ctx context.Context, u User, initialPassword string) (string, error) {
	req, err := c.request(ctx)
	if err != nil {
		return "", err
	}
	body := map[string]interface{}{
		"username":  u.Username,
		"email":     u.Email,
		"firstName": u.FirstName,
		"lastName":  u.LastName,
		"enabled":   true,
	}
	if initialPassword != "" {
		body["credentials"] = []map[string]interface{}{
			{"type": "password", "value": initialPassword, "temporary": true},
		}
	}
	var apiErr apiError
	resp, err := req.SetBody(body).SetError(&apiErr).Post("/users")
	if err != nil {
		return "", fmt.Errorf("create user: %w", err)
	}
	if resp.IsError() {
		return "", responseError("create user", resp, &apiErr)
	}
	id := path.Base(resp.Header().Get("Location"))
	if id == "" || id == "." || id == "/" {
		return "", fmt.Errorf("create user: response has no Location header")
	}
	c.logger.Info().Str("user_id", id).Str("username", u.Username).Msg("user created")
	return id, nil
}

func (c *Client) realmRole(ctx context.Context, name string) (*Role, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	var role Role
	var apiErr apiError
	resp, err := req.SetResult(&role).SetError(&apiErr).Get("/roles/" + name)
	if err != nil {
		return nil, fmt.Errorf("get role %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRole, name)
	}
	if resp.IsError() {
		return nil, responseError("get role", resp, &apiErr)
	}
	return &role, nil
}

// UserRoles lists the realm roles mapped directly to a user.
func (c *Client) UserRoles(ctx context.Context, userID string) ([]Role, error) {
	req, err := c.request(ctx)
	if err != nil {
		return nil, err
	}
	roles := []Role{}
	var apiErr apiError
	resp, err := req.SetResult(&roles).SetError(&apiErr).Get("/users/" + userID + "/role-mappings/realm")
	if err != nil {
		return nil, fmt.Errorf("get user roles: %w", err)
	}
	if resp.IsError() {
		return nil, responseError("get user roles", resp, &apiErr)
	}
	return roles, nil
}

// AssignRoles maps the named realm roles to a user.
func (c *Client) AssignRoles(ctx context.Context, userID string, names []string) error {
	roles := make([]Role, 0, len(names))
	for _, n := range names {
		r, err := c.realmRole(ctx, n)
		if err != nil {
			return err
		}
		roles = append(roles, *r)
	}
	req, err := c.request(ctx)
	if err != nil {
		return err
	}
	var apiErr apiError
	resp, err := req.SetBody(roles).SetError(&apiErr).Post("/users/" + userID + "/role-mappings/realm")
	if err != nil {
		return fmt.Errorf("assign roles: %w", err)
	}
	if resp.IsError() {
		return responseError("assign roles", resp, &apiErr)
	}
	c.logger.Info().Str("user_id", userID).Strs("roles", names).Msg("roles assigned")
	return nil
}
