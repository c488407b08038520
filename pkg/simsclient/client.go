// Package simsclient is a Go client for the infirmary REST API. It carries
// the bearer token on every call, caches medication listings for a few
// minutes, and provides Intake, the client-side visit intake workflow.
package simsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/sims/sims/internal/domain/medication"
	"github.com/sims/sims/internal/domain/visit"
)

type (
	Medication             = medication.Medication
	StockMovement          = medication.StockMovement
	Visit                  = visit.Visit
	VitalSigns             = visit.VitalSigns
	AdministeredMedication = visit.AdministeredMedication
	Treatment              = visit.Treatment
	Disposition            = visit.Disposition
)

// DefaultCacheTTL is how long a medication listing is reused before the
// client asks the server again.
const DefaultCacheTTL = 5 * time.Minute

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// APIError is a non-2xx response. Message is the server's message verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sims api: %d %s", e.Status, http.StatusText(e.Status))
	}
	return e.Message
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type errorBody struct {
	Message string `json:"message"`
}

type Config struct {
	BaseURL  string // server root, without the /api prefix
	School   string // sent as X-School-ID when set
	Timeout  time.Duration
	CacheTTL time.Duration
}

type cacheEntry struct {
	items   []Medication
	total   int
	expires time.Time
}

type Client struct {
	http   *resty.Client
	tokens TokenSource
	base   string
	school string
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry
	gen   uint64 // bumped by InvalidateMedications
}

func New(cfg Config, tokens TokenSource) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	c := &Client{
		tokens: tokens,
		base:   strings.TrimRight(cfg.BaseURL, "/") + "/api",
		school: cfg.School,
		ttl:    cfg.CacheTTL,
		now:    time.Now,
		cache:  make(map[string]cacheEntry),
	}
	c.http = resty.New().
		SetBaseURL(c.base).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(300 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Writes move stock and are never repeated.
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		}).
		SetHeader("Accept", "application/json").
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			if c.tokens == nil {
				return nil
			}
			tok, err := c.tokens.Token(r.Context())
			if err != nil {
				return fmt.Errorf("sims api token: %w", err)
			}
			r.SetAuthToken(tok)
			return nil
		})
	if cfg.School != "" {
		c.http.SetHeader("X-School-ID", cfg.School)
	}
	return c
}

func (c *Client) do(ctx context.Context, method, path string, body, result interface{}, query map[string]string) (*resty.Response, error) {
	var eb errorBody
	req := c.http.R().SetContext(ctx).SetError(&eb)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	if len(query) > 0 {
		req.SetQueryParams(query)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if resp.IsError() {
		return resp, &APIError{Status: resp.StatusCode(), Message: eb.Message}
	}
	return resp, nil
}
