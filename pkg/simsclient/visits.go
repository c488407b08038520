package simsclient

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// VisitQuery narrows a visit listing or export. From and To are whole days.
type VisitQuery struct {
	StudentID   *uuid.UUID
	Disposition Disposition
	Emergency   *bool
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

func (q VisitQuery) params() map[string]string {
	p := map[string]string{}
	if q.StudentID != nil {
		p["student_id"] = q.StudentID.String()
	}
	if q.Disposition != "" {
		p["disposition"] = string(q.Disposition)
	}
	if q.Emergency != nil {
		p["emergency"] = strconv.FormatBool(*q.Emergency)
	}
	if !q.From.IsZero() {
		p["from"] = q.From.Format("2006-01-02")
	}
	if !q.To.IsZero() {
		p["to"] = q.To.Format("2006-01-02")
	}
	if q.Limit > 0 {
		p["limit"] = strconv.Itoa(q.Limit)
	}
	if q.Offset > 0 {
		p["offset"] = strconv.Itoa(q.Offset)
	}
	return p
}

// CreateVisit submits a visit. Entries not yet dispensed are dispensed by the
// server in the same transaction, so the medication cache is cleared.
func (c *Client) CreateVisit(ctx context.Context, v *Visit) error {
	_, err := c.do(ctx, http.MethodPost, "/visits", v, v, nil)
	if len(v.Medications) > 0 {
		c.InvalidateMedications()
	}
	return err
}

func (c *Client) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	var v Visit
	if _, err := c.do(ctx, http.MethodGet, "/visits/"+id.String(), nil, &v, nil); err != nil {
		return nil, err
	}
	return &v, nil
}

type visitPage struct {
	Data  []Visit `json:"data"`
	Total int     `json:"total"`
}

func (c *Client) ListVisits(ctx context.Context, q VisitQuery) ([]Visit, int, error) {
	var page visitPage
	if _, err := c.do(ctx, http.MethodGet, "/visits", nil, &page, q.params()); err != nil {
		return nil, 0, err
	}
	if page.Data == nil {
		page.Data = []Visit{}
	}
	return page.Data, page.Total, nil
}

// ExportVisits downloads the visit log in format (csv, html, pdf or xlsx) and
// returns the body with the server's suggested filename.
func (c *Client) ExportVisits(ctx context.Context, format string, q VisitQuery) ([]byte, string, error) {
	p := q.params()
	p["format"] = format
	resp, err := c.do(ctx, http.MethodGet, "/visits/export", nil, nil, p)
	if err != nil {
		return nil, "", err
	}
	filename := ""
	if cd := resp.Header().Get("Content-Disposition"); cd != "" {
		if i := strings.Index(cd, "filename="); i >= 0 {
			filename = strings.Trim(cd[i+len("filename="):], `"`)
		}
	}
	return resp.Body(), filename, nil
}
