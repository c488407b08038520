package export

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/sims/sims/internal/domain/visit"
	"github.com/sims/sims/internal/platform/auth"
)

const (
	MIMECSV  = "text/csv; charset=utf-8"
	MIMEPDF  = "application/pdf"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// RowSource loads the rows to export. visit.Service satisfies it.
type RowSource interface {
	ExportRows(ctx context.Context, f visit.Filter) ([]visit.Row, error)
}

type Handler struct {
	rows   RowSource
	logger zerolog.Logger
	now    func() time.Time
}

func NewHandler(rows RowSource, logger zerolog.Logger) *Handler {
	return &Handler{rows: rows, logger: logger, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse))
	g.GET("/visits/export", h.ExportVisits)
}

// Render produces the document for format, returning its content type.
func Render(format string, rows []visit.Row, title string, now time.Time) ([]byte, string, error) {
	switch strings.ToLower(format) {
	case "", "csv":
		b, err := CSV(rows, now.Location())
		return b, MIMECSV, err
	case "html":
		b, err := PrintHTML(rows, title, now)
		return b, echo.MIMETextHTMLCharsetUTF8, err
	case "pdf":
		b, err := PDF(rows, title, now)
		return b, MIMEPDF, err
	case "xlsx":
		b, err := XLSX(rows, now.Location())
		return b, MIMEXLSX, err
	}
	return nil, "", errUnknownFormat
}

var errUnknownFormat = errors.New("format must be csv, html, pdf or xlsx")

func (h *Handler) ExportVisits(c echo.Context) error {
	f, err := visit.ParseFilter(c.QueryParam)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	format := c.QueryParam("format")
	if format == "" {
		format = "csv"
	}

	rows, err := h.rows.ExportRows(c.Request().Context(), f)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	now := h.now()
	title := c.QueryParam("title")
	if title == "" {
		title = "Infirmary Visits"
	}
	body, contentType, err := Render(format, rows, title, now)
	switch {
	case errors.Is(err, errUnknownFormat):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNoData):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	h.logger.Info().
		Str("format", format).
		Int("rows", len(rows)).
		Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Msg("visits exported")

	if format != "html" {
		c.Response().Header().Set(echo.HeaderContentDisposition,
			`attachment; filename="`+Filename(format, now)+`"`)
	}
	return c.Blob(http.StatusOK, contentType, body)
}
