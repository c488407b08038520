package reporting

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/sims/sims/internal/platform/auth"
	"github.com/sims/sims/internal/platform/db"
)

// MeasureDefinition defines a dashboard aggregate with its SQL query.
// Ranged measures take the period start and end as $1 and $2.
type MeasureDefinition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	SQL         string `json:"-"`
	Ranged      bool   `json:"ranged"`
}

// MeasureReport holds the results of evaluating a measure.
type MeasureReport struct {
	MeasureID   string                   `json:"measure_id"`
	MeasureName string                   `json:"measure_name"`
	GeneratedAt time.Time                `json:"generated_at"`
	From        *time.Time               `json:"from,omitempty"`
	To          *time.Time               `json:"to,omitempty"`
	Results     []map[string]interface{} `json:"results"`
}

// PredefinedMeasures is the list of available dashboard measures.
var PredefinedMeasures = []MeasureDefinition{
	{
		ID:          "visit-volume",
		Name:        "Visit Volume",
		Description: "Infirmary visits per day in the period",
		SQL: `SELECT visit_time::date AS day, COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN emergency THEN 1 ELSE 0 END), 0) AS emergencies
			FROM visit WHERE visit_time >= $1 AND visit_time < $2 GROUP BY 1 ORDER BY 1`,
		Ranged: true,
	},
	{
		ID:          "visits-by-disposition",
		Name:        "Visits by Disposition",
		Description: "Number of visits grouped by outcome",
		SQL: `SELECT disposition, COUNT(*) AS total FROM visit
			WHERE visit_time >= $1 AND visit_time < $2 GROUP BY disposition ORDER BY total DESC`,
		Ranged: true,
	},
	{
		ID:          "top-visit-reasons",
		Name:        "Top Visit Reasons",
		Description: "The ten most frequent reasons for a visit",
		SQL: `SELECT lower(trim(reason)) AS reason, COUNT(*) AS total FROM visit
			WHERE visit_time >= $1 AND visit_time < $2 GROUP BY 1 ORDER BY total DESC LIMIT 10`,
		Ranged: true,
	},
	{
		ID:          "visits-by-grade",
		Name:        "Visits by Grade",
		Description: "Visits and emergencies per grade",
		SQL: `SELECT COALESCE(g.name, 'unassigned') AS grade, COUNT(*) AS total,
			COALESCE(SUM(CASE WHEN v.emergency THEN 1 ELSE 0 END), 0) AS emergencies
			FROM visit v JOIN student s ON s.id = v.student_id LEFT JOIN grade g ON g.id = s.grade_id
			WHERE v.visit_time >= $1 AND v.visit_time < $2
			GROUP BY g.name, g.sort_order ORDER BY g.sort_order NULLS LAST`,
		Ranged: true,
	},
	{
		ID:          "medication-usage",
		Name:        "Medication Usage",
		Description: "Units dispensed per medication in the period",
		SQL: `SELECT m.name AS medication, -SUM(sm.quantity) AS units_dispensed, COUNT(*) AS doses
			FROM stock_movement sm JOIN medication m ON m.id = sm.medication_id
			WHERE sm.kind = 'DISPENSE' AND sm.created_at >= $1 AND sm.created_at < $2
			GROUP BY m.name ORDER BY units_dispensed DESC`,
		Ranged: true,
	},
	{
		ID:          "inventory-status",
		Name:        "Inventory Status",
		Description: "Active medications that are low on stock, out of stock or expired",
		SQL: `SELECT COUNT(*) AS active,
			COALESCE(SUM(CASE WHEN current_stock <= minimum_stock THEN 1 ELSE 0 END), 0) AS low_stock,
			COALESCE(SUM(CASE WHEN current_stock = 0 THEN 1 ELSE 0 END), 0) AS out_of_stock,
			COALESCE(SUM(CASE WHEN expiry_date < CURRENT_DATE THEN 1 ELSE 0 END), 0) AS expired
			FROM medication WHERE active`,
	},
	{
		ID:          "students-by-condition",
		Name:        "Students by Condition",
		Description: "Active students flagged with each chronic condition",
		SQL: `SELECT c.name AS condition, COUNT(s.id) AS students
			FROM condition c LEFT JOIN student_condition sc ON sc.condition_id = c.id
			LEFT JOIN student s ON s.id = sc.student_id AND s.active
			GROUP BY c.name ORDER BY students DESC, c.name`,
	},
}

// DefaultPeriod is the window used when a ranged measure gets no dates.
const DefaultPeriod = 30 * 24 * time.Hour

// Querier runs a report query. pgxpool.Pool and pgxpool.Conn satisfy it.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	pool Querier
	now  func() time.Time
}

// NewHandler creates a new reporting handler.
func NewHandler(pool *pgxpool.Pool) *Handler {
	return &Handler{pool: pool, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	reportGroup := api.Group("/reports", auth.RequireRole(auth.RoleAdmin, auth.RoleNurse))
	reportGroup.GET("", h.ListMeasures)
	reportGroup.GET("/:id", h.EvaluateMeasure)
}

// ListMeasures returns all available measure definitions.
func (h *Handler) ListMeasures(c echo.Context) error {
	return c.JSON(http.StatusOK, PredefinedMeasures)
}

// ParsePeriod reads from/to (YYYY-MM-DD, to inclusive). Missing bounds
// default to the DefaultPeriod ending tomorrow at midnight.
func ParsePeriod(from, to string, now time.Time) (time.Time, time.Time, error) {
	y, m, d := now.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	if to != "" {
		t, err := time.ParseInLocation("2006-01-02", to, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("to must be YYYY-MM-DD")
		}
		end = t.AddDate(0, 0, 1)
	}
	start := end.Add(-DefaultPeriod)
	if from != "" {
		t, err := time.ParseInLocation("2006-01-02", from, now.Location())
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("from must be YYYY-MM-DD")
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("from must be before to")
	}
	return start, end, nil
}

// EvaluateMeasure executes a measure's SQL and returns the results.
func (h *Handler) EvaluateMeasure(c echo.Context) error {
	measure := FindMeasure(c.Param("id"))
	if measure == nil {
		return echo.NewHTTPError(http.StatusNotFound, "measure not found")
	}

	report := MeasureReport{
		MeasureID:   measure.ID,
		MeasureName: measure.Name,
		GeneratedAt: h.now(),
	}
	var args []interface{}
	if measure.Ranged {
		start, end, err := ParsePeriod(c.QueryParam("from"), c.QueryParam("to"), report.GeneratedAt)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		report.From, report.To = &start, &end
		args = []interface{}{start, end}
	}

	ctx := c.Request().Context()
	q := h.pool
	if conn := db.ConnFromContext(ctx); conn != nil {
		q = conn
	}
	results, err := executeSQL(ctx, q, measure.SQL, args...)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("query failed: %v", err))
	}
	report.Results = results

	return c.JSON(http.StatusOK, report)
}

// executeSQL runs a SQL query and returns results as a slice of maps.
func executeSQL(ctx context.Context, q Querier, sql string, args ...interface{}) ([]map[string]interface{}, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fieldDescs := rows.FieldDescriptions()
	results := []map[string]interface{}{}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(fieldDescs))
		for i, fd := range fieldDescs {
			row[fd.Name] = values[i]
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// FindMeasure looks up a measure by ID.
func FindMeasure(id string) *MeasureDefinition {
	for i := range PredefinedMeasures {
		if PredefinedMeasures[i].ID == id {
			return &PredefinedMeasures[i]
		}
	}
	return nil
}
