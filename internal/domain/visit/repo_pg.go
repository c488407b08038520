package visit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sims/sims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

// pgForeignKeyViolation is the SQLSTATE for a missing referenced row.
const pgForeignKeyViolation = "23503"

func mapPGError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return fmt.Errorf("%w: %s", ErrInvalidReference, pgErr.ConstraintName)
	}
	return err
}

var visitColList = []interface{}{
	"id", "student_id", "nurse_id", "nurse_name", "reason", "symptoms", "observations",
	"temperature", "pulse", "respiratory_rate", "blood_pressure", "spo2",
	"disposition", "emergency", "visit_time", "created_at", "updated_at",
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var v Visit
	err := row.Scan(&v.ID, &v.StudentID, &v.NurseID, &v.NurseName, &v.Reason, &v.Symptoms, &v.Observations,
		&v.Vitals.Temperature, &v.Vitals.Pulse, &v.Vitals.RespiratoryRate, &v.Vitals.BloodPressure, &v.Vitals.SpO2,
		&v.Disposition, &v.Emergency, &v.VisitTime, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &v, err
}

func (r *repoPG) Create(ctx context.Context, v *Visit) error {
	v.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO visit (id, student_id, nurse_id, nurse_name, reason, symptoms, observations,
			temperature, pulse, respiratory_rate, blood_pressure, spo2, disposition, emergency, visit_time)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,COALESCE($15, NOW()))
		RETURNING visit_time, created_at, updated_at`,
		v.ID, v.StudentID, v.NurseID, v.NurseName, v.Reason, v.Symptoms, v.Observations,
		v.Vitals.Temperature, v.Vitals.Pulse, v.Vitals.RespiratoryRate, v.Vitals.BloodPressure, v.Vitals.SpO2,
		v.Disposition, v.Emergency, nullTime(v.VisitTime),
	).Scan(&v.VisitTime, &v.CreatedAt, &v.UpdatedAt)
	return mapPGError(err)
}

func (r *repoPG) AddMedication(ctx context.Context, m *AdministeredMedication) error {
	m.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO visit_medication (id, visit_id, medication_id, medication_name, strength, dosage,
			quantity, notes, stock_before, stock_after, movement_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		m.ID, m.VisitID, m.MedicationID, m.MedicationName, m.Strength, m.Dosage,
		m.Quantity, m.Notes, m.StockBefore, m.StockAfter, m.MovementID)
	return mapPGError(err)
}

func (r *repoPG) AddTreatment(ctx context.Context, t *Treatment) error {
	t.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO visit_treatment (id, visit_id, description, notes) VALUES ($1,$2,$3,$4)`,
		t.ID, t.VisitID, t.Description, t.Notes)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	q, args, err := db.Select("visit", visitColList...).Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build visit query: %w", err)
	}
	v, err := scanVisit(r.conn(ctx).QueryRow(ctx, q, args...))
	if err != nil {
		return nil, err
	}
	if v.Medications, err = r.medications(ctx, id); err != nil {
		return nil, err
	}
	if v.Treatments, err = r.treatments(ctx, id); err != nil {
		return nil, err
	}
	return v, nil
}

func (r *repoPG) medications(ctx context.Context, visitID uuid.UUID) ([]AdministeredMedication, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, visit_id, medication_id, medication_name, strength, dosage, quantity, notes,
			stock_before, stock_after, movement_id
		FROM visit_medication WHERE visit_id = $1 ORDER BY medication_name`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []AdministeredMedication{}
	for rows.Next() {
		var m AdministeredMedication
		if err := rows.Scan(&m.ID, &m.VisitID, &m.MedicationID, &m.MedicationName, &m.Strength, &m.Dosage,
			&m.Quantity, &m.Notes, &m.StockBefore, &m.StockAfter, &m.MovementID); err != nil {
			return nil, err
		}
		m.Dispensed = true
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *repoPG) treatments(ctx context.Context, visitID uuid.UUID) ([]Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT id, visit_id, description, notes FROM visit_treatment WHERE visit_id = $1`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Treatment{}
	for rows.Next() {
		var t Treatment
		if err := rows.Scan(&t.ID, &t.VisitID, &t.Description, &t.Notes); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func filterExpressions(f Filter, prefix string) []goqu.Expression {
	col := func(name string) exp.IdentifierExpression {
		if prefix == "" {
			return goqu.C(name)
		}
		return goqu.T(prefix).Col(name)
	}
	var where []goqu.Expression
	if f.StudentID != nil {
		where = append(where, col("student_id").Eq(*f.StudentID))
	}
	if f.Disposition != "" {
		where = append(where, col("disposition").Eq(string(f.Disposition)))
	}
	if f.Emergency != nil {
		where = append(where, col("emergency").Eq(*f.Emergency))
	}
	if f.From != nil {
		where = append(where, col("visit_time").Gte(*f.From))
	}
	if f.To != nil {
		where = append(where, col("visit_time").Lt(*f.To))
	}
	return where
}

// Search returns visit headers only; GetByID loads the entries.
func (r *repoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Visit, int, error) {
	where := filterExpressions(f, "")

	countSQL, countArgs, err := db.Select("visit", goqu.COUNT(goqu.Star())).Where(where...).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, dataArgs, err := db.Select("visit", visitColList...).
		Where(where...).
		Order(goqu.I("visit_time").Desc()).
		Limit(uint(limit)).
		Offset(uint(offset)).
		ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build search query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, dataSQL, dataArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, v)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ExportRows(ctx context.Context, f Filter, limit int) ([]Row, error) {
	meds := goqu.L(`COALESCE((SELECT string_agg(vm.medication_name || ' (' || vm.dosage || ')', '; ' ORDER BY vm.medication_name)
		FROM visit_medication vm WHERE vm.visit_id = v.id), '')`)
	treatments := goqu.L(`COALESCE((SELECT string_agg(vt.description, '; ')
		FROM visit_treatment vt WHERE vt.visit_id = v.id), '')`)

	q, args, err := db.SQL.From(goqu.T("visit").As("v")).Prepared(true).
		Select(
			goqu.T("v").Col("id"), goqu.T("v").Col("visit_time"),
			goqu.T("s").Col("student_number"),
			goqu.L(`s.first_name || ' ' || s.last_name`),
			goqu.L(`COALESCE(g.name, '')`), goqu.L(`COALESCE(c.name, '')`),
			goqu.L(`COALESCE(v.nurse_name, '')`),
			goqu.T("v").Col("reason"), goqu.T("v").Col("symptoms"),
			goqu.T("v").Col("disposition"), goqu.T("v").Col("emergency"),
			meds, treatments,
		).
		Join(goqu.T("student").As("s"), goqu.On(goqu.T("s").Col("id").Eq(goqu.T("v").Col("student_id")))).
		LeftJoin(goqu.T("grade").As("g"), goqu.On(goqu.T("g").Col("id").Eq(goqu.T("s").Col("grade_id")))).
		LeftJoin(goqu.T("school_class").As("c"), goqu.On(goqu.T("c").Col("id").Eq(goqu.T("s").Col("class_id")))).
		Where(filterExpressions(f, "v")...).
		Order(goqu.T("v").Col("visit_time").Desc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build export query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var row Row
		if err := rows.Scan(&row.VisitID, &row.VisitTime, &row.StudentNumber, &row.StudentName,
			&row.Grade, &row.Class, &row.NurseName, &row.Reason, &row.Symptoms,
			&row.Disposition, &row.Emergency, &row.Medications, &row.Treatments); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
