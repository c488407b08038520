package medication

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
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

const medCols = `id, name, generic_name, dosage_form, strength, category, supplier,
	current_stock, minimum_stock, expiry_date, active, created_at, updated_at`

var medColList = []interface{}{
	"id", "name", "generic_name", "dosage_form", "strength", "category", "supplier",
	"current_stock", "minimum_stock", "expiry_date", "active", "created_at", "updated_at",
}

func scanMed(row pgx.Row) (*Medication, error) {
	var m Medication
	err := row.Scan(&m.ID, &m.Name, &m.GenericName, &m.DosageForm, &m.Strength, &m.Category, &m.Supplier,
		&m.CurrentStock, &m.MinimumStock, &m.ExpiryDate, &m.Active, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &m, err
}

func (r *repoPG) Create(ctx context.Context, m *Medication) error {
	m.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medication (id, name, generic_name, dosage_form, strength, category, supplier,
			current_stock, minimum_stock, expiry_date, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		m.ID, m.Name, m.GenericName, m.DosageForm, m.Strength, m.Category, m.Supplier,
		m.CurrentStock, m.MinimumStock, m.ExpiryDate, m.Active).Scan(&m.CreatedAt, &m.UpdatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Medication, error) {
	return scanMed(r.conn(ctx).QueryRow(ctx, `SELECT `+medCols+` FROM medication WHERE id = $1`, id))
}

// Update never touches current_stock; stock only moves through AdjustStock.
func (r *repoPG) Update(ctx context.Context, m *Medication) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE medication SET name=$2, generic_name=$3, dosage_form=$4, strength=$5,
			category=$6, supplier=$7, minimum_stock=$8, expiry_date=$9, active=$10, updated_at=NOW()
		WHERE id = $1
		RETURNING current_stock, created_at, updated_at`,
		m.ID, m.Name, m.GenericName, m.DosageForm, m.Strength,
		m.Category, m.Supplier, m.MinimumStock, m.ExpiryDate, m.Active,
	).Scan(&m.CurrentStock, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (r *repoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE medication SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func filterExpressions(f Filter) []goqu.Expression {
	var where []goqu.Expression
	if f.Active != nil {
		where = append(where, goqu.C("active").Eq(*f.Active))
	}
	if f.Category != "" {
		where = append(where, goqu.C("category").Eq(f.Category))
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + s + "%"
		where = append(where, goqu.Or(
			goqu.C("name").ILike(pattern),
			goqu.C("generic_name").ILike(pattern),
		))
	}
	if f.Selectable {
		where = append(where,
			goqu.C("current_stock").Gt(0),
			goqu.Or(
				goqu.C("expiry_date").IsNull(),
				goqu.C("expiry_date").Gte(goqu.L("CURRENT_DATE")),
			),
		)
	}
	return where
}

func (r *repoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Medication, int, error) {
	where := filterExpressions(f)

	countSQL, countArgs, err := db.Select("medication", goqu.COUNT(goqu.Star())).Where(where...).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, dataArgs, err := db.Select("medication", medColList...).
		Where(where...).
		Order(goqu.I("name").Asc()).
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

	var items []*Medication
	for rows.Next() {
		m, err := scanMed(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, m)
	}
	return items, total, rows.Err()
}

func (r *repoPG) LowStock(ctx context.Context) ([]*Medication, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+medCols+` FROM medication
		WHERE active AND current_stock <= minimum_stock
		ORDER BY current_stock - minimum_stock, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Medication
	for rows.Next() {
		m, err := scanMed(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *repoPG) AdjustStock(ctx context.Context, id uuid.UUID, delta int) (*Medication, error) {
	m, err := scanMed(r.conn(ctx).QueryRow(ctx, `
		UPDATE medication SET current_stock = current_stock + $2, updated_at = NOW()
		WHERE id = $1 AND current_stock + $2 >= 0
		RETURNING `+medCols, id, delta))
	if !errors.Is(err, ErrNotFound) {
		return m, err
	}
	// No row matched: either the medication is gone or the stock was short.
	var exists bool
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM medication WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrInsufficientStock
	}
	return nil, ErrNotFound
}

func (r *repoPG) AddMovement(ctx context.Context, mv *StockMovement) error {
	mv.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO stock_movement (id, medication_id, kind, quantity, stock_after, visit_id, performed_by, note)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		mv.ID, mv.MedicationID, mv.Kind, mv.Quantity, mv.StockAfter, mv.VisitID, mv.PerformedBy, mv.Note,
	).Scan(&mv.CreatedAt)
}

const movementCols = `id, medication_id, kind, quantity, stock_after, visit_id, performed_by, note, created_at`

func (r *repoPG) ClaimMovement(ctx context.Context, id, medicationID uuid.UUID, quantity int, visitID uuid.UUID) (*StockMovement, error) {
	var mv StockMovement
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE stock_movement SET visit_id = $4
		WHERE id = $1 AND medication_id = $2 AND kind = 'DISPENSE' AND quantity = $3 AND visit_id IS NULL
		RETURNING `+movementCols, id, medicationID, quantity, visitID,
	).Scan(&mv.ID, &mv.MedicationID, &mv.Kind, &mv.Quantity, &mv.StockAfter,
		&mv.VisitID, &mv.PerformedBy, &mv.Note, &mv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDispense
	}
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (r *repoPG) ListMovements(ctx context.Context, medicationID uuid.UUID, limit, offset int) ([]*StockMovement, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM stock_movement WHERE medication_id = $1`, medicationID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+movementCols+`
		FROM stock_movement WHERE medication_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, medicationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*StockMovement
	for rows.Next() {
		var mv StockMovement
		if err := rows.Scan(&mv.ID, &mv.MedicationID, &mv.Kind, &mv.Quantity, &mv.StockAfter,
			&mv.VisitID, &mv.PerformedBy, &mv.Note, &mv.CreatedAt); err != nil {
			return nil, 0, err
		}
		items = append(items, &mv)
	}
	return items, total, rows.Err()
}
