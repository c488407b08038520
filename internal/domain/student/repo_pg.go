package student

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

const pgUniqueViolation = "23505"

// -- Student --

type studentRepoPG struct{ pool *pgxpool.Pool }

func NewStudentRepoPG(pool *pgxpool.Pool) StudentRepository {
	return &studentRepoPG{pool: pool}
}

func (r *studentRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

var studentColList = []interface{}{
	"id", "student_number", "first_name", "last_name", "date_of_birth", "gender",
	"grade_id", "class_id", "guardian_name", "guardian_phone", "active", "created_at", "updated_at",
	goqu.L(`ARRAY(SELECT condition_id FROM student_condition sc WHERE sc.student_id = student.id)`),
}

func scanStudent(row pgx.Row) (*Student, error) {
	var s Student
	err := row.Scan(&s.ID, &s.StudentNumber, &s.FirstName, &s.LastName, &s.DateOfBirth, &s.Gender,
		&s.GradeID, &s.ClassID, &s.GuardianName, &s.GuardianPhone, &s.Active, &s.CreatedAt, &s.UpdatedAt,
		&s.ConditionIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return &s, err
}

func mapUnique(err error, what string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return err
}

func (r *studentRepoPG) Create(ctx context.Context, s *Student) error {
	s.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO student (id, student_number, first_name, last_name, date_of_birth, gender,
			grade_id, class_id, guardian_name, guardian_phone, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING created_at, updated_at`,
		s.ID, s.StudentNumber, s.FirstName, s.LastName, s.DateOfBirth, s.Gender,
		s.GradeID, s.ClassID, s.GuardianName, s.GuardianPhone, s.Active,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	return mapUnique(err, "student number "+s.StudentNumber)
}

func (r *studentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Student, error) {
	q, args, err := db.Select("student", studentColList...).Where(goqu.C("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build student query: %w", err)
	}
	return scanStudent(r.conn(ctx).QueryRow(ctx, q, args...))
}

func (r *studentRepoPG) Update(ctx context.Context, s *Student) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE student SET student_number=$2, first_name=$3, last_name=$4, date_of_birth=$5, gender=$6,
			grade_id=$7, class_id=$8, guardian_name=$9, guardian_phone=$10, active=$11, updated_at=NOW()
		WHERE id = $1
		RETURNING created_at, updated_at`,
		s.ID, s.StudentNumber, s.FirstName, s.LastName, s.DateOfBirth, s.Gender,
		s.GradeID, s.ClassID, s.GuardianName, s.GuardianPhone, s.Active,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return mapUnique(err, "student number "+s.StudentNumber)
}

func (r *studentRepoPG) Deactivate(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE student SET active = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *studentRepoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Student, int, error) {
	var where []goqu.Expression
	if s := strings.TrimSpace(f.Search); s != "" {
		pattern := "%" + s + "%"
		where = append(where, goqu.Or(
			goqu.C("first_name").ILike(pattern),
			goqu.C("last_name").ILike(pattern),
			goqu.C("student_number").ILike(pattern),
			goqu.L(`first_name || ' ' || last_name`).ILike(pattern),
		))
	}
	if f.GradeID != nil {
		where = append(where, goqu.C("grade_id").Eq(*f.GradeID))
	}
	if f.ClassID != nil {
		where = append(where, goqu.C("class_id").Eq(*f.ClassID))
	}
	if f.Active != nil {
		where = append(where, goqu.C("active").Eq(*f.Active))
	}

	countSQL, countArgs, err := db.Select("student", goqu.COUNT(goqu.Star())).Where(where...).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count query: %w", err)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, countSQL, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	dataSQL, dataArgs, err := db.Select("student", studentColList...).
		Where(where...).
		Order(goqu.I("last_name").Asc(), goqu.I("first_name").Asc()).
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
	var items []*Student
	for rows.Next() {
		s, err := scanStudent(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, s)
	}
	return items, total, rows.Err()
}

func (r *studentRepoPG) SetConditions(ctx context.Context, studentID uuid.UUID, conditionIDs []uuid.UUID) error {
	if _, err := r.conn(ctx).Exec(ctx, `DELETE FROM student_condition WHERE student_id = $1`, studentID); err != nil {
		return err
	}
	for _, cid := range conditionIDs {
		if _, err := r.conn(ctx).Exec(ctx,
			`INSERT INTO student_condition (student_id, condition_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			studentID, cid); err != nil {
			return err
		}
	}
	return nil
}

// -- Lookups --

type lookupRepoPG struct{ pool *pgxpool.Pool }

func NewLookupRepoPG(pool *pgxpool.Pool) LookupRepository {
	return &lookupRepoPG{pool: pool}
}

func (r *lookupRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *lookupRepoPG) ListGrades(ctx context.Context) ([]*Grade, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, sort_order FROM grade ORDER BY sort_order, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Grade
	for rows.Next() {
		var g Grade
		if err := rows.Scan(&g.ID, &g.Name, &g.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, &g)
	}
	return out, rows.Err()
}

func (r *lookupRepoPG) ListClasses(ctx context.Context, gradeID *uuid.UUID) ([]*Class, error) {
	ds := db.Select("school_class", "id", "grade_id", "name").Order(goqu.I("name").Asc())
	if gradeID != nil {
		ds = ds.Where(goqu.C("grade_id").Eq(*gradeID))
	}
	q, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build class query: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.GradeID, &c.Name); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *lookupRepoPG) ListConditions(ctx context.Context) ([]*Condition, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT id, name, description FROM condition ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Condition
	for rows.Next() {
		var c Condition
		if err := rows.Scan(&c.ID, &c.Name, &c.Description); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (r *lookupRepoPG) CreateGrade(ctx context.Context, g *Grade) error {
	g.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO grade (id, name, sort_order) VALUES ($1, $2, $3)`, g.ID, g.Name, g.SortOrder)
	return mapUnique(err, "grade "+g.Name)
}

func (r *lookupRepoPG) CreateClass(ctx context.Context, c *Class) error {
	c.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO school_class (id, grade_id, name) VALUES ($1, $2, $3)`, c.ID, c.GradeID, c.Name)
	return mapUnique(err, "class "+c.Name)
}

func (r *lookupRepoPG) CreateCondition(ctx context.Context, c *Condition) error {
	c.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx,
		`INSERT INTO condition (id, name, description) VALUES ($1, $2, $3)`, c.ID, c.Name, c.Description)
	return mapUnique(err, "condition "+c.Name)
}

// -- Medical history --

type historyRepoPG struct{ pool *pgxpool.Pool }

func NewMedicalHistoryRepoPG(pool *pgxpool.Pool) MedicalHistoryRepository {
	return &historyRepoPG{pool: pool}
}

func (r *historyRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

func (r *historyRepoPG) Create(ctx context.Context, h *MedicalHistory) error {
	h.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO medical_history (id, student_id, condition_id, description, diagnosed_on, notes, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at`,
		h.ID, h.StudentID, h.ConditionID, h.Description, h.DiagnosedOn, h.Notes, h.RecordedBy,
	).Scan(&h.CreatedAt)
}

func (r *historyRepoPG) ListByStudent(ctx context.Context, studentID uuid.UUID) ([]*MedicalHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, student_id, condition_id, description, diagnosed_on, notes, recorded_by, created_at
		FROM medical_history WHERE student_id = $1 ORDER BY created_at DESC`, studentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MedicalHistory
	for rows.Next() {
		var h MedicalHistory
		if err := rows.Scan(&h.ID, &h.StudentID, &h.ConditionID, &h.Description, &h.DiagnosedOn,
			&h.Notes, &h.RecordedBy, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &h)
	}
	return out, rows.Err()
}
