package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	SchoolIDKey contextKey = "school_id"
	DBConnKey   contextKey = "db_conn"
	TxKey       contextKey = "db_tx"
)

// SchoolHeader lets service accounts pick a school explicitly.
const SchoolHeader = "X-School-ID"

var schoolIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaFor returns the Postgres schema holding a school's data.
func SchemaFor(schoolID string) string {
	return "school_" + schoolID
}

// ValidSchoolID reports whether id is safe to embed in a schema name.
func ValidSchoolID(id string) bool {
	return schoolIDPattern.MatchString(id)
}

// SchoolMiddleware resolves the school for the request, acquires a connection
// and points its search_path at the school's schema. Repositories pick the
// connection up through ConnFromContext.
func SchoolMiddleware(pool *pgxpool.Pool, defaultSchool string, skip func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}

			schoolID := extractSchoolID(c, defaultSchool)
			if !ValidSchoolID(schoolID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid school identifier")
			}

			ctx, release, err := AcquireForSchool(c.Request().Context(), pool, schoolID)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("school_id", schoolID)

			return next(c)
		}
	}
}

func extractSchoolID(c echo.Context, defaultSchool string) string {
	// Token claim wins over anything the caller sends.
	if sid, ok := c.Get("jwt_school_id").(string); ok && sid != "" {
		return sid
	}
	if sid := c.Request().Header.Get(SchoolHeader); sid != "" {
		return sid
	}
	return defaultSchool
}

// AcquireForSchool takes a pool connection, points its search_path at the
// school's schema and returns a context carrying both. The caller must call
// release when done.
func AcquireForSchool(ctx context.Context, pool *pgxpool.Pool, schoolID string) (context.Context, func(), error) {
	if !ValidSchoolID(schoolID) {
		return ctx, func() {}, fmt.Errorf("invalid school identifier: %s", schoolID)
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, func() {}, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(schoolID))); err != nil {
		conn.Release()
		return ctx, func() {}, fmt.Errorf("set search_path: %w", err)
	}
	ctx = context.WithValue(ctx, SchoolIDKey, schoolID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

// ConnFromContext retrieves the school-scoped connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// SchoolFromContext retrieves the school ID from context.
func SchoolFromContext(ctx context.Context) string {
	sid, _ := ctx.Value(SchoolIDKey).(string)
	return sid
}

// WithSchool stores a school ID on ctx. Used by CLI commands and tests that
// run outside the HTTP middleware chain.
func WithSchool(ctx context.Context, schoolID string) context.Context {
	return context.WithValue(ctx, SchoolIDKey, schoolID)
}

// CreateSchoolSchema creates the schema for a school and, when migrationsDir is
// set, applies all migrations to it.
func CreateSchoolSchema(ctx context.Context, pool *pgxpool.Pool, schoolID string, migrationsDir string) error {
	if !ValidSchoolID(schoolID) {
		return fmt.Errorf("invalid school identifier: %s", schoolID)
	}
	schema := SchemaFor(schoolID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		if _, err := NewMigrator(pool, migrationsDir).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
