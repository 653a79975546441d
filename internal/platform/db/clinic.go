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
	ClinicIDKey contextKey = "clinic_id"
	DBConnKey   contextKey = "db_conn"
	TxKey       contextKey = "db_tx"
)

// ClinicHeader lets service accounts pick a clinic when the token carries none.
const ClinicHeader = "X-Clinic-ID"

var clinicIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// SchemaName returns the Postgres schema that holds a clinic's data.
func SchemaName(clinicID string) string {
	return fmt.Sprintf("clinic_%s", clinicID)
}

// ValidClinicID reports whether id is safe to splice into a schema name.
func ValidClinicID(id string) bool {
	return clinicIDPattern.MatchString(id)
}

// ClinicMiddleware resolves the caller's clinic, acquires a connection scoped to
// the clinic schema and stores both on the request context.
func ClinicMiddleware(pool *pgxpool.Pool, defaultClinic string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			clinicID := extractClinicID(c, defaultClinic)

			if !ValidClinicID(clinicID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid clinic identifier")
			}

			var handlerErr error
			err := WithClinic(c.Request().Context(), pool, clinicID, func(ctx context.Context) error {
				c.SetRequest(c.Request().WithContext(ctx))
				c.Set("clinic_id", clinicID)
				handlerErr = next(c)
				return nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			return handlerErr
		}
	}
}

// WithClinic runs fn with a pooled connection whose search_path points at the
// clinic schema. Background workers use it the same way the middleware does.
func WithClinic(ctx context.Context, pool *pgxpool.Pool, clinicID string, fn func(ctx context.Context) error) error {
	if !ValidClinicID(clinicID) {
		return fmt.Errorf("invalid clinic identifier: %q", clinicID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaName(clinicID))); err != nil {
		return fmt.Errorf("set search_path: %w", err)
	}
	// Reset before the conn returns to the pool so the next borrower starts clean.
	defer conn.Exec(context.Background(), "RESET search_path")

	ctx = context.WithValue(ctx, ClinicIDKey, clinicID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return fn(ctx)
}

func extractClinicID(c echo.Context, defaultClinic string) string {
	// 1. JWT claim (set by auth middleware)
	if cid, ok := c.Get("jwt_clinic_id").(string); ok && cid != "" {
		return cid
	}

	// 2. X-Clinic-ID header
	if cid := c.Request().Header.Get(ClinicHeader); cid != "" {
		return cid
	}

	return defaultClinic
}

// ConnFromContext retrieves the clinic-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// ClinicFromContext retrieves the clinic ID from context.
func ClinicFromContext(ctx context.Context) string {
	cid, _ := ctx.Value(ClinicIDKey).(string)
	return cid
}

// WithClinicID returns a context that carries only the clinic ID. Tests and
// code paths without a database connection use it.
func WithClinicID(ctx context.Context, clinicID string) context.Context {
	return context.WithValue(ctx, ClinicIDKey, clinicID)
}

// CreateClinicSchema creates the schema for a clinic and runs all migrations against it.
// If migrationsDir is empty, migrations are skipped.
func CreateClinicSchema(ctx context.Context, pool *pgxpool.Pool, clinicID string, migrationsDir string) error {
	if !ValidClinicID(clinicID) {
		return fmt.Errorf("invalid clinic identifier: %s", clinicID)
	}

	schema := SchemaName(clinicID)
	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// ListClinics returns the clinic IDs that have a schema.
func ListClinics(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx,
		`SELECT substring(schema_name FROM 8) FROM information_schema.schemata
		 WHERE schema_name LIKE 'clinic\_%' ORDER BY schema_name`)
	if err != nil {
		return nil, fmt.Errorf("list clinic schemas: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
