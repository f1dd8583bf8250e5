// Package repository implements PostgreSQL persistence for the coordination
// service using pgx. Repositories are thin: raw SQL, explicit scans, and
// sentinel errors; domain rules live in the service layer.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a row is absent in tenant scope.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned on unique-constraint violations.
var ErrDuplicate = errors.New("duplicate")

// ErrConflict is returned when a guarded update finds the row in a state the
// caller's precondition no longer matches.
var ErrConflict = errors.New("conflict")

// ErrForbidden is returned when the row exists but belongs to another agent.
var ErrForbidden = errors.New("forbidden")

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, letting
// repository methods run standalone or inside a caller's transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ Querier = (*pgxpool.Pool)(nil)

// isUniqueViolation reports whether err is a Postgres 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
