package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error categories for callers that need to map failures onto an outer
// protocol. Wrap them with fmt.Errorf("%w: ...") and classify with
// errors.Is.
var (
	// ErrNotFound indicates a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrForbidden indicates the acting user lacks ownership or a grant.
	ErrForbidden = errors.New("forbidden")

	// ErrUnprocessable indicates invalid input: empty required fields,
	// duplicate names, missing references, quota violations.
	ErrUnprocessable = errors.New("unprocessable")

	// ErrConcurrentUpdate indicates a conditional update matched zero rows
	// because another writer got there first.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
