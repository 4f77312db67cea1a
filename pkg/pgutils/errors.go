// Package pgutils provides small PostgreSQL helpers shared by the
// repositories and the operational CLIs.
package pgutils

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun/driver/pgdriver"
)

// SQLSTATE codes from class 23 (integrity constraint violation).
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeNotNullViolation    = "23502"
	CodeCheckViolation      = "23514"
)

// SQLState extracts the SQLSTATE code from a database error, or ""
// when there is none. It understands both drivers in use here: pgx
// under the worker pools and pgdriver under the one-shot CLIs. Errors
// that were flattened to text somewhere along the way are scanned for
// the code instead.
func SQLState(err error) string {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var bunErr pgdriver.Error
	if errors.As(err, &bunErr) {
		return bunErr.Field('C')
	}
	if err == nil {
		return ""
	}
	// pgx renders "(SQLSTATE 23505)", pgdriver "(SQLSTATE=23505)".
	if _, rest, ok := strings.Cut(err.Error(), "SQLSTATE"); ok {
		rest = strings.TrimLeft(rest, "= ")
		if len(rest) >= 5 {
			return rest[:5]
		}
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint
// violation. The claim and dead-letter paths rely on it to treat
// duplicate inserts as already-done work.
func IsUniqueViolation(err error) bool {
	return SQLState(err) == CodeUniqueViolation
}

// IsIntegrityViolation reports whether err is any class-23 constraint
// violation. These are permanent: retrying the same write yields the
// same error, so the processor dead-letters instead.
func IsIntegrityViolation(err error) bool {
	return strings.HasPrefix(SQLState(err), "23")
}
