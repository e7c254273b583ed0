package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a referenced commit, version or fact does not exist
	// (in the given organization, where one is supplied).
	ErrNotFound = errors.New("storage: not found")

	// ErrConflict is returned when an optimistic check lost a race: a branch head
	// moved, or another writer opened an exclusive fact on the same key first.
	ErrConflict = errors.New("storage: conflict")
)

// Postgres error codes mapped onto the sentinel errors.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isUniqueViolation(err error) bool { return pgCode(err) == pgUniqueViolation }

func isForeignKeyViolation(err error) bool { return pgCode(err) == pgForeignKeyViolation }
