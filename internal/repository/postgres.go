package repository

import (
	"database/sql"

	_ "github.com/lib/pq"

	"dropmesh/internal/apperrors"
)

// NewPostgres opens a Postgres-backed Repository and runs pending
// migrations. dsn is a standard "postgres://" connection string.
func NewPostgres(dsn string) (Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "open postgres", err)
	}
	if err := db.Ping(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "ping postgres", err)
	}
	r := newSQLRepository(db, dialectPostgres)
	if err := runMigrations(db, "postgres"); err != nil {
		return nil, err
	}
	return r, nil
}
