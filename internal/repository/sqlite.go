package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"

	"dropmesh/internal/apperrors"
)

// NewSQLite opens a sqlite3-backed Repository. It exists for single-instance
// development and for hermetic tests that exercise the same Repository
// interface the Postgres implementation satisfies in production
// (SPEC_FULL.md §4.3).
func NewSQLite(dsn string) (Repository, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "open sqlite3", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 serializes writers; avoid "database is locked"
	if err := db.Ping(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "ping sqlite3", err)
	}
	r := newSQLRepository(db, dialectSQLite)
	if err := runMigrations(db, "sqlite3"); err != nil {
		return nil, err
	}
	return r, nil
}
