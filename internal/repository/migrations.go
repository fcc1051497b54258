package repository

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	"dropmesh/internal/apperrors"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations applies every embedded "*.<dialect>.sql" file in name order.
// It is intentionally not a general-purpose migration framework: the schema
// in SPEC_FULL.md §6 is small and stable enough that idempotent
// CREATE-TABLE-IF-NOT-EXISTS scripts are sufficient, favoring small,
// dependency-light internal tooling over something like golang-migrate.
func runMigrations(db *sql.DB, dialect string) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInternal, "read embedded migrations", err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), "."+dialect+".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		b, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("read migration %s", name), err)
		}
		if _, err := db.Exec(string(b)); err != nil {
			return apperrors.Wrap(apperrors.CodeInternal, fmt.Sprintf("apply migration %s", name), err)
		}
	}
	return nil
}
