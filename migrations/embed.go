// Package migrations holds the goose SQL migrations for the settlement
// schema, embedded so the server and tests can apply them without a
// checkout of the repository.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed *.sql
var FS embed.FS

var setupOnce sync.Once
var setupErr error

// Setup points goose at the embedded files. Goose keeps this in package
// state, so callers share one configuration.
func Setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(FS)
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
