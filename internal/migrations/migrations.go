// Package migrations embeds and applies the schema this module depends
// on: events, commands, outbox_topic_progress, view_progress, and the
// append_events_* stored functions.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
)

//go:embed sql/*.sql
var files embed.FS

// Run applies every pending migration against db, which must already be
// open against the target Postgres database. A dirty migration version
// (a prior run that failed partway through) is surfaced as an error
// rather than silently forced clean.
func Run(db *sql.DB, log zerolog.Logger) error {
	source, err := iofs.New(files, "sql")
	if err != nil {
		return fmt.Errorf("migrations: load embedded source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrations: postgres driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrations: new migrator: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("migrations: read version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migrations: database left dirty at version %d by a previous failed run", version)
	}

	log.Info().Uint("from_version", version).Msg("applying migrations")

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Info().Msg("schema already up to date")
			return nil
		}
		return fmt.Errorf("migrations: up: %w", err)
	}

	return nil
}
