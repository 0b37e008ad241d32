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

// sqlFS contains the embedded SQL migration files.
//
//go:embed sql/*.sql
var sqlFS embed.FS

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	if db == nil {
		return nil, errors.New("migrations: db cannot be nil")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations: create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(sqlFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("migrations: open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrations: init migrate instance: %w", err)
	}
	return m, nil
}

// Up applies all pending database migrations. It is safe to call multiple
// times; when the database schema is up to date, the function is a no-op.
func Up(db *sql.DB, logger zerolog.Logger) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	currentVersion := uint(0)
	if v, _, verr := m.Version(); verr == nil {
		currentVersion = v
		logger.Info().Uint("version", v).Msg("migrations: current schema version")
	} else if errors.Is(verr, migrate.ErrNilVersion) {
		logger.Info().Msg("migrations: no existing migration version (fresh database)")
	} else {
		logger.Warn().Err(verr).Msg("migrations: unable to determine current version")
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Uint("version", currentVersion).Msg("migrations: database is up to date")
			return nil
		}
		return fmt.Errorf("migrations: apply: %w", err)
	}

	if v, _, err := m.Version(); err == nil {
		logger.Info().Uint("version", v).Msg("migrations: applied")
	} else {
		logger.Warn().Err(err).Msg("migrations: applied but failed to read new version")
	}

	return nil
}

// Status reports the current schema version and whether the last migration
// left the database dirty. A fresh database reports version 0.
func Status(db *sql.DB) (uint, bool, error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("migrations: read version: %w", err)
	}
	return v, dirty, nil
}

// ForceVersion sets the recorded schema version without running migrations
// and clears the dirty flag.
func ForceVersion(db *sql.DB, version uint) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(int(version)); err != nil {
		return fmt.Errorf("migrations: force version %d: %w", version, err)
	}
	return nil
}

// FixDirtyDatabase rolls the recorded version back to the last migration
// that completed so the failed one is retried by the next Up. It is a no-op
// on a clean database.
func FixDirtyDatabase(db *sql.DB) error {
	v, dirty, err := Status(db)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	target := int(v) - 1
	if target < 1 {
		// golang-migrate uses -1 for "no version".
		target = -1
	}

	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Force(target); err != nil {
		return fmt.Errorf("migrations: fix dirty version %d: %w", v, err)
	}
	return nil
}
