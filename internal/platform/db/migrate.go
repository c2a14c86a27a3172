package db

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Migrate applies every pending "up" migration found in migrations.
// The source filesystem is expected to hold NNN_name.up.sql files at its root.
func Migrate(dsn string, migrations fs.FS, logger *slog.Logger) error {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("platform/db: open migration conn: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && logger != nil {
			logger.Warn("close migration conn", slog.Any("error", cerr))
		}
	}()
	if err := conn.Ping(); err != nil {
		return fmt.Errorf("platform/db: ping migration conn: %w", err)
	}

	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("platform/db: migration driver: %w", err)
	}
	source, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("platform/db: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("platform/db: migrate instance: %w", err)
	}

	upErr := m.Up()
	sourceErr, dbErr := m.Close()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("platform/db: apply migrations: %w", upErr)
	}
	if sourceErr != nil {
		return fmt.Errorf("platform/db: migration source: %w", sourceErr)
	}
	if dbErr != nil {
		return fmt.Errorf("platform/db: migration database: %w", dbErr)
	}
	if logger != nil {
		if errors.Is(upErr, migrate.ErrNoChange) {
			logger.Info("no new migrations to apply")
		} else {
			logger.Info("database migrations applied")
		}
	}
	return nil
}
