package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// MigrateDB applies pending schema migrations using a throwaway connection,
// closing it once migrations finish regardless of the pool New() goes on to open.
func MigrateDB(ctx context.Context, opts MigrateOptions) error {
	if opts.Datasource == "" {
		return errors.New("migrate datasource is required")
	}

	db, err := sql.Open("pgx", opts.Datasource)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	if opts.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", opts.Schema)); err != nil {
			return fmt.Errorf("set search_path for migration: %w", err)
		}
	}

	table := opts.Table
	if table == "" {
		table = "migrations"
	}

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    opts.Values,
	}

	driver := muz.NewPostgresDriver(db, table, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
