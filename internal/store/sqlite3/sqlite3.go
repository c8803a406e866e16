// Package sqlite3 is the single-node store backend: goqu over
// database/sql + modernc.org/sqlite, for deployments that don't run a
// separate Postgres instance, with
// WAL mode and a single-writer connection pool.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"log/slog"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"

	_ "modernc.org/sqlite"
)

var DefaultTablePrefix = "vgate_"

// Options configures a SQLite store. Kept decoupled from internal/config so
// the repository layer has no dependency on the application's config shape.
type Options struct {
	Datasource    string
	TablePrefix   string
	EncryptionKey []byte
	Migrate       MigrateOptions
}

// MigrateOptions configures the migration run that happens before the pool
// is handed back to the caller.
type MigrateOptions struct {
	Datasource string
	Table      string
	Values     map[string]string
}

// SQLite is the single-node Store implementation.
type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers        exp.IdentifierExpression
	tableApiKeys      exp.IdentifierExpression
	tableOAuthTokens  exp.IdentifierExpression
	tableProviders    exp.IdentifierExpression
	tableSubProviders exp.IdentifierExpression
	tableApiRequests  exp.IdentifierExpression
	tableDiscounts    exp.IdentifierExpression
	tableVideoJobs    exp.IdentifierExpression

	encKey   []byte
	encKeyMu sync.RWMutex
}

// New opens a SQLite database file, runs migrations and returns a store.
func New(ctx context.Context, opts Options) (*SQLite, error) {
	if opts.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if opts.TablePrefix != "" {
		tablePrefix = opts.TablePrefix
	}

	migrate := opts.Migrate
	if migrate.Table == "" {
		migrate.Table = "migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = opts.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", opts.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                db,
		goqu:              dbGoqu,
		tableUsers:        goqu.T(tablePrefix + "users"),
		tableApiKeys:      goqu.T(tablePrefix + "api_keys"),
		tableOAuthTokens:  goqu.T(tablePrefix + "oauth_tokens"),
		tableProviders:    goqu.T(tablePrefix + "providers"),
		tableSubProviders: goqu.T(tablePrefix + "sub_providers"),
		tableApiRequests:  goqu.T(tablePrefix + "api_requests"),
		tableDiscounts:    goqu.T(tablePrefix + "user_discounts"),
		tableVideoJobs:    goqu.T(tablePrefix + "video_jobs"),
		encKey:            opts.EncryptionKey,
	}, nil
}

// Close releases the underlying connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
