// Package postgres is the production repository backend: goqu for query
// building, pgx's database/sql driver for the connection pool, and muz for
// schema migrations for the production Postgres store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 3
	MaxOpenConns    = 3

	DefaultTablePrefix = "vgate_"
)

// Options configures a Postgres store. Kept decoupled from internal/config so
// the repository layer has no dependency on the application's config shape.
type Options struct {
	Datasource      string
	Schema          string
	TablePrefix     string
	ConnMaxLifetime time.Duration
	MaxIdleConns    int
	MaxOpenConns    int

	// EncryptionKey is the AES-256 key used to encrypt/decrypt
	// SubProvider.EncryptedAPIKey. nil disables encryption.
	EncryptionKey []byte

	Migrate MigrateOptions
}

// MigrateOptions configures the migration run that happens before the pool
// is handed back to the caller.
type MigrateOptions struct {
	Datasource string
	Schema     string
	Table      string
	Values     map[string]string
}

// Postgres is the production Store implementation.
type Postgres struct {
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

	// encKey is the AES-256 key used to encrypt/decrypt SubProvider API
	// keys. Protected by encKeyMu so RotateEncryptionKey can swap it out
	// while in-flight reads/writes use a consistent snapshot.
	encKey   []byte
	encKeyMu sync.RWMutex
}

// New opens a Postgres connection pool, runs migrations and returns a store.
func New(ctx context.Context, opts Options) (*Postgres, error) {
	if opts.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
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
	if migrate.Schema == "" {
		migrate.Schema = opts.Schema
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, migrate); err != nil {
		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	db, err := sql.Open("pgx", opts.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if opts.Schema != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", opts.Schema)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set search_path: %w", err)
		}
	}

	connMaxLifetime := ConnMaxLifetime
	if opts.ConnMaxLifetime > 0 {
		connMaxLifetime = opts.ConnMaxLifetime
	}
	maxIdleConns := MaxIdleConns
	if opts.MaxIdleConns > 0 {
		maxIdleConns = opts.MaxIdleConns
	}
	maxOpenConns := MaxOpenConns
	if opts.MaxOpenConns > 0 {
		maxOpenConns = opts.MaxOpenConns
	}

	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetMaxOpenConns(maxOpenConns)

	slog.Info("connected to store postgres")

	dbGoqu := goqu.New("postgres", db)

	return &Postgres{
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

// Close releases the underlying connection pool.
func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
