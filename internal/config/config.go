// Package config loads the gateway's configuration tree with chu (environment,
// consul and vault loaders layered together) and
// sets the process-wide log level, matching internal/config/config.go's
// original shape but rebuilt around the new domain.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/alan"
	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

// Config is the root configuration tree, loaded once at process start.
type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Gateway configures authentication and billing defaults.
	Gateway Gateway `cfg:"gateway"`

	// Bootstrap seeds the model registry with entries the admin API hasn't
	// populated yet, via a config-file provider catalog.
	Bootstrap Bootstrap `cfg:"bootstrap"`

	Store     Store       `cfg:"store"`
	Cache     Cache       `cfg:"cache"`
	Server    Server      `cfg:"server"`
	Security  Security    `cfg:"security"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// Gateway configures authentication, the master-admin bypass and billing
// cadence for the credit/discount engines.
type Gateway struct {
	// MasterAdminToken, if set, authenticates a synthetic admin identity
	// (domain.MasterAdminID) that bypasses credit and discount checks
	// entirely. Compared with bcrypt against the stored hash, the same way
	// an AdminToken bypass guards a settings endpoint.
	MasterAdminToken string `cfg:"master_admin_token" log:"-"`

	// UserHeader is the HTTP header name carrying the authenticated user's
	// email address when ForwardAuth is configured.
	UserHeader string `cfg:"user_header" default:"X-User"`

	// ForwardAuth, if set, delegates bearer-token resolution to an external
	// authentication service before the gateway's own ApiKey/OAuthToken
	// lookup runs.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// CreditResetEvery is how often a user's balance resets to their plan
	// allowance. The cron polls every 5 minutes and resets any user whose
	// LastResetAt is at least this long in the past.
	CreditResetEvery time.Duration `cfg:"credit_reset_every" default:"24h"`

	// EncryptionKey, if set, enables AES-256-GCM encryption for
	// SubProvider.EncryptedAPIKey and ApiKey.Encrypted. Any non-empty
	// string is accepted and derived into a 32-byte key; empty disables
	// encryption.
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	// Alan, if set, enables distributed clustering via UDP peer discovery,
	// used for leader-elected credit-reset/discount-rotation crons and
	// encryption-key-rotation broadcast across a fleet of gateway instances.
	Alan *alan.Config `cfg:"alan"`

	// OAuthRefresh names the refresh-token grant endpoint for each OAuth
	// provider an OAuthToken.Provider value may reference, letting the
	// gateway renew a caller's access token transparently instead of
	// rejecting the request once it expires.
	OAuthRefresh map[string]OAuthRefreshEndpoint `cfg:"oauth_refresh"`

	// DiscountRotationModels is the subset of catalog models the 18:00 CET
	// discount rotation may assign a fresh discount against. Empty disables
	// automatic rotation-assignment (manual admin grants still work).
	DiscountRotationModels []string `cfg:"discount_rotation_models"`
}

// OAuthRefreshEndpoint configures one provider's refresh-token grant.
type OAuthRefreshEndpoint struct {
	TokenURL     string `cfg:"token_url"`
	ClientID     string `cfg:"client_id"`
	ClientSecret string `cfg:"client_secret" log:"-"`
}

// Bootstrap seeds the in-process model registry at startup. Providers and
// sub-providers themselves are managed through the admin API and persisted
// in Store; Bootstrap only supplies the capability/cost catalog a fresh
// deployment needs before an operator has configured anything through that
// API.
//
// Example YAML:
//
//	bootstrap:
//	  models:
//	    gpt-4o:
//	      provider: openai
//	      capabilities: [chat, responses]
//	      cost_per_1k_input: 5000
//	      cost_per_1k_output: 15000
//	    claude-haiku-4-5:
//	      provider: anthropic
//	      capabilities: [chat]
//	      cost_per_1k_input: 1000
//	      cost_per_1k_output: 5000
type Bootstrap struct {
	Models map[string]BootstrapModel `cfg:"models"`
}

// BootstrapModel describes a single model registry entry at startup.
type BootstrapModel struct {
	Provider        string   `cfg:"provider" json:"provider"`
	Capabilities    []string `cfg:"capabilities" json:"capabilities"`
	CostPer1KInput  int64    `cfg:"cost_per_1k_input" json:"cost_per_1k_input"`
	CostPer1KOutput int64    `cfg:"cost_per_1k_output" json:"cost_per_1k_output"`

	// RequiresPlans, if set, restricts this model to the listed plan
	// identifiers; empty means every plan may call it.
	RequiresPlans []string `cfg:"requires_plans" json:"requires_plans"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`
}

type Store struct {
	Postgres *StorePostgres `cfg:"postgres"`
	SQLite   *StoreSQLite   `cfg:"sqlite"`
}

type StorePostgres struct {
	TablePrefix     *string        `cfg:"table_prefix"`
	Datasource      string         `cfg:"datasource" log:"-"`
	Schema          string         `cfg:"schema"`
	ConnMaxLifetime *time.Duration `cfg:"conn_max_lifetime"`
	MaxIdleConns    *int           `cfg:"max_idle_conns"`
	MaxOpenConns    *int           `cfg:"max_open_conns"`

	Migrate Migrate `cfg:"migrate"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table"`
	Values     map[string]string `cfg:"values"`
}

// Cache configures the TTL key/value cache used for rate-limit counters,
// sub-provider sliding-window spill and discount lookups. When Redis is nil
// the gateway falls back to the in-process cache, which only makes sense
// for a single-instance deployment.
type Cache struct {
	Redis *CacheRedis `cfg:"redis"`
}

type CacheRedis struct {
	Addr     string `cfg:"addr"`
	Password string `cfg:"password" log:"-"`
	DB       int    `cfg:"db"`
}

// Security configures the optional pre-dispatch moderation gate. Left
// unset, the gateway runs without a content-policy check (security.New(nil)).
type Security struct {
	Moderation *SecurityModeration `cfg:"moderation"`
}

type SecurityModeration struct {
	Kind    string `cfg:"kind" default:"openai"`
	APIKey  string `cfg:"api_key" log:"-"`
	Model   string `cfg:"model" default:"omni-moderation-latest"`
	BaseURL string `cfg:"base_url"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("VGATE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
