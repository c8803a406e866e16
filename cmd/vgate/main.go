package main

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/bcrypt"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/vgate/internal/auth"
	"github.com/rakunlabs/vgate/internal/balancer"
	"github.com/rakunlabs/vgate/internal/cache"
	"github.com/rakunlabs/vgate/internal/cluster"
	"github.com/rakunlabs/vgate/internal/config"
	"github.com/rakunlabs/vgate/internal/credit"
	"github.com/rakunlabs/vgate/internal/crypto"
	"github.com/rakunlabs/vgate/internal/discount"
	"github.com/rakunlabs/vgate/internal/metrics"
	"github.com/rakunlabs/vgate/internal/provider"
	"github.com/rakunlabs/vgate/internal/provider/anthropic"
	"github.com/rakunlabs/vgate/internal/provider/genericoa"
	"github.com/rakunlabs/vgate/internal/provider/openai"
	"github.com/rakunlabs/vgate/internal/registry"
	"github.com/rakunlabs/vgate/internal/security"
	"github.com/rakunlabs/vgate/internal/server"
	"github.com/rakunlabs/vgate/internal/store"
	"github.com/rakunlabs/vgate/internal/store/memory"
	"github.com/rakunlabs/vgate/internal/store/postgres"
	"github.com/rakunlabs/vgate/internal/store/sqlite3"
	"github.com/rakunlabs/vgate/internal/tracker"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	name    = "vgate"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

// ///////////////////////////////////////////////////////////////////

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	var encKey []byte
	if cfg.Gateway.EncryptionKey != "" {
		encKey, err = crypto.DeriveKey(cfg.Gateway.EncryptionKey)
		if err != nil {
			return fmt.Errorf("derive encryption key: %w", err)
		}
	}

	st, err := buildStore(ctx, cfg, encKey)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	ch := buildCache(cfg)

	reg := buildRegistry(cfg)

	adapters := buildAdapterRegistry()

	bal := balancer.New()
	creditEngine := credit.New(st, credit.WithResetInterval(cfg.Gateway.CreditResetEvery))
	discountEngine := discount.New(st, cfg.Gateway.DiscountRotationModels...)
	reqTracker := tracker.New(st)

	sec, err := buildSecurity(cfg)
	if err != nil {
		return fmt.Errorf("build security service: %w", err)
	}

	var masterKeyHash string
	if cfg.Gateway.MasterAdminToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Gateway.MasterAdminToken), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hash master admin token: %w", err)
		}
		masterKeyHash = string(hash)
	}
	authService := auth.New(st, st, masterKeyHash)
	if len(cfg.Gateway.OAuthRefresh) > 0 {
		refreshers := make(map[string]auth.OAuthRefreshEndpoint, len(cfg.Gateway.OAuthRefresh))
		for provider, ep := range cfg.Gateway.OAuthRefresh {
			refreshers[provider] = auth.OAuthRefreshEndpoint{
				TokenURL:     ep.TokenURL,
				ClientID:     ep.ClientID,
				ClientSecret: ep.ClientSecret,
			}
		}
		authService.Configure(auth.WithOAuthRefresh(refreshers))
	}

	metricsRegistry := metrics.New(prometheus.NewRegistry())

	clusterNode, err := cluster.New(cfg.Gateway.Alan)
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}

	srv, err := server.New(ctx, cfg.Server, cfg.Gateway, server.Deps{
		Store:         st,
		Registry:      reg,
		Balancer:      bal,
		Adapters:      adapters,
		Credit:        creditEngine,
		Discount:      discountEngine,
		Tracker:       reqTracker,
		Security:      sec,
		Auth:          authService,
		Metrics:       metricsRegistry,
		Cache:         ch,
		Cluster:       clusterNode,
		EncryptionKey: encKey,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	if clusterNode != nil {
		if err := clusterNode.Start(ctx, func(newKey []byte) {
			slog.Info("applying encryption key received from cluster peer")
		}); err != nil {
			return fmt.Errorf("start cluster: %w", err)
		}
		defer clusterNode.Stop() //nolint:errcheck
	}

	go runCrons(ctx, clusterNode, creditEngine, discountEngine)

	return srv.Start(ctx)
}

// runCrons drives the credit-reset and discount-rotation loops. In a
// clustered deployment only the elected leader runs them, guarded by
// cluster.LockScheduler; a single-node deployment runs them unconditionally.
func runCrons(ctx context.Context, cl *cluster.Cluster, creditEngine *credit.Engine, discountEngine *discount.Engine) {
	if cl != nil {
		select {
		case <-cl.Ready():
		case <-ctx.Done():
			return
		}
		if err := cl.LockScheduler(ctx); err != nil {
			slog.Info("cron scheduler not acquired by this node", "error", err)
			return
		}
		defer cl.UnlockScheduler() //nolint:errcheck
	}

	go creditEngine.RunResetLoop(ctx)
	discountEngine.RunRotationLoop(ctx)
}

func buildStore(ctx context.Context, cfg *config.Config, encKey []byte) (store.Store, error) {
	switch {
	case cfg.Store.Postgres != nil:
		opts := postgres.Options{
			Datasource:    cfg.Store.Postgres.Datasource,
			Schema:        cfg.Store.Postgres.Schema,
			EncryptionKey: encKey,
			Migrate: postgres.MigrateOptions{
				Datasource: cfg.Store.Postgres.Migrate.Datasource,
				Schema:     cfg.Store.Postgres.Migrate.Schema,
				Table:      cfg.Store.Postgres.Migrate.Table,
				Values:     cfg.Store.Postgres.Migrate.Values,
			},
		}
		if cfg.Store.Postgres.TablePrefix != nil {
			opts.TablePrefix = *cfg.Store.Postgres.TablePrefix
		}
		if cfg.Store.Postgres.ConnMaxLifetime != nil {
			opts.ConnMaxLifetime = *cfg.Store.Postgres.ConnMaxLifetime
		}
		if cfg.Store.Postgres.MaxIdleConns != nil {
			opts.MaxIdleConns = *cfg.Store.Postgres.MaxIdleConns
		}
		if cfg.Store.Postgres.MaxOpenConns != nil {
			opts.MaxOpenConns = *cfg.Store.Postgres.MaxOpenConns
		}
		return postgres.New(ctx, opts)
	case cfg.Store.SQLite != nil:
		opts := sqlite3.Options{
			Datasource:    cfg.Store.SQLite.Datasource,
			EncryptionKey: encKey,
			Migrate: sqlite3.MigrateOptions{
				Datasource: cfg.Store.SQLite.Migrate.Datasource,
				Table:      cfg.Store.SQLite.Migrate.Table,
				Values:     cfg.Store.SQLite.Migrate.Values,
			},
		}
		if cfg.Store.SQLite.TablePrefix != nil {
			opts.TablePrefix = *cfg.Store.SQLite.TablePrefix
		}
		return sqlite3.New(ctx, opts)
	default:
		slog.Warn("no store configured, falling back to in-memory store (data does not survive a restart)")
		return memory.New(), nil
	}
}

func buildCache(cfg *config.Config) cache.Cache {
	if cfg.Cache.Redis != nil {
		return cache.NewRedis(cfg.Cache.Redis.Addr, cfg.Cache.Redis.Password, cfg.Cache.Redis.DB)
	}
	return cache.NewMemory()
}

func buildRegistry(cfg *config.Config) *registry.Registry {
	reg := registry.New()
	for model, m := range cfg.Bootstrap.Models {
		caps := make(map[registry.Capability]bool, len(m.Capabilities))
		for _, c := range m.Capabilities {
			caps[registry.Capability(c)] = true
		}
		var planReqs map[string]bool
		if len(m.RequiresPlans) > 0 {
			planReqs = make(map[string]bool, len(m.RequiresPlans))
			for _, p := range m.RequiresPlans {
				planReqs[p] = true
			}
		}
		reg.Upsert(registry.ModelEntry{
			Model:            model,
			ProviderName:     m.Provider,
			Capabilities:     caps,
			CostPer1KInput:   m.CostPer1KInput,
			CostPer1KOutput:  m.CostPer1KOutput,
			PlanRequirements: planReqs,
		})
	}
	return reg
}

// buildAdapterRegistry registers every protocol adapter kind the gateway
// speaks. "openai" and "anthropic" are native adapters; the remaining kinds
// are all openai-wire-compatible sub-providers distinguished only by the
// quirk genericoa needs to apply.
func buildAdapterRegistry() *provider.Registry {
	reg := provider.NewRegistry()
	reg.RegisterFactory("openai", openai.New)
	reg.RegisterFactory("anthropic", anthropic.New)
	reg.RegisterFactory("genericoa", genericoa.New(genericoa.QuirkNone))
	reg.RegisterFactory("xai", genericoa.New(genericoa.QuirkStripPenalties))
	reg.RegisterFactory("tools302", genericoa.New(genericoa.QuirkImageSideChannel))
	return reg
}

// buildSecurity constructs the optional moderation gate. A nil moderator
// (no security.moderation configured) makes security.Check a no-op.
func buildSecurity(cfg *config.Config) (*security.Service, error) {
	mod := cfg.Security.Moderation
	if mod == nil || mod.APIKey == "" {
		return security.New(nil), nil
	}

	factory := openai.New
	if mod.Kind == "genericoa" {
		factory = genericoa.New(genericoa.QuirkNone)
	}

	adapter, err := factory(mod.APIKey, mod.Model, mod.BaseURL, "", false)
	if err != nil {
		return nil, fmt.Errorf("build moderation adapter: %w", err)
	}

	return security.New(security.AsModerator(adapter)), nil
}
