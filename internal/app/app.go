// Package app wires the tenant router components from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/config"
	"github.com/commhub/communication-server/internal/directory"
	"github.com/commhub/communication-server/internal/events"
	"github.com/commhub/communication-server/internal/migrate"
	"github.com/commhub/communication-server/internal/registration"
	"github.com/commhub/communication-server/internal/registry"
	"github.com/commhub/communication-server/internal/router"
	"github.com/commhub/communication-server/internal/storage"
	"github.com/commhub/communication-server/pkg/crypto"
)

// App holds the wired components of one process.
type App struct {
	Config    *config.Config
	Origin    string
	Store     *storage.PostgresStore
	Vault     *crypto.Vault
	Registry  *registry.Registry
	Directory *directory.Client
	Router    *router.Router
	Resolver  *router.Resolver
	Workflow  *registration.Workflow

	redis *redis.Client
	nats  *nats.Conn
}

// Options tunes New.
type Options struct {
	// Name identifies the process on NATS.
	Name string
	// MigrateMaster applies the master migrations at startup.
	MigrateMaster bool
	// SkipNATS leaves events disabled even when NATS is configured.
	SkipNATS bool
}

// New connects to the databases, loads secrets and builds every component.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Origin: uuid.New().String()}

	if cfg.Security.EncryptionKeySecretARN != "" && cfg.Security.EncryptionKey == "" {
		client, err := config.NewSecretsManagerClient(ctx, cfg.Security.AWSRegion)
		if err != nil {
			return nil, err
		}
		if err := cfg.LoadSecrets(ctx, client); err != nil {
			return nil, err
		}
	}

	vault, err := crypto.NewVault(crypto.VaultOptions{
		Key:              cfg.Security.EncryptionKey,
		LegacySecret:     cfg.Security.SecretKey,
		AllowPassthrough: cfg.Security.AllowPlaintextFallback,
	})
	if err != nil {
		return nil, err
	}
	if !vault.Configured() {
		log.Warn().Msg("No encryption key configured, tenant registration is disabled")
	}
	a.Vault = vault

	store, err := storage.NewPostgresStore(cfg.Database.SharedDSN)
	if err != nil {
		return nil, fmt.Errorf("connect to shared database: %w", err)
	}
	db := store.DB()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)
	a.Store = store
	log.Info().Msg("Connected to database")

	if opts.MigrateMaster {
		if err := migrate.Master(ctx, db); err != nil {
			a.Close()
			return nil, err
		}
	}

	defaults := registry.ConnectionConfig{
		SSLMode:        cfg.Tenants.SSLMode,
		ConnectTimeout: cfg.Tenants.ConnectTimeout,
		ConnMaxAge:     cfg.Tenants.ConnMaxAge,
		MaxOpenConns:   cfg.Tenants.MaxOpenConns,
		MaxIdleConns:   cfg.Tenants.MaxIdleConns,
		HealthChecks:   cfg.Tenants.HealthChecks,
	}

	a.Registry = registry.New(nil)
	if err := a.registerStatic(); err != nil {
		a.Close()
		return nil, err
	}

	source, err := a.directorySource()
	if err != nil {
		a.Close()
		return nil, err
	}

	tester := registry.NewPingTester(nil, cfg.Tenants.TestTimeout)
	a.Directory = directory.NewClient(directory.Options{
		Source:       source,
		Cache:        a.directoryCache(ctx),
		Vault:        vault,
		Registry:     a.Registry,
		Tester:       tester,
		TTL:          cfg.Directory.CacheTTL,
		FetchTimeout: cfg.Directory.Timeout,
		Defaults:     defaults,
	})

	a.Router = router.New(router.Options{Strict: cfg.Tenants.StrictRouting})
	a.Resolver = router.NewResolver(a.Router, a.Registry, a.Directory)

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.NATS.URL != "" && !opts.SkipNATS {
		if nc := a.connectNATS(opts.Name); nc != nil {
			publisher = events.NewNATSPublisher(nc, a.Origin)
		}
	}

	a.Workflow = registration.New(registration.Options{
		Store:           store,
		Vault:           vault,
		Registry:        a.Registry,
		Router:          a.Router,
		Tester:          tester,
		Directory:       a.Directory,
		Migrate:         migrate.Tenant,
		Publisher:       publisher,
		Defaults:        defaults,
		RollbackTimeout: cfg.Tenants.RollbackTimeout,
	})

	return a, nil
}

// registerStatic registers the master and shared aliases.
func (a *App) registerStatic() error {
	static := map[string]string{
		router.DefaultAlias: a.Config.Database.DSN,
		router.SharedAlias:  a.Config.Database.SharedDSN,
	}
	for alias, dsn := range static {
		cfg, err := registry.ParseURL(dsn)
		if err != nil {
			return fmt.Errorf("%s database: %w", alias, err)
		}
		cfg.MaxOpenConns = a.Config.Database.MaxOpenConns
		cfg.MaxIdleConns = a.Config.Database.MaxIdleConns
		cfg.ConnMaxAge = a.Config.Database.ConnMaxLifetime
		if err := a.Registry.Register(alias, cfg); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) directorySource() (directory.Source, error) {
	cfg := a.Config.Directory
	if cfg.Source != "http" {
		log.Info().Msg("Resolving tenants from the local tenant_databases table")
		return directory.NewStoreSource(a.Store), nil
	}
	log.Info().Str("url", cfg.URL).Msg("Resolving tenants through the accounts service")
	return directory.NewHTTPSource(directory.HTTPSourceOptions{
		BaseURL:        cfg.URL,
		InternalToken:  cfg.InternalToken,
		Timeout:        cfg.Timeout,
		ByIDPath:       cfg.ByIDPath,
		ByUsernamePath: cfg.ByUsernamePath,
	})
}

// cleanupInterval is how often the in-process cache drops expired entries.
const cleanupInterval = time.Minute

// directoryCache uses Redis when configured and reachable, else memory.
func (a *App) directoryCache(ctx context.Context) directory.Cache {
	cfg := a.Config.Redis
	if cfg.Addr == "" {
		return a.memoryCache(ctx)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Addr).Msg("Redis unreachable, using in-process directory cache")
		client.Close()
		return a.memoryCache(ctx)
	}

	log.Info().Str("addr", cfg.Addr).Msg("Connected to Redis")
	a.redis = client
	return directory.NewRedisCache(client)
}

func (a *App) memoryCache(ctx context.Context) *directory.MemoryCache {
	c := directory.NewMemoryCache()
	c.StartCleanup(ctx, cleanupInterval)
	return c
}

func (a *App) connectNATS(name string) *nats.Conn {
	cfg := a.Config.NATS
	log.Info().Str("url", cfg.URL).Msg("Connecting to NATS...")

	nc, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.UserInfo(cfg.Username, cfg.Password),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS error")
		}),
	)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without tenant events")
		return nil
	}

	log.Info().Msg("Connected to NATS")
	a.nats = nc
	return nc
}

// NATS returns the NATS connection, or nil when events are disabled.
func (a *App) NATS() *nats.Conn {
	return a.nats
}

// Close releases every pool and connection.
func (a *App) Close() {
	if a.Registry != nil {
		if err := a.Registry.CloseAll(); err != nil {
			log.Warn().Err(err).Msg("Error closing tenant pools")
		}
	}
	if a.nats != nil {
		a.nats.Drain()
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
