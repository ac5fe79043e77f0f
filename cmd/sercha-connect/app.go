package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/filestore"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/memory"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/postgres"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/profile"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/record"
	redisadapter "github.com/custodia-labs/sercha-connect/internal/adapters/driven/redis"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/replicated"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/sqlite"
	"github.com/custodia-labs/sercha-connect/internal/adapters/driven/useragent"
	"github.com/custodia-labs/sercha-connect/internal/config"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-connect/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-connect/internal/core/services"
)

// app holds the wired process: configuration, stores and services.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	providers *config.Providers
	store     driven.TokenStore
	accounts  driving.AccountService

	// pinger backs the health endpoint; nil when the store has no check.
	pinger interface {
		Ping(ctx context.Context) error
	}

	redisClient *goredis.Client
	db          *postgres.DB
	closers     []func() error
}

// newApp loads configuration and wires the stores and services.
func newApp(ctx context.Context, opts *Options) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts != nil {
		if opts.Store != "" {
			cfg.Store = opts.Store
		}
		if opts.Providers != "" {
			cfg.ProvidersFile = opts.Providers
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return wire(ctx, cfg)
}

func wire(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg, logger: cfg.Logger()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.providers, err = config.LoadProviders(cfg.ProvidersFile); err != nil {
		return nil, err
	}

	codec, err := newCodec(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Store == config.StoreReplicated {
		fast, err := a.openStore(ctx, cfg.FastStore, codec)
		if err != nil {
			return nil, fmt.Errorf("fast store: %w", err)
		}
		durable, err := a.openStore(ctx, cfg.DurableStore, codec)
		if err != nil {
			return nil, fmt.Errorf("durable store: %w", err)
		}
		a.store = replicated.New(fast, durable, a.logger)
	} else if a.store, err = a.openStore(ctx, cfg.Store, codec); err != nil {
		return nil, err
	}

	lock, err := a.refreshLock(ctx)
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	flow := services.NewOAuthService(services.OAuthServiceConfig{
		UserAgent:       newUserAgent(a.logger),
		HTTPClient:      httpClient,
		RedirectTimeout: cfg.RedirectTimeout,
		Logger:          a.logger,
	})

	a.accounts = services.NewAccountService(services.AccountServiceConfig{
		Store:       a.store,
		Providers:   a.providers,
		AuthFlow:    flow,
		Resolver:    profile.NewDefault(httpClient, a.logger),
		RefreshLock: lock,
		Logger:      a.logger,
	})
	return a, nil
}

func newCodec(cfg *config.Config) (*record.Codec, error) {
	if cfg.EncryptionKey == "" {
		return record.NewCodec(nil), nil
	}
	enc, err := record.NewSecretEncryptorFromPassphrase(cfg.EncryptionKey, cfg.EncryptionSalt)
	if err != nil {
		return nil, fmt.Errorf("encryption key: %w", err)
	}
	return record.NewCodec(enc), nil
}

func (a *app) openStore(ctx context.Context, backend string, codec *record.Codec) (driven.TokenStore, error) {
	switch backend {
	case config.StoreMemory:
		a.logger.Warn("using in-memory token store, credentials are lost on exit")
		return memory.NewTokenStore(a.logger), nil

	case config.StoreRedis:
		client, err := a.redis(ctx)
		if err != nil {
			return nil, err
		}
		store := redisadapter.NewTokenStore(client, codec, a.logger)
		if a.pinger == nil {
			a.pinger = store
		}
		return store, nil

	case config.StorePostgres:
		db, err := a.postgres(ctx)
		if err != nil {
			return nil, err
		}
		if a.pinger == nil {
			a.pinger = db
		}
		return postgres.NewTokenStore(db, codec, a.logger), nil

	case config.StoreSQLite:
		store, err := sqlite.Open(a.cfg.SQLitePath, codec, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil

	case config.StoreFile:
		return filestore.New(a.cfg.FileRoot, codec, a.logger), nil
	}
	return nil, fmt.Errorf("unknown store %q", backend)
}

// redis returns the shared client, connecting on first use.
func (a *app) redis(ctx context.Context) (*goredis.Client, error) {
	if a.redisClient != nil {
		return a.redisClient, nil
	}
	opts, err := goredis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	a.redisClient = client
	a.closers = append(a.closers, client.Close)
	a.logger.Debug("redis connected")
	return client, nil
}

// postgres returns the shared pool, connecting and migrating on first use.
func (a *app) postgres(ctx context.Context) (*postgres.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := postgres.Connect(ctx, postgres.DefaultConfig(a.cfg.DatabaseURL))
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	a.db = db
	a.closers = append(a.closers, db.Close)
	a.logger.Debug("postgres connected")
	return db, nil
}

func (a *app) refreshLock(ctx context.Context) (driven.DistributedLock, error) {
	switch a.cfg.RefreshLock {
	case config.LockRedis:
		client, err := a.redis(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh lock: %w", err)
		}
		return redisadapter.NewLock(client), nil
	case config.LockPostgres:
		db, err := a.postgres(ctx)
		if err != nil {
			return nil, fmt.Errorf("refresh lock: %w", err)
		}
		return postgres.NewAdvisoryLock(db), nil
	}
	return nil, nil
}

// Close releases every backend connection.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close backend", "error", err)
		}
	}
	a.closers = nil
}

// newUserAgent routes loopback redirects to a local listener and anything
// else (custom schemes) to a paste-back prompt.
func newUserAgent(logger *slog.Logger) driven.UserAgent {
	loopback := useragent.NewLoopback(useragent.SystemBrowser, logger)
	prompt := useragent.NewPrompt(os.Stdin, os.Stderr)
	return driven.UserAgentFunc(func(ctx context.Context, authURL, redirectScheme string) (*url.URL, error) {
		if strings.HasPrefix(redirectScheme, "http://") {
			return loopback.Open(ctx, authURL, redirectScheme)
		}
		return prompt.Open(ctx, authURL, redirectScheme)
	})
}
