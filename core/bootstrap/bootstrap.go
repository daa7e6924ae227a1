package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	coreconfig "github.com/m3rciful/relaybot/core/config"
	coredatabase "github.com/m3rciful/relaybot/core/database"
	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/session"
)

// Options control the bootstrap pipeline. Nil hooks use the real implementations.
type Options struct {
	Config *coreconfig.Config

	LoggerInit func(*coreconfig.Config) error
	Connect    func(context.Context, coredatabase.Config) (*sqlx.DB, error)
	Migrate    func(context.Context, coredatabase.Config) error
	DialRedis  func(context.Context, string) (*redis.Client, error)

	// Stores overrides the backend table, keyed by session.backend.
	Stores map[string]StoreProvider
}

// Result exposes infrastructure initialized by the bootstrap pipeline.
type Result struct {
	DB      *sqlx.DB
	Store   session.Store
	Sweeper *session.Sweeper
}

// DatabaseConfig converts the config section into connection settings.
func DatabaseConfig(cfg *coreconfig.Config) coredatabase.Config {
	return coredatabase.Config(cfg.Database)
}

// Run initializes the logger, connects to Postgres when a component needs it,
// opens the session store and starts the expiry sweeper.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("bootstrap: nil config provided")
	}
	cfg := opts.Config

	loggerInit := opts.LoggerInit
	if loggerInit == nil {
		loggerInit = logger.InitLogger
	}
	if err := loggerInit(cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: logger init failed: %w", err)
	}

	res := &Result{}
	if cfg.UsesDatabase() {
		connect := opts.Connect
		if connect == nil {
			connect = coredatabase.Connect
		}
		migrate := opts.Migrate
		if migrate == nil {
			migrate = coredatabase.RunMigrations
		}

		dbCfg := DatabaseConfig(cfg)
		db, err := connect(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: database initialization failed: %w", err)
		}
		if err := migrate(ctx, dbCfg); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("bootstrap: migrations failed: %w", err)
		}
		res.DB = db
	}

	stores := opts.Stores
	if stores == nil {
		stores = DefaultStores(opts.DialRedis)
	}
	provider, ok := stores[cfg.Session.Backend]
	if !ok {
		_ = res.Close()
		return nil, fmt.Errorf("bootstrap: no provider for session backend %q", cfg.Session.Backend)
	}
	store, err := provider.Provide(ctx, cfg, res)
	if err != nil {
		_ = res.Close()
		return nil, fmt.Errorf("bootstrap: session store: %w", err)
	}
	res.Store = store

	if exp, ok := store.(session.Expirer); ok {
		sw, err := session.NewSweeper(exp, cfg.Session.PurgeSchedule)
		if err != nil {
			_ = res.Close()
			return nil, fmt.Errorf("bootstrap: invalid session.purge_schedule %q: %w", cfg.Session.PurgeSchedule, err)
		}
		sw.Start()
		res.Sweeper = sw
	}

	logger.Info(ctx, logger.CompSession, "session.store",
		slog.String("status", "ok"),
		slog.String("backend", cfg.Session.Backend),
		slog.Duration("ttl", cfg.Session.TTL),
		slog.Bool("sweeper", res.Sweeper != nil),
	)
	return res, nil
}

// Close stops the sweeper and releases the store and the database.
func (r *Result) Close() error {
	if r == nil {
		return nil
	}
	if r.Sweeper != nil {
		r.Sweeper.Stop()
	}
	var errs []error
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	if r.DB != nil {
		errs = append(errs, r.DB.Close())
	}
	return errors.Join(errs...)
}
