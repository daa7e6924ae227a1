package bootstrap

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	coreconfig "github.com/m3rciful/relaybot/core/config"
	"github.com/m3rciful/relaybot/core/session"
)

// StoreProvider opens a session backend on top of the infrastructure set up so far.
type StoreProvider interface {
	Provide(ctx context.Context, cfg *coreconfig.Config, infra *Result) (session.Store, error)
}

// StoreProviderFunc adapts a bare function to the StoreProvider interface.
type StoreProviderFunc func(ctx context.Context, cfg *coreconfig.Config, infra *Result) (session.Store, error)

// Provide executes the underlying function.
func (f StoreProviderFunc) Provide(ctx context.Context, cfg *coreconfig.Config, infra *Result) (session.Store, error) {
	return f(ctx, cfg, infra)
}

// DefaultStores returns the built-in backends. dial may be nil.
func DefaultStores(dial func(context.Context, string) (*redis.Client, error)) map[string]StoreProvider {
	if dial == nil {
		dial = session.DialRedis
	}
	return map[string]StoreProvider{
		coreconfig.BackendMemory: StoreProviderFunc(func(_ context.Context, cfg *coreconfig.Config, _ *Result) (session.Store, error) {
			return session.NewMemoryStore(cfg.Session.TTL), nil
		}),
		coreconfig.BackendRedis: StoreProviderFunc(func(ctx context.Context, cfg *coreconfig.Config, _ *Result) (session.Store, error) {
			client, err := dial(ctx, cfg.Redis.URL)
			if err != nil {
				return nil, err
			}
			return session.NewRedisStore(client, cfg.Session.KeyPrefix, cfg.Session.TTL), nil
		}),
		coreconfig.BackendPostgres: StoreProviderFunc(func(_ context.Context, cfg *coreconfig.Config, infra *Result) (session.Store, error) {
			if infra == nil || infra.DB == nil {
				return nil, fmt.Errorf("postgres backend needs a database connection")
			}
			return session.NewPostgresStore(infra.DB, cfg.Session.TTL), nil
		}),
	}
}
