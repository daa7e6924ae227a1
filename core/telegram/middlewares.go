package telegram

import (
	"time"

	coreconfig "github.com/m3rciful/relaybot/core/config"
	"github.com/m3rciful/relaybot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// MiddlewareHooks lets the application answer limited and panicking updates.
type MiddlewareHooks struct {
	OnLimited tele.HandlerFunc
	OnPanic   func(tele.Context, error) error
}

// DefaultMiddlewares builds the shared middleware chain: logging first so
// every later line carries the rid, then panic recovery, rate limiting and
// reply counters.
func DefaultMiddlewares(cfg *coreconfig.Config, hooks MiddlewareHooks) []Middleware {
	mws := []Middleware{
		{Name: "logger", Use: middleware.LoggerMiddleware},
		{Name: "recover", Use: middleware.Recover(hooks.OnPanic)},
	}

	if cfg != nil {
		interval := time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond
		if interval > 0 {
			ex := make(map[string]struct{}, len(cfg.RateLimit.ExcludeUpdates))
			for _, t := range cfg.RateLimit.ExcludeUpdates {
				ex[t] = struct{}{}
			}
			mws = append(mws, Middleware{
				Name: "rate_limit",
				Use: middleware.RateLimitMiddleware(middleware.RateLimitOptions{
					Interval:  interval,
					Burst:     cfg.RateLimit.Burst,
					Exclude:   ex,
					OnLimited: hooks.OnLimited,
				}),
			})
		}
	}

	return append(mws, Middleware{Name: "metrics", Use: middleware.MessageMetricsMiddleware})
}
