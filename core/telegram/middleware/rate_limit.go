package middleware

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/m3rciful/relaybot/core/logger"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Update kinds accepted by RateLimitOptions.Exclude.
const (
	KindCallback = "callback"
	KindMessage  = "message"
	KindOther    = "other"
)

// RateLimitOptions configures behaviour of the rate limit middleware.
type RateLimitOptions struct {
	// Interval is the sustained gap between two updates of one user.
	Interval time.Duration
	// Burst is how many updates may arrive back to back.
	Burst     int
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
}

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserLimiter keeps one token bucket per user. Idle buckets are dropped.
type UserLimiter struct {
	mu       sync.Mutex
	every    rate.Limit
	burst    int
	idle     time.Duration
	users    map[int64]*userLimiter
	lastScan time.Time
	now      func() time.Time
}

// NewUserLimiter allows one update per interval with the given burst.
func NewUserLimiter(interval time.Duration, burst int) *UserLimiter {
	if burst <= 0 {
		burst = 1
	}
	idle := 10 * interval
	if idle < time.Minute {
		idle = time.Minute
	}
	return &UserLimiter{
		every: rate.Every(interval),
		burst: burst,
		idle:  idle,
		users: make(map[int64]*userLimiter),
		now:   time.Now,
	}
}

// Allow takes a token from the user's bucket.
func (l *UserLimiter) Allow(userID int64) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastScan) > l.idle {
		for id, u := range l.users {
			if now.Sub(u.lastSeen) > l.idle {
				delete(l.users, id)
			}
		}
		l.lastScan = now
	}
	u, ok := l.users[userID]
	if !ok {
		u = &userLimiter{limiter: rate.NewLimiter(l.every, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	l.mu.Unlock()

	return u.limiter.AllowN(now, 1)
}

// Len reports the number of tracked users.
func (l *UserLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}

// UpdateKind names the update for exclusion matching.
func UpdateKind(upd tele.Update) string {
	switch {
	case upd.Callback != nil:
		return KindCallback
	case upd.Message != nil:
		return KindMessage
	}
	return KindOther
}

// RateLimitMiddleware drops updates of users that exceed the configured rate.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	if opts.Interval <= 0 {
		return func(next tele.HandlerFunc) tele.HandlerFunc { return next }
	}
	limiter := NewUserLimiter(opts.Interval, opts.Burst)
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			user := c.Sender()
			if user == nil {
				return next(c)
			}
			kind := UpdateKind(c.Update())
			if _, skip := opts.Exclude[kind]; skip {
				return next(c)
			}
			if limiter.Allow(user.ID) {
				return next(c)
			}

			logger.Warn(tghelpers.BuildContext(c), logger.CompTG, "tg.rate_limit",
				slog.String("status", "skip"),
				slog.String("kind", kind),
			)
			if opts.OnLimited != nil {
				_ = opts.OnLimited(c)
			}
			return nil
		}
	}
}
