package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/m3rciful/relaybot/core/logger"
)

// Sweeper periodically removes expired sessions from backends that keep them
// around after their TTL.
type Sweeper struct {
	cron    *cron.Cron
	store   Expirer
	timeout time.Duration
}

// NewSweeper registers a purge job on schedule ("@every 10m", a cron line...).
func NewSweeper(store Expirer, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		cron:    cron.New(),
		store:   store,
		timeout: 30 * time.Second,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start launches the scheduler in its own goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(logger.Background(), s.timeout)
	defer cancel()
	_, _ = s.Sweep(ctx)
}

// Sweep purges once and logs the outcome.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	start := time.Now()
	n, err := s.store.PurgeExpired(ctx)
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.Int("count", n),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		logger.Error(ctx, logger.CompSession, "session.sweep", append(attrs, slog.String("err", err.Error()))...)
		return n, err
	}
	if n > 0 {
		logger.Info(ctx, logger.CompSession, "session.sweep", attrs...)
	} else {
		logger.Debug(ctx, logger.CompSession, "session.sweep", attrs...)
	}
	return n, nil
}
