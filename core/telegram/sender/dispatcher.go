// Package sender runs outbound Bot API calls with bounded retries, either
// inline (Do) or on a worker pool (Enqueue).
package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/telegram/netutil"
)

var (
	// ErrQueueClosed is returned when enqueue is attempted after dispatcher stop.
	ErrQueueClosed = errors.New("telegram sender: queue closed")
	// ErrQueueFull indicates the queue is saturated and the job was not accepted.
	ErrQueueFull = errors.New("telegram sender: queue full")

	errNilRun = errors.New("telegram sender: nil run function")

	tokenRe = regexp.MustCompile(`bot[0-9]+:[A-Za-z0-9_-]+`)
)

// Options controls retries and the worker pool.
type Options struct {
	QueueSize    int
	Workers      int
	MaxRetries   int
	RetryBackoff time.Duration
	// MaxDuration bounds the time spent retrying a single call.
	MaxDuration time.Duration
	// Retryable decides whether a failed call runs again; netutil.ShouldRetry if nil.
	Retryable func(error) bool
}

type job struct {
	ctx      context.Context
	action   string
	endpoint string
	run      func() error
}

// Dispatcher executes outbound Telegram calls with retries.
type Dispatcher struct {
	opts  Options
	jobs  chan job
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
	errs  atomic.Uint64
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher starts a dispatcher with sane defaults if options are zeroed.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 2 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 12 * time.Second
	}
	if opts.Retryable == nil {
		opts.Retryable = netutil.ShouldRetry
	}

	d := &Dispatcher{
		opts:  opts,
		jobs:  make(chan job, opts.QueueSize),
		stop:  make(chan struct{}),
		sleep: sleepCtx,
	}

	d.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go d.worker()
	}

	return d
}

// Do runs the call inline and returns the last error once retries are spent.
// run must be idempotent when retries are enabled.
func (d *Dispatcher) Do(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errNilRun
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := d.attempt(ctx, job{ctx: ctx, action: action, endpoint: endpoint, run: run})
	if err != nil {
		d.errs.Add(1)
	}
	return err
}

// Enqueue schedules the provided function for asynchronous execution.
func (d *Dispatcher) Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	if run == nil {
		return errNilRun
	}
	select {
	case <-d.stop:
		return ErrQueueClosed
	default:
	}

	j := job{
		ctx:      ctx,
		action:   action,
		endpoint: endpoint,
		run:      run,
	}

	select {
	case d.jobs <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

// ErrorCount returns the number of failed calls.
func (d *Dispatcher) ErrorCount() uint64 {
	return d.errs.Load()
}

// Close stops workers and waits for them to finish processing queued jobs.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		close(d.stop)
		close(d.jobs)
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		if j.ctx == nil {
			j.ctx = context.Background()
		}
		if err := d.attempt(j.ctx, j); err != nil {
			d.errs.Add(1)
		}
	}
}

// attempt is the retry loop shared by Do and the workers. The delay before
// attempt n+1 is RetryBackoff*n, or the flood-control wait when it is longer.
func (d *Dispatcher) attempt(ctx context.Context, j job) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, d.opts.MaxDuration)
	defer cancel()

	start := time.Now()
	logger.Debug(ctx, logger.CompSender, "send.start", sendLogAttrs(ctx, j)...)

	attempts := d.opts.MaxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := deadlineCtx.Err(); err != nil {
			lastErr = err
			break
		}

		err := j.run()
		if err == nil {
			logSendSuccess(ctx, j, attempt, time.Since(start))
			return nil
		}
		lastErr = err
		if !d.opts.Retryable(err) || attempt == attempts {
			break
		}

		delay := d.opts.RetryBackoff * time.Duration(attempt)
		if wait, ok := netutil.RetryAfter(err); ok && wait > delay {
			delay = wait
		}
		if dl, ok := deadlineCtx.Deadline(); ok && time.Until(dl) < delay {
			// the wait would outlive the budget
			break
		}
		logger.Debug(ctx, logger.CompSender, "send.retry.backoff",
			append(sendLogAttrs(ctx, j),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
			)...,
		)
		if err := d.sleep(deadlineCtx, delay); err != nil {
			lastErr = err
			break
		}
	}

	logSendFailure(ctx, j, lastErr, attempts, time.Since(start))
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func sendLogAttrs(ctx context.Context, j job) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("action", j.action),
	}
	if j.endpoint != "" {
		attrs = append(attrs, slog.String("endpoint", j.endpoint))
	}
	if rid := logger.RIDFrom(ctx); rid != "" {
		attrs = append(attrs, slog.String("rid", rid))
	}
	if chatID := logger.ChatIDFrom(ctx); chatID != 0 {
		attrs = append(attrs, slog.Int64("chat_id", chatID))
	}
	return attrs
}

func logSendSuccess(ctx context.Context, j job, attempt int, elapsed time.Duration) {
	attrs := sendLogAttrs(ctx, j)
	if attempt > 1 {
		attrs = append(attrs, slog.Int("attempt", attempt))
		attrs = append(attrs, slog.Duration("duration", elapsed))
		logger.Info(ctx, logger.CompSender, "send.retry.success", attrs...)
		return
	}
	attrs = append(attrs, slog.Duration("duration", elapsed))
	logger.Debug(ctx, logger.CompSender, "send.success", attrs...)
}

func logSendFailure(ctx context.Context, j job, err error, attempts int, elapsed time.Duration) {
	attrs := sendLogAttrs(ctx, j)
	attrs = append(attrs,
		slog.String("status", "fail"),
		slog.String("err", sanitizeErrorMessage(err)),
		slog.String("error_kind", classifyError(err)),
		slog.Int("attempts", attempts),
		slog.Duration("duration", elapsed),
	)
	logger.Error(ctx, logger.CompSender, "send.fail", attrs...)
}

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if _, ok := netutil.RetryAfter(err); ok {
		return "flood"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return "timeout"
		}
		return "dns"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return "dial"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil && !errors.Is(urlErr.Err, err) {
		if kind := classifyError(urlErr.Err); kind != "unknown" {
			return kind
		}
	}

	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return "tls"
	}

	status := netutil.StatusCode(err)
	switch {
	case status >= 500:
		return "http_5xx"
	case status >= 400:
		return "http_4xx"
	}
	return "unknown"
}

// sanitizeErrorMessage prevents accidental leakage of Telegram bot tokens in logs.
func sanitizeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return tokenRe.ReplaceAllString(err.Error(), "bot<redacted>")
}
