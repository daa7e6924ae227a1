package sender

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"
)

func newTestDispatcher(t *testing.T, opts Options) (*Dispatcher, *[]time.Duration) {
	t.Helper()
	d := NewDispatcher(opts)
	t.Cleanup(d.Close)

	var mu sync.Mutex
	waits := &[]time.Duration{}
	d.sleep = func(ctx context.Context, delay time.Duration) error {
		mu.Lock()
		*waits = append(*waits, delay)
		mu.Unlock()
		return ctx.Err()
	}
	return d, waits
}

func TestDoRetriesTransientErrors(t *testing.T) {
	d, waits := newTestDispatcher(t, Options{MaxRetries: 3, RetryBackoff: time.Second, MaxDuration: time.Minute})

	calls := 0
	err := d.Do(context.Background(), "send.text", "sendMessage", func() error {
		calls++
		if calls < 3 {
			return &tele.Error{Code: 502, Description: "Bad Gateway"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *waits)
	assert.Zero(t, d.ErrorCount())
}

func TestDoStopsOnPermanentError(t *testing.T) {
	d, waits := newTestDispatcher(t, Options{MaxRetries: 3, RetryBackoff: time.Second})

	perm := &tele.Error{Code: 400, Description: "Bad Request: chat not found"}
	calls := 0
	err := d.Do(context.Background(), "send.text", "sendMessage", func() error {
		calls++
		return perm
	})
	require.ErrorIs(t, err, perm)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
	assert.EqualValues(t, 1, d.ErrorCount())
}

func TestDoHonoursFloodWait(t *testing.T) {
	d, waits := newTestDispatcher(t, Options{MaxRetries: 1, RetryBackoff: time.Second, MaxDuration: time.Minute})

	calls := 0
	err := d.Do(context.Background(), "send.media", "sendPhoto", func() error {
		calls++
		if calls == 1 {
			return tele.FloodError{RetryAfter: 7}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, *waits)
}

func TestDoGivesUpWhenWaitExceedsBudget(t *testing.T) {
	d, waits := newTestDispatcher(t, Options{MaxRetries: 5, RetryBackoff: time.Minute, MaxDuration: time.Second})

	calls := 0
	err := d.Do(context.Background(), "send.text", "sendMessage", func() error {
		calls++
		return &tele.Error{Code: 500, Description: "Internal Server Error"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *waits)
}

func TestDoNilRun(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{})
	assert.Error(t, d.Do(context.Background(), "x", "", nil))
}

func TestEnqueueRunsOnWorkers(t *testing.T) {
	d := NewDispatcher(Options{Workers: 2, QueueSize: 8})

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Enqueue(context.Background(), "send.text", "sendMessage", func() error {
			ran.Add(1)
			return nil
		}))
	}
	d.Close()
	assert.EqualValues(t, 5, ran.Load())

	err := d.Enqueue(context.Background(), "send.text", "", func() error { return nil })
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestEnqueueQueueFull(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, QueueSize: 1})
	release := make(chan struct{})
	t.Cleanup(func() {
		close(release)
		d.Close()
	})

	started := make(chan struct{})
	block := func() error {
		close(started)
		<-release
		return nil
	}
	require.NoError(t, d.Enqueue(context.Background(), "block", "", block))
	<-started
	require.NoError(t, d.Enqueue(context.Background(), "queued", "", func() error { return nil }))

	err := d.Enqueue(context.Background(), "overflow", "", func() error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestSanitizeAndClassify(t *testing.T) {
	err := errors.New(`Post "https://api.telegram.org/bot123456:AAbb-cc_DD/sendMessage": dial tcp: refused`)
	assert.NotContains(t, sanitizeErrorMessage(err), "AAbb")
	assert.Contains(t, sanitizeErrorMessage(err), "bot<redacted>")

	assert.Equal(t, "timeout", classifyError(context.DeadlineExceeded))
	assert.Equal(t, "flood", classifyError(tele.FloodError{RetryAfter: 1}))
	assert.Equal(t, "http_4xx", classifyError(&tele.Error{Code: 403, Description: "Forbidden"}))
	assert.Equal(t, "http_5xx", classifyError(&tele.Error{Code: 503, Description: "Unavailable"}))
	assert.Equal(t, "unknown", classifyError(errors.New("boom")))
}

func TestDoCustomRetryable(t *testing.T) {
	d, _ := newTestDispatcher(t, Options{MaxRetries: 3, Retryable: func(error) bool { return false }})

	calls := 0
	err := d.Do(context.Background(), "relay.text", "sendMessage", func() error {
		calls++
		return &tele.Error{Code: 502, Description: "Bad Gateway"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
