package dialog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/m3rciful/relaybot/core/session"
)

const testDestChat int64 = -1001234567890

type sentMessage struct {
	kind    string
	text    string
	media   []MediaRef
	from    int64
	message int
	opts    SendOptions
}

type fakeChannel struct {
	mu    sync.Mutex
	sent  []sentMessage
	calls int
	delay time.Duration
	err   error
}

func (c *fakeChannel) push(ctx context.Context, m sentMessage) (Delivery, error) {
	if c.delay > 0 {
		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-time.After(c.delay):
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return Delivery{}, c.err
	}
	c.sent = append(c.sent, m)
	return Delivery{ChatID: testDestChat, MessageID: len(c.sent)}, nil
}

func (c *fakeChannel) SendText(ctx context.Context, _ int64, text string, opts SendOptions) (Delivery, error) {
	return c.push(ctx, sentMessage{kind: "text", text: text, opts: opts})
}

func (c *fakeChannel) SendMedia(ctx context.Context, _ int64, media []MediaRef, caption string, opts SendOptions) (Delivery, error) {
	return c.push(ctx, sentMessage{kind: "media", text: caption, media: media, opts: opts})
}

func (c *fakeChannel) ForwardPoll(ctx context.Context, _ int64, from int64, messageID int, opts SendOptions) (Delivery, error) {
	return c.push(ctx, sentMessage{kind: "poll", from: from, message: messageID, opts: opts})
}

func (c *fakeChannel) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func (c *fakeChannel) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakeJournal struct {
	mu       sync.Mutex
	receipts []Receipt
}

func (j *fakeJournal) Record(_ context.Context, r Receipt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.receipts = append(j.receipts, r)
	return nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harnessConfig struct {
	askRecipient    bool
	maxDepth        int
	breakerFailures uint32
	delay           time.Duration
}

type harness struct {
	store    *session.MemoryStore
	clock    *testClock
	channel  *fakeChannel
	journal  *fakeJournal
	texts    Texts
	engine   *Engine
	recovery *Recovery
}

var errTransport = errors.New("transport: bad gateway")

func newHarness(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()
	if cfg.maxDepth == 0 {
		cfg.maxDepth = 4
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	info := FlowInfo{
		BotName:          "relaybot",
		Version:          "test",
		ChatName:         "the chat",
		DeveloperContact: "@dev",
		AskRecipient:     cfg.askRecipient,
	}
	h := &harness{
		store:   session.NewMemoryStore(time.Hour, session.WithClock(clock.Now)),
		clock:   clock,
		channel: &fakeChannel{delay: cfg.delay},
		journal: &fakeJournal{},
		texts:   DefaultTexts().With(info),
	}
	dispatcher := NewDispatcher(h.channel, Destination{ChatID: testDestChat, Name: "the chat", Spoiler: true}, h.journal, h.texts, DispatchOptions{
		MaxDuration:     5 * time.Second,
		BreakerFailures: cfg.breakerFailures,
		DuplicateWait:   5 * time.Second,
		PollInterval:    5 * time.Millisecond,
		IsTransient:     func(err error) bool { return errors.Is(err, errTransport) },
		Clock:           clock.Now,
	})
	router := NewFlow(h.texts, info, dispatcher)
	h.engine = NewEngine(h.store, router, Options{MaxStackDepth: cfg.maxDepth, CommitRetries: 10})
	h.recovery = NewRecovery(h.engine, h.texts, nil)
	return h
}

func (h *harness) load(t *testing.T, userID int64) (*session.Session, Form) {
	t.Helper()
	sess, err := h.store.Get(context.Background(), session.Key{UserID: userID, StackID: session.DefaultStack})
	require.NoError(t, err)
	form, err := LoadForm(sess.Data)
	require.NoError(t, err)
	return sess, form
}

func (h *harness) state(t *testing.T, userID int64) State {
	sess, _ := h.load(t, userID)
	return State(sess.State())
}

func (h *harness) text(t *testing.T, userID int64, text string) Reply {
	t.Helper()
	r, err := h.engine.HandleMessage(context.Background(), Event{UserID: userID, ChatID: userID, Private: true, MessageID: 100, Text: text})
	require.NoError(t, err)
	return r
}

func (h *harness) media(t *testing.T, userID int64, handle string, kind ContentKind, caption string) Reply {
	t.Helper()
	r, err := h.engine.HandleMessage(context.Background(), Event{
		UserID: userID, ChatID: userID, Private: true, MessageID: 101,
		Text: caption, Media: &MediaRef{Handle: handle, Kind: kind},
	})
	require.NoError(t, err)
	return r
}

func (h *harness) click(view View, userID int64, action, arg string) (Reply, error) {
	return h.engine.HandleCallback(context.Background(), Callback{
		UserID: userID, ChatID: userID,
		StackID: view.StackID, FrameID: view.FrameID,
		Action: action, Arg: arg,
	})
}
