package dialog

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/relaybot/core/session"
)

func TestTextIsSentOnce(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.text(t, 1, "Hello")
	assert.Equal(t, StateConfirm, h.state(t, 1))
	assert.Contains(t, r.View.Text, "the chat")

	sent, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)

	msgs := h.channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "text", msgs[0].kind)
	assert.Equal(t, "Hello", msgs[0].text)
	assert.Equal(t, StateSent, h.state(t, 1))
	require.NotNil(t, sent.View.Link)
	assert.Equal(t, "https://t.me/c/1234567890/1", sent.View.Link.URL)

	_, form := h.load(t, 1)
	assert.Equal(t, sent.View.Link.URL, form.SentURL)
	require.Len(t, h.journal.receipts, 1)
	assert.Equal(t, form.SubmissionID, h.journal.receipts[0].SubmissionID)
}

func TestConflictingMediaIsRejected(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.media(t, 1, "photo-1", KindPhoto, "")
	_, form := h.load(t, 1)
	assert.Equal(t, KindPhoto, form.Kind)

	r := h.media(t, 1, "doc-1", KindDocument, "")
	_, form = h.load(t, 1)
	assert.Equal(t, KindPhoto, form.Kind)
	assert.Equal(t, []MediaRef{{Handle: "photo-1", Kind: KindPhoto}}, form.Media)
	assert.NotEmpty(t, form.Error)
	assert.Equal(t, form.Error, r.View.Error)
	assert.Equal(t, StateConfirm, h.state(t, 1))
}

func TestUnsupportedFirstMessageStaysCollecting(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r, err := h.engine.HandleMessage(context.Background(), Event{UserID: 3, ChatID: 3, Private: true, Unsupported: "sticker"})
	require.NoError(t, err)
	assert.Equal(t, StateCollecting, h.state(t, 3))
	assert.Equal(t, h.texts.Unsupported, r.View.Error)

	h.text(t, 3, "now text")
	_, form := h.load(t, 3)
	assert.Empty(t, form.Error)
	assert.Equal(t, StateConfirm, h.state(t, 3))
}

func TestExpiredSessionCallbackRestarts(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.text(t, 1, "Hello")
	h.clock.Advance(2 * time.Hour)

	_, err := h.click(r.View, 1, ActionSend, "")
	kind, ok := FaultOf(err)
	require.True(t, ok)
	assert.Equal(t, FaultUnknownSession, kind)

	out := h.recovery.Handle(context.Background(), Scope{UserID: 1, ChatID: 1, Private: true, Action: ActionSend}, err)
	assert.True(t, out.Restarted)
	assert.Equal(t, h.texts.Generic, out.Reply.View.Error)
	assert.Equal(t, StateMenu, h.state(t, 1))
	assert.Zero(t, h.channel.callCount())

	_, form := h.load(t, 1)
	assert.Empty(t, form.Text)
}

func TestEmptySubmissionResetsToMenu(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.text(t, 1, "Hello")

	sess, form := h.load(t, 1)
	form.Clean()
	sess.Data = form.Patch()
	require.NoError(t, h.store.Put(context.Background(), sess))

	reply, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Zero(t, h.channel.callCount())
	assert.Equal(t, StateMenu, h.state(t, 1))
	assert.Contains(t, reply.View.Error, "@dev")
	assert.NotEqual(t, r.View.FrameID, reply.View.FrameID)
}

func TestDoubleConfirmSendsOnce(t *testing.T) {
	h := newHarness(t, harnessConfig{delay: 50 * time.Millisecond})
	r := h.text(t, 1, "Hello")

	var wg sync.WaitGroup
	replies := make([]Reply, 2)
	errs := make([]error, 2)
	for i := range replies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			replies[i], errs[i] = h.click(r.View, 1, ActionSend, "")
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 1, h.channel.callCount())
	require.NotNil(t, replies[0].View.Link)
	require.NotNil(t, replies[1].View.Link)
	assert.Equal(t, replies[0].View.Link.URL, replies[1].View.Link.URL)
	assert.Equal(t, StateSent, h.state(t, 1))
}

func TestConfirmAfterSentRedisplays(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.text(t, 1, "Hello")
	first, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	before, _ := h.load(t, 1)

	again, err := h.click(first.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.channel.callCount())
	assert.Equal(t, first.View.Link, again.View.Link)

	after, _ := h.load(t, 1)
	assert.Equal(t, before.Version, after.Version)
}

func TestDispatchFailureStaysInConfirm(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.channel.setErr(errTransport)
	r := h.text(t, 1, "Hello")

	failed, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, StateConfirm, h.state(t, 1))
	assert.Equal(t, h.texts.DispatchFailed, failed.View.Error)
	_, form := h.load(t, 1)
	assert.Empty(t, form.SentMarker)

	h.channel.setErr(nil)
	ok, err := h.click(failed.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, StateSent, h.state(t, 1))
	assert.NotNil(t, ok.View.Link)
	assert.Len(t, h.channel.messages(), 1)
}

func TestBreakerFailsFast(t *testing.T) {
	h := newHarness(t, harnessConfig{breakerFailures: 1})
	h.channel.setErr(errTransport)
	r := h.text(t, 1, "Hello")

	failed, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	_, err = h.click(failed.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.channel.callCount())
	assert.Equal(t, StateConfirm, h.state(t, 1))
}

func TestAlbumWithAuthorAndSpoiler(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.media(t, 1, "p1", KindPhoto, "sunset")
	r := h.media(t, 1, "p2", KindPhoto, "")
	assert.Contains(t, r.View.Text, h.texts.AuthorQuestion)

	r, err := h.click(r.View, 1, ActionAuthor, "2")
	require.NoError(t, err)
	_, err = h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)

	msgs := h.channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "media", msgs[0].kind)
	assert.Len(t, msgs[0].media, 2)
	assert.True(t, msgs[0].opts.Spoiler)
	assert.Equal(t, "sunset\n#mine", msgs[0].text)
}

func TestSameAuthorIsNotModified(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.media(t, 1, "p1", KindPhoto, "")
	_, err := h.click(r.View, 1, ActionAuthor, "0")
	kind, _ := FaultOf(err)
	assert.Equal(t, FaultNotModified, kind)
}

func TestPollIsForwarded(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r, err := h.engine.HandleMessage(context.Background(), Event{UserID: 1, ChatID: 1, Private: true, MessageID: 77, Poll: true})
	require.NoError(t, err)
	h.text(t, 1, "ignored caption")

	_, err = h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	msgs := h.channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "poll", msgs[0].kind)
	assert.Equal(t, int64(1), msgs[0].from)
	assert.Equal(t, 77, msgs[0].message)
}

func TestNewFragmentAfterSentStartsOver(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.text(t, 1, "first")
	_, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	_, sentForm := h.load(t, 1)

	h.text(t, 1, "second")
	_, form := h.load(t, 1)
	assert.Equal(t, []string{"second"}, form.Text)
	assert.NotEqual(t, sentForm.SubmissionID, form.SubmissionID)
	assert.Empty(t, form.SentURL)
	assert.Equal(t, StateConfirm, h.state(t, 1))
}

func TestStartDeepLinkSetsReplyTarget(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r, err := h.engine.Start(context.Background(), StartRequest{UserID: 1, ChatID: 1, Username: "alice", Payload: "reply_55"})
	require.NoError(t, err)
	assert.Contains(t, r.View.Text, "relaybot [test]")

	r = h.text(t, 1, "answer")
	_, err = h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, 55, h.channel.messages()[0].opts.ReplyTo)

	_, err = h.engine.Start(context.Background(), StartRequest{UserID: 1, ChatID: 1})
	require.NoError(t, err)
	_, form := h.load(t, 1)
	assert.Zero(t, form.ReplyTo)
	assert.Equal(t, "alice", form.Username)
}

func TestCallbackFaults(t *testing.T) {
	h := newHarness(t, harnessConfig{askRecipient: true})
	menu, err := h.engine.Start(context.Background(), StartRequest{UserID: 1, ChatID: 1})
	require.NoError(t, err)

	_, err = h.click(menu.View, 1, ActionSend, "")
	kind, _ := FaultOf(err)
	assert.Equal(t, FaultStaleCallback, kind, "action of another state")

	nested, err := h.click(menu.View, 1, ActionRecipient, "")
	require.NoError(t, err)
	assert.Equal(t, StateRecipient, h.state(t, 1))

	_, err = h.click(menu.View, 1, ActionRecipient, "")
	kind, _ = FaultOf(err)
	assert.Equal(t, FaultStaleCallback, kind, "ancestor frame")

	_, err = h.click(nested.View, 1, ActionMenu, "")
	require.NoError(t, err)
	_, err = h.click(nested.View, 1, ActionBack, "")
	kind, _ = FaultOf(err)
	assert.Equal(t, FaultOutdatedSession, kind, "frame replaced by a reset")

	_, err = h.engine.HandleCallback(context.Background(), Callback{UserID: 99, ChatID: 99, Action: ActionSend})
	kind, _ = FaultOf(err)
	assert.Equal(t, FaultUnknownSession, kind)
}

func TestRecipientStep(t *testing.T) {
	h := newHarness(t, harnessConfig{askRecipient: true})
	menu, err := h.engine.Start(context.Background(), StartRequest{UserID: 1, ChatID: 1})
	require.NoError(t, err)
	require.NotEmpty(t, menu.View.Rows)

	_, err = h.click(menu.View, 1, ActionRecipient, "")
	require.NoError(t, err)
	sess, _ := h.load(t, 1)
	assert.Len(t, sess.Stack, 2)

	back := h.text(t, 1, "  Bob ")
	assert.Equal(t, StateMenu, h.state(t, 1))
	assert.Equal(t, menu.View.FrameID, back.View.FrameID)
	assert.True(t, strings.HasSuffix(back.View.Rows[0][0].Label, "Bob"))

	r := h.text(t, 1, "hi")
	_, err = h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, "For Bob\nhi", h.channel.messages()[0].text)
}

func TestStackOverflowIsSuppressed(t *testing.T) {
	h := newHarness(t, harnessConfig{askRecipient: true, maxDepth: 1})
	menu, err := h.engine.Start(context.Background(), StartRequest{UserID: 1, ChatID: 1})
	require.NoError(t, err)

	_, err = h.click(menu.View, 1, ActionRecipient, "")
	kind, _ := FaultOf(err)
	require.Equal(t, FaultStackOverflow, kind)

	out := h.recovery.Handle(context.Background(), Scope{UserID: 1, ChatID: 1, Private: true}, err)
	assert.True(t, out.Suppressed)
	assert.Equal(t, StateMenu, h.state(t, 1))
}

func TestAbortedHandlerPersistsNothing(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.media(t, 1, "p1", KindPhoto, "")
	before, _ := h.load(t, 1)

	_, err := h.click(r.View, 1, ActionAuthor, "9")
	require.Error(t, err)
	after, _ := h.load(t, 1)
	assert.Equal(t, before.Version, after.Version)
}

func TestConcurrentFragmentsMerge(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.text(t, 1, "start")

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.HandleMessage(context.Background(), Event{
				UserID: 1, ChatID: 1, Private: true, MessageID: 200 + i,
				Media: &MediaRef{Handle: "p" + string(rune('a'+i)), Kind: KindPhoto},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	_, form := h.load(t, 1)
	assert.Len(t, form.Media, 8)
	assert.Equal(t, KindPhoto, form.Kind)
}

func TestSessionBagHoldsFormFields(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.text(t, 1, "Hello")
	sess, err := h.store.Get(context.Background(), session.Key{UserID: 1, StackID: session.DefaultStack})
	require.NoError(t, err)
	var text []string
	require.NoError(t, json.Unmarshal(sess.Data["text"], &text))
	assert.Equal(t, []string{"Hello"}, text)
}

func (h *harness) claimed(userID int64) bool {
	sess, err := h.store.Get(context.Background(), session.Key{UserID: userID, StackID: session.DefaultStack})
	if err != nil {
		return false
	}
	form, err := LoadForm(sess.Data)
	return err == nil && form.SentMarker != "" && form.SentURL == ""
}

func TestFragmentDuringSendIsRefused(t *testing.T) {
	h := newHarness(t, harnessConfig{delay: 200 * time.Millisecond})
	r := h.text(t, 1, "Hello")

	done := make(chan error, 1)
	go func() {
		_, err := h.click(r.View, 1, ActionSend, "")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.claimed(1) }, time.Second, 5*time.Millisecond)

	mid := h.text(t, 1, "World")
	assert.Equal(t, h.texts.InProgress, mid.Notice)
	assert.Empty(t, mid.View.Error)
	require.NoError(t, <-done)

	_, form := h.load(t, 1)
	assert.Equal(t, StateSent, h.state(t, 1))
	assert.Equal(t, []string{"Hello"}, form.Text)
	assert.NotEmpty(t, form.SentURL)
	msgs := h.channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello", msgs[0].text)

	h.text(t, 1, "World")
	_, next := h.load(t, 1)
	assert.Equal(t, []string{"World"}, next.Text)
	assert.Equal(t, StateConfirm, h.state(t, 1))
}

func TestOutcomeKeepsWritesMadeDuringSend(t *testing.T) {
	h := newHarness(t, harnessConfig{delay: 200 * time.Millisecond})
	r := h.media(t, 1, "p1", KindPhoto, "sunset")

	done := make(chan error, 1)
	go func() {
		_, err := h.click(r.View, 1, ActionSend, "")
		done <- err
	}()
	require.Eventually(t, func() bool { return h.claimed(1) }, time.Second, 5*time.Millisecond)

	_, err := h.click(r.View, 1, ActionAuthor, "2")
	require.NoError(t, err)
	require.NoError(t, <-done)

	_, form := h.load(t, 1)
	assert.Equal(t, StateSent, h.state(t, 1))
	assert.Equal(t, AuthorMine, form.Author)
	assert.Equal(t, []string{"sunset"}, form.Text)
	assert.Len(t, form.Media, 1)
	assert.NotEmpty(t, form.SentURL)
	assert.Equal(t, 1, h.channel.callCount())
}

// stick leaves a claim behind as if the process died mid-send.
func (h *harness) stick(t *testing.T, userID int64) Form {
	t.Helper()
	sess, form := h.load(t, userID)
	form.SentMarker = form.SubmissionID
	form.ClaimedAt = h.clock.Now().UnixMilli()
	sess.Data = form.Patch()
	require.NoError(t, h.store.Put(context.Background(), sess))
	return form
}

func TestStuckClaimIsReleasedByNewContent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.text(t, 1, "Hello")
	stuck := h.stick(t, 1)

	busy := h.text(t, 1, "World")
	assert.Equal(t, h.texts.InProgress, busy.Notice)
	_, form := h.load(t, 1)
	assert.Equal(t, []string{"Hello"}, form.Text)

	h.clock.Advance(11 * time.Second)
	r := h.text(t, 1, "World")
	assert.Empty(t, r.Notice)
	_, form = h.load(t, 1)
	assert.Equal(t, []string{"Hello", "World"}, form.Text)
	assert.Empty(t, form.SentMarker)
	assert.Zero(t, form.ClaimedAt)
	assert.NotEqual(t, stuck.SubmissionID, form.SubmissionID)

	_, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	msgs := h.channel.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Hello\nWorld", msgs[0].text)
}

func TestStuckClaimIsReleasedByConfirm(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	r := h.text(t, 1, "Hello")
	stuck := h.stick(t, 1)
	h.clock.Advance(11 * time.Second)

	released, err := h.click(r.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Zero(t, h.channel.callCount())
	assert.Equal(t, h.texts.Interrupted, released.View.Error)
	assert.Equal(t, StateConfirm, h.state(t, 1))
	_, form := h.load(t, 1)
	assert.Empty(t, form.SentMarker)
	assert.Equal(t, []string{"Hello"}, form.Text)
	assert.NotEqual(t, stuck.SubmissionID, form.SubmissionID)

	_, err = h.click(released.View, 1, ActionSend, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.channel.callCount())
	assert.Equal(t, StateSent, h.state(t, 1))
}
