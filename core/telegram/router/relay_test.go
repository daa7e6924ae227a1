package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/relaybot/core/dialog"
)

type fakeEngine struct {
	events    []dialog.Event
	callbacks []dialog.Callback
	starts    []dialog.StartRequest
	reply     dialog.Reply
	err       error
}

func (e *fakeEngine) Start(_ context.Context, req dialog.StartRequest) (dialog.Reply, error) {
	e.starts = append(e.starts, req)
	return e.reply, e.err
}

func (e *fakeEngine) HandleMessage(_ context.Context, ev dialog.Event) (dialog.Reply, error) {
	e.events = append(e.events, ev)
	return e.reply, e.err
}

func (e *fakeEngine) HandleCallback(_ context.Context, cb dialog.Callback) (dialog.Reply, error) {
	e.callbacks = append(e.callbacks, cb)
	return e.reply, e.err
}

type fakeRecovery struct {
	scopes []dialog.Scope
	out    dialog.Outcome
}

func (r *fakeRecovery) Handle(_ context.Context, scope dialog.Scope, _ error) dialog.Outcome {
	r.scopes = append(r.scopes, scope)
	return r.out
}

// fakeCtx records what the relay sends instead of calling the Bot API.
type fakeCtx struct {
	tele.Context
	sent      []interface{}
	edits     []interface{}
	responses []*tele.CallbackResponse
	editErr   error
}

func (c *fakeCtx) Send(what interface{}, _ ...interface{}) error {
	c.sent = append(c.sent, what)
	return nil
}

func (c *fakeCtx) Edit(what interface{}, _ ...interface{}) error {
	if c.editErr != nil {
		return c.editErr
	}
	c.edits = append(c.edits, what)
	return nil
}

func (c *fakeCtx) Respond(resp ...*tele.CallbackResponse) error {
	c.responses = append(c.responses, resp...)
	return nil
}

func newCtx(t *testing.T, upd tele.Update) *fakeCtx {
	t.Helper()
	bot, err := tele.NewBot(tele.Settings{Offline: true})
	require.NoError(t, err)
	return &fakeCtx{Context: bot.NewContext(upd)}
}

func privateMessage(m *tele.Message) tele.Update {
	m.Sender = &tele.User{ID: 42, Username: "alice"}
	m.Chat = &tele.Chat{ID: 42, Type: tele.ChatPrivate}
	return tele.Update{ID: 1, Message: m}
}

func confirmView() dialog.Reply {
	return dialog.Reply{View: dialog.View{
		Text:    "Ready?",
		StackID: "main",
		FrameID: "F1",
		Rows:    [][]dialog.Button{{{Label: "Send", Action: dialog.ActionSend}}},
	}}
}

func TestOnMessageShowsView(t *testing.T) {
	eng := &fakeEngine{reply: confirmView()}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())
	c := newCtx(t, privateMessage(&tele.Message{ID: 7, Text: "hello"}))

	require.NoError(t, relay.OnMessage(c))
	require.Len(t, eng.events, 1)
	assert.Equal(t, dialog.Event{UserID: 42, ChatID: 42, Username: "alice", Private: true, MessageID: 7, Text: "hello"}, eng.events[0])
	assert.Equal(t, []interface{}{"Ready?"}, c.sent)
}

func TestOnMessageAlbumShowsOneView(t *testing.T) {
	eng := &fakeEngine{reply: confirmView()}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())

	var sent int
	for i := 0; i < 3; i++ {
		c := newCtx(t, privateMessage(&tele.Message{ID: 10 + i, AlbumID: "A1", Photo: &tele.Photo{File: tele.File{FileID: "P"}}}))
		require.NoError(t, relay.OnMessage(c))
		sent += len(c.sent)
	}
	assert.Len(t, eng.events, 3)
	assert.Equal(t, 1, sent)
}

func TestOnMessageErrorGoesThroughRecovery(t *testing.T) {
	eng := &fakeEngine{err: errors.New("store down")}
	rec := &fakeRecovery{out: dialog.Outcome{Reply: dialog.Reply{Notice: "Something went wrong", Plain: true}}}
	relay := NewRelay(eng, rec, dialog.DefaultTexts())
	c := newCtx(t, privateMessage(&tele.Message{ID: 7, Text: "hello"}))

	require.NoError(t, relay.OnMessage(c))
	require.Len(t, rec.scopes, 1)
	assert.Equal(t, dialog.Scope{UserID: 42, ChatID: 42, Username: "alice", Private: true}, rec.scopes[0])
	assert.Equal(t, []interface{}{"Something went wrong"}, c.sent)
}

func callbackUpdate(data string) tele.Update {
	return tele.Update{ID: 2, Callback: &tele.Callback{
		ID:      "q1",
		Sender:  &tele.User{ID: 42},
		Data:    data,
		Message: &tele.Message{ID: 99, Chat: &tele.Chat{ID: 42, Type: tele.ChatPrivate}},
	}}
}

func TestOnCallbackEditsMessage(t *testing.T) {
	reply := confirmView()
	reply.Notice = "Sending is already in progress."
	eng := &fakeEngine{reply: reply}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())
	c := newCtx(t, callbackUpdate("\fauthor|main|F1|2"))

	require.NoError(t, relay.OnCallback(c))
	require.Len(t, eng.callbacks, 1)
	assert.Equal(t, dialog.Callback{UserID: 42, ChatID: 42, StackID: "main", FrameID: "F1", Action: "author", Arg: "2"}, eng.callbacks[0])
	assert.Equal(t, []interface{}{"Ready?"}, c.edits)
	assert.Empty(t, c.sent)
	require.Len(t, c.responses, 1)
	assert.Equal(t, "Sending is already in progress.", c.responses[0].Text)
}

func TestOnCallbackNotModifiedIsQuiet(t *testing.T) {
	eng := &fakeEngine{reply: confirmView()}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())
	c := newCtx(t, callbackUpdate("\fsend|main|F1|"))
	c.editErr = errors.New("telegram: Bad Request: message is not modified (400)")

	require.NoError(t, relay.OnCallback(c))
	assert.Empty(t, c.sent)
}

func TestOnCallbackEditFailureFallsBackToSend(t *testing.T) {
	eng := &fakeEngine{reply: confirmView()}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())
	c := newCtx(t, callbackUpdate("\fsend|main|F1|"))
	c.editErr = errors.New("telegram: Bad Request: message can't be edited (400)")

	require.NoError(t, relay.OnCallback(c))
	assert.Equal(t, []interface{}{"Ready?"}, c.sent)
}

func TestOnCallbackMalformed(t *testing.T) {
	eng := &fakeEngine{}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())
	c := newCtx(t, callbackUpdate("legacy"))

	require.NoError(t, relay.OnCallback(c))
	assert.Empty(t, eng.callbacks)
	assert.Len(t, c.responses, 1)
}

func TestOnCallbackSuppressedFault(t *testing.T) {
	eng := &fakeEngine{err: errors.New("stale")}
	rec := &fakeRecovery{out: dialog.Outcome{Suppressed: true, Reply: dialog.Reply{NoView: true}}}
	relay := NewRelay(eng, rec, dialog.DefaultTexts())
	c := newCtx(t, callbackUpdate("\fsend|main|OLD|"))

	require.NoError(t, relay.OnCallback(c))
	require.Len(t, rec.scopes, 1)
	assert.Equal(t, dialog.ActionSend, rec.scopes[0].Action)
	assert.Empty(t, c.edits)
	assert.Empty(t, c.sent)
}

func TestOnStartPassesPayload(t *testing.T) {
	eng := &fakeEngine{reply: confirmView()}
	relay := NewRelay(eng, &fakeRecovery{}, dialog.DefaultTexts())
	c := newCtx(t, privateMessage(&tele.Message{ID: 1, Text: "/start reply_55", Payload: "reply_55"}))

	require.NoError(t, relay.OnStart(c))
	require.Len(t, eng.starts, 1)
	assert.Equal(t, "reply_55", eng.starts[0].Payload)
	assert.Equal(t, "alice", eng.starts[0].Username)
}

func TestEventFrom(t *testing.T) {
	gif := newCtx(t, privateMessage(&tele.Message{
		ID:        3,
		Caption:   "lol",
		Animation: &tele.Animation{File: tele.File{FileID: "G"}},
		Document:  &tele.Document{File: tele.File{FileID: "G"}},
	}))
	ev := EventFrom(gif)
	require.NotNil(t, ev.Media)
	assert.Equal(t, dialog.MediaRef{Handle: "G", Kind: dialog.KindAnimation}, *ev.Media)
	assert.Equal(t, "lol", ev.Text)

	poll := EventFrom(newCtx(t, privateMessage(&tele.Message{ID: 4, Poll: &tele.Poll{Question: "?"}})))
	assert.True(t, poll.Poll)

	sticker := EventFrom(newCtx(t, privateMessage(&tele.Message{ID: 5, Sticker: &tele.Sticker{}})))
	assert.Equal(t, "sticker", sticker.Unsupported)
}

type countingPurger struct{ users []int64 }

func (p *countingPurger) PurgeUser(_ context.Context, userID int64) (int, error) {
	p.users = append(p.users, userID)
	return 2, nil
}

func TestPurgeCommand(t *testing.T) {
	p := &countingPurger{}
	h := PurgeCommand(p)

	c := newCtx(t, privateMessage(&tele.Message{ID: 1, Text: "/purge 77", Payload: "77"}))
	require.NoError(t, h(c))
	assert.Equal(t, []int64{77}, p.users)
	assert.Equal(t, []interface{}{"Removed 2 session(s) of 77."}, c.sent)

	bad := newCtx(t, privateMessage(&tele.Message{ID: 2, Text: "/purge", Payload: ""}))
	require.NoError(t, h(bad))
	assert.Len(t, p.users, 1)
}
