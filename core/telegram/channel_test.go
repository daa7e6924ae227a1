package telegram

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/relaybot/core/dialog"
	"github.com/m3rciful/relaybot/core/telegram/netutil"
	"github.com/m3rciful/relaybot/core/telegram/sender"
)

type sent struct {
	to   tele.Recipient
	what interface{}
	opts *tele.SendOptions
}

type fakeBot struct {
	sends  []sent
	albums []tele.Album
	copies []tele.StoredMessage
	errs   []error
	nextID int
}

func (b *fakeBot) fail() error {
	if len(b.errs) == 0 {
		return nil
	}
	err := b.errs[0]
	b.errs = b.errs[1:]
	return err
}

func (b *fakeBot) msg(chatID int64) *tele.Message {
	b.nextID++
	return &tele.Message{ID: 100 + b.nextID, Chat: &tele.Chat{ID: chatID}}
}

func firstOpts(opts []interface{}) *tele.SendOptions {
	if len(opts) == 0 {
		return nil
	}
	so, _ := opts[0].(*tele.SendOptions)
	return so
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	if err := b.fail(); err != nil {
		return nil, err
	}
	b.sends = append(b.sends, sent{to: to, what: what, opts: firstOpts(opts)})
	return b.msg(int64(to.(tele.ChatID))), nil
}

func (b *fakeBot) SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error) {
	if err := b.fail(); err != nil {
		return nil, err
	}
	b.albums = append(b.albums, a)
	out := make([]tele.Message, 0, len(a))
	for range a {
		out = append(out, *b.msg(int64(to.(tele.ChatID))))
	}
	return out, nil
}

func (b *fakeBot) Copy(to tele.Recipient, msg tele.Editable, opts ...interface{}) (*tele.Message, error) {
	if err := b.fail(); err != nil {
		return nil, err
	}
	b.copies = append(b.copies, msg.(tele.StoredMessage))
	return b.msg(int64(to.(tele.ChatID))), nil
}

func relaySender(t *testing.T) *sender.Dispatcher {
	t.Helper()
	s := sender.NewDispatcher(sender.Options{
		Workers:      1,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		MaxDuration:  time.Second,
		Retryable:    netutil.SafeToRetry,
	})
	t.Cleanup(s.Close)
	return s
}

const dest = int64(-1001234567890)

func TestChannelSendText(t *testing.T) {
	bot := &fakeBot{}
	ch := NewChannel(bot, relaySender(t))

	d, err := ch.SendText(context.Background(), dest, "<b>hi</b>", dialog.SendOptions{ReplyTo: 55})
	require.NoError(t, err)
	assert.Equal(t, dialog.Delivery{ChatID: dest, MessageID: 101}, d)

	require.Len(t, bot.sends, 1)
	assert.Equal(t, "<b>hi</b>", bot.sends[0].what)
	assert.Empty(t, bot.sends[0].opts.ParseMode)
	require.NotNil(t, bot.sends[0].opts.ReplyTo)
	assert.Equal(t, 55, bot.sends[0].opts.ReplyTo.ID)
}

func TestChannelDoesNotRepeatUncertainSend(t *testing.T) {
	bot := &fakeBot{errs: []error{&tele.Error{Code: 502, Description: "Bad Gateway"}}}
	ch := NewChannel(bot, relaySender(t))

	_, err := ch.SendText(context.Background(), dest, "hi", dialog.SendOptions{})
	require.Error(t, err)
	assert.Empty(t, bot.sends)
	assert.Empty(t, bot.errs, "exactly one attempt")
}

func TestChannelRetriesDialFailure(t *testing.T) {
	bot := &fakeBot{errs: []error{&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}}}
	ch := NewChannel(bot, relaySender(t))

	_, err := ch.SendText(context.Background(), dest, "hi", dialog.SendOptions{})
	require.NoError(t, err)
	assert.Len(t, bot.sends, 1)
}

func TestChannelSendSinglePhotoWithSpoiler(t *testing.T) {
	bot := &fakeBot{}
	ch := NewChannel(bot, nil)

	media := []dialog.MediaRef{{Handle: "AgAD1", Kind: dialog.KindPhoto}}
	_, err := ch.SendMedia(context.Background(), dest, media, "sunset\n#mine", dialog.SendOptions{Spoiler: true})
	require.NoError(t, err)

	require.Len(t, bot.sends, 1)
	photo, ok := bot.sends[0].what.(*tele.Photo)
	require.True(t, ok)
	assert.Equal(t, "AgAD1", photo.FileID)
	assert.Equal(t, "sunset\n#mine", photo.Caption)
	assert.True(t, photo.HasSpoiler)
}

func TestChannelSendAlbum(t *testing.T) {
	bot := &fakeBot{}
	ch := NewChannel(bot, nil)

	media := []dialog.MediaRef{
		{Handle: "V1", Kind: dialog.KindVideo},
		{Handle: "V2", Kind: dialog.KindVideo},
	}
	d, err := ch.SendMedia(context.Background(), dest, media, "clip", dialog.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, 101, d.MessageID)

	require.Len(t, bot.albums, 1)
	require.Len(t, bot.albums[0], 2)
	first := bot.albums[0][0].(*tele.Video)
	second := bot.albums[0][1].(*tele.Video)
	assert.Equal(t, "clip", first.Caption)
	assert.Empty(t, second.Caption)
	assert.False(t, first.HasSpoiler)
}

func TestChannelDocumentsHaveNoSpoiler(t *testing.T) {
	bot := &fakeBot{}
	ch := NewChannel(bot, nil)

	_, err := ch.SendMedia(context.Background(), dest, []dialog.MediaRef{{Handle: "D", Kind: dialog.KindDocument}}, "", dialog.SendOptions{Spoiler: true})
	require.NoError(t, err)
	_, ok := bot.sends[0].what.(*tele.Document)
	assert.True(t, ok)
}

func TestChannelAnimationsGoOneByOne(t *testing.T) {
	bot := &fakeBot{}
	ch := NewChannel(bot, nil)

	media := []dialog.MediaRef{{Handle: "G1", Kind: dialog.KindAnimation}, {Handle: "G2", Kind: dialog.KindAnimation}}
	d, err := ch.SendMedia(context.Background(), dest, media, "gifs", dialog.SendOptions{ReplyTo: 9})
	require.NoError(t, err)
	assert.Equal(t, 101, d.MessageID)
	require.Len(t, bot.sends, 2)
	assert.NotNil(t, bot.sends[0].opts.ReplyTo)
	assert.Nil(t, bot.sends[1].opts.ReplyTo)
	assert.Equal(t, "gifs", bot.sends[0].what.(*tele.Animation).Caption)
}

func TestChannelForwardPoll(t *testing.T) {
	bot := &fakeBot{}
	ch := NewChannel(bot, nil)

	d, err := ch.ForwardPoll(context.Background(), dest, 42, 7, dialog.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, dest, d.ChatID)
	require.Len(t, bot.copies, 1)
	assert.Equal(t, tele.StoredMessage{MessageID: "7", ChatID: 42}, bot.copies[0])
}

func TestChannelEmptyMedia(t *testing.T) {
	_, err := NewChannel(&fakeBot{}, nil).SendMedia(context.Background(), dest, nil, "", dialog.SendOptions{})
	assert.Error(t, err)
}
