package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/m3rciful/relaybot/core/dialog"
	"github.com/m3rciful/relaybot/core/telegram/format"
	"github.com/m3rciful/relaybot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// BotAPI is the part of *tele.Bot the relay channel needs.
type BotAPI interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
	Copy(to tele.Recipient, msg tele.Editable, opts ...interface{}) (*tele.Message, error)
}

// Channel posts submissions to the destination chat. It implements dialog.Channel.
type Channel struct {
	bot    BotAPI
	sender *sender.Dispatcher
}

// NewChannel wraps bot. s should be configured with netutil.SafeToRetry so a
// post is never repeated after Telegram may have accepted it.
func NewChannel(bot BotAPI, s *sender.Dispatcher) *Channel {
	return &Channel{bot: bot, sender: s}
}

// SendText posts plain text; user text is never parsed as markup.
func (ch *Channel) SendText(ctx context.Context, chatID int64, text string, opts dialog.SendOptions) (dialog.Delivery, error) {
	var msg *tele.Message
	err := ch.do(ctx, "relay.text", "sendMessage", func() (err error) {
		msg, err = ch.bot.Send(tele.ChatID(chatID), format.Truncate(text, format.MaxMessageLen), sendOptions(opts))
		return err
	})
	if err != nil {
		return dialog.Delivery{}, err
	}
	return delivery(chatID, msg), nil
}

// SendMedia posts one file or an album; the caption goes on the first item.
func (ch *Channel) SendMedia(ctx context.Context, chatID int64, media []dialog.MediaRef, caption string, opts dialog.SendOptions) (dialog.Delivery, error) {
	if len(media) == 0 {
		return dialog.Delivery{}, fmt.Errorf("telegram: no media to send")
	}
	caption = format.Truncate(caption, format.MaxCaptionLen)
	to := tele.ChatID(chatID)

	// animations cannot be grouped, so only their first file carries the reply
	if len(media) == 1 || media[0].Kind == dialog.KindAnimation {
		var first *tele.Message
		for i, ref := range media {
			c, o := "", sendOptions(dialog.SendOptions{Spoiler: opts.Spoiler})
			if i == 0 {
				c, o = caption, sendOptions(opts)
			}
			item := inputMedia(ref, c, opts.Spoiler)
			var msg *tele.Message
			err := ch.do(ctx, "relay.media", "send"+string(ref.Kind), func() (err error) {
				msg, err = ch.bot.Send(to, item, o)
				return err
			})
			if err != nil {
				if first != nil {
					// the submission is already visible; report what was posted
					return delivery(chatID, first), nil
				}
				return dialog.Delivery{}, err
			}
			if first == nil {
				first = msg
			}
		}
		return delivery(chatID, first), nil
	}

	album := make(tele.Album, 0, len(media))
	for i, ref := range media {
		c := ""
		if i == 0 {
			c = caption
		}
		album = append(album, inputMedia(ref, c, opts.Spoiler))
	}
	var msgs []tele.Message
	err := ch.do(ctx, "relay.album", "sendMediaGroup", func() (err error) {
		msgs, err = ch.bot.SendAlbum(to, album, sendOptions(opts))
		return err
	})
	if err != nil {
		return dialog.Delivery{}, err
	}
	if len(msgs) == 0 {
		return dialog.Delivery{ChatID: chatID}, nil
	}
	return delivery(chatID, &msgs[0]), nil
}

// ForwardPoll copies the poll so the destination does not show its origin.
func (ch *Channel) ForwardPoll(ctx context.Context, chatID, fromChatID int64, messageID int, opts dialog.SendOptions) (dialog.Delivery, error) {
	src := tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: fromChatID}
	var msg *tele.Message
	err := ch.do(ctx, "relay.poll", "copyMessage", func() (err error) {
		msg, err = ch.bot.Copy(tele.ChatID(chatID), src, sendOptions(opts))
		return err
	})
	if err != nil {
		return dialog.Delivery{}, err
	}
	return delivery(chatID, msg), nil
}

func (ch *Channel) do(ctx context.Context, action, endpoint string, run func() error) error {
	if ch.sender == nil {
		return run()
	}
	return ch.sender.Do(ctx, action, endpoint, run)
}

func sendOptions(opts dialog.SendOptions) *tele.SendOptions {
	so := &tele.SendOptions{}
	if opts.ReplyTo > 0 {
		so.ReplyTo = &tele.Message{ID: opts.ReplyTo}
	}
	return so
}

func inputMedia(ref dialog.MediaRef, caption string, spoiler bool) tele.Inputtable {
	file := tele.File{FileID: ref.Handle}
	spoiler = spoiler && ref.Kind.Spoilable()
	switch ref.Kind {
	case dialog.KindPhoto:
		return &tele.Photo{File: file, Caption: caption, HasSpoiler: spoiler}
	case dialog.KindVideo:
		return &tele.Video{File: file, Caption: caption, HasSpoiler: spoiler}
	case dialog.KindAnimation:
		return &tele.Animation{File: file, Caption: caption, HasSpoiler: spoiler}
	}
	return &tele.Document{File: file, Caption: caption}
}

func delivery(chatID int64, msg *tele.Message) dialog.Delivery {
	if msg == nil {
		return dialog.Delivery{ChatID: chatID}
	}
	d := dialog.Delivery{ChatID: chatID, MessageID: msg.ID}
	if msg.Chat != nil {
		d.ChatID = msg.Chat.ID
	}
	return d
}
