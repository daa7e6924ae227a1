package helpers

import (
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

var globalDispatcher atomic.Pointer[sender.Dispatcher]

// SetDispatcher wires the retrying sender used by helper functions.
func SetDispatcher(d *sender.Dispatcher) {
	globalDispatcher.Store(d)
}

func call(c tele.Context, action, endpoint string, run func() error) error {
	disp := globalDispatcher.Load()
	if disp == nil {
		return run()
	}
	return disp.Do(BuildContext(c), action, endpoint, run)
}

func htmlOpts(markup *tele.ReplyMarkup) *tele.SendOptions {
	return &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: markup}
}

// SendText sends raw text (no parse mode) to the current chat.
func SendText(c tele.Context, text string) error {
	return call(c, "send.text", "sendMessage", func() error {
		return c.Send(text)
	})
}

// SendHTML sends an HTML message with an optional keyboard.
func SendHTML(c tele.Context, text string, markup *tele.ReplyMarkup) error {
	return call(c, "send.html", "sendMessage", func() error {
		return c.Send(text, htmlOpts(markup))
	})
}

// EditHTML edits the message the callback came from.
func EditHTML(c tele.Context, text string, markup *tele.ReplyMarkup) error {
	return call(c, "edit.html", "editMessageText", func() error {
		return c.Edit(text, htmlOpts(markup))
	})
}

// Respond answers a callback query. The answer is best effort: a failure is
// logged and swallowed because the query may already have expired.
func Respond(c tele.Context, text string, alert bool) {
	if c.Callback() == nil {
		return
	}
	resp := &tele.CallbackResponse{Text: text, ShowAlert: alert}
	if err := c.Respond(resp); err != nil {
		logger.Debug(BuildContext(c), logger.CompTG, "callback.respond",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
	}
}
