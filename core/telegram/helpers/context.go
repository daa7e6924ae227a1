package helpers

import (
	"context"

	"github.com/m3rciful/relaybot/core/logger"

	tele "gopkg.in/telebot.v4"
)

const (
	contextKey = "logger_ctx"
	ridKey     = "rid"
)

// StoreContext attaches the update context to tele.Context for downstream helpers.
func StoreContext(c tele.Context, ctx context.Context) {
	if c == nil || ctx == nil {
		return
	}
	c.Set(contextKey, ctx)
}

// ContextFrom returns the context stored by the logging middleware.
func ContextFrom(c tele.Context) (context.Context, bool) {
	if c == nil {
		return nil, false
	}
	ctx, ok := c.Get(contextKey).(context.Context)
	return ctx, ok && ctx != nil
}

// BuildContext returns the update context, creating it on first use with the
// rid and update/user/chat metadata every log line of the update carries.
func BuildContext(c tele.Context) context.Context {
	if cached, ok := ContextFrom(c); ok {
		return cached
	}

	upd := c.Update()
	userID, chatID := Identity(c)

	rid, _ := c.Get(ridKey).(string)
	if rid == "" {
		rid = logger.BuildRID(upd.ID, chatID, userID)
		c.Set(ridKey, rid)
	}

	ctx := logger.WithRID(context.Background(), rid)
	ctx = logger.WithUpdateMeta(ctx, upd.ID, userID, chatID)
	ctx = logger.WithLogger(ctx, logger.Component(logger.CompTG))
	StoreContext(c, ctx)
	return ctx
}

// WithHandler enriches the stored context with the handler name.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler == "" {
		return ctx
	}
	ctx = logger.WithHandler(ctx, handler)
	StoreContext(c, ctx)
	return ctx
}

// Identity returns the sender and chat ids, zero when absent.
func Identity(c tele.Context) (userID, chatID int64) {
	if u := c.Sender(); u != nil {
		userID = u.ID
	}
	if ch := c.Chat(); ch != nil {
		chatID = ch.ID
	}
	return userID, chatID
}

// IsPrivate reports whether the update comes from a one-to-one chat.
func IsPrivate(c tele.Context) bool {
	ch := c.Chat()
	return ch != nil && ch.Type == tele.ChatPrivate
}
