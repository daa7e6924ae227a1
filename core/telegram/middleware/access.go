package middleware

import (
	"log/slog"

	"github.com/m3rciful/relaybot/core/logger"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// AdminOptions defines how admin-only checks should behave.
type AdminOptions struct {
	AdminID  int64
	OnReject tele.HandlerFunc
}

// AdminOnlyMiddleware lets only the configured admin through. With no admin
// configured every call is rejected.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if user := c.Sender(); opts.AdminID != 0 && user != nil && user.ID == opts.AdminID {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), logger.CompTG, "access.denied",
				slog.String("status", "skip"),
			)
			if opts.OnReject != nil {
				return opts.OnReject(c)
			}
			return nil
		}
	}
}

// PrivateOnly drops updates from groups and channels. onGroup may answer them.
func PrivateOnly(onGroup tele.HandlerFunc) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if tghelpers.IsPrivate(c) {
				return next(c)
			}
			if onGroup != nil {
				return onGroup(c)
			}
			return nil
		}
	}
}
