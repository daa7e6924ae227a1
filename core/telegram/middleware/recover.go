package middleware

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/m3rciful/relaybot/core/logger"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Recover catches panics in handlers. onPanic, if set, receives the panic as
// an error so the user still gets an answer.
func Recover(onPanic func(tele.Context, error) error) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				logger.Error(tghelpers.BuildContext(c), logger.CompTG, "tg.panic",
					slog.String("status", "fail"),
					slog.Any("err", r),
					slog.String("stack", string(debug.Stack())),
				)
				if onPanic != nil {
					err = onPanic(c, fmt.Errorf("panic: %v", r))
				}
			}()
			return next(c)
		}
	}
}

// RecoverMiddleware only logs the panic.
func RecoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return Recover(nil)(next)
}
