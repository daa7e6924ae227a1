package router

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/relaybot/core/logger"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Purger drops every session of a user.
type Purger interface {
	PurgeUser(ctx context.Context, userID int64) (int, error)
}

// PurgeCommand handles "/purge <user_id>" for the admin.
func PurgeCommand(store Purger) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		arg := ""
		if m := c.Message(); m != nil {
			arg = strings.TrimSpace(m.Payload)
		}
		userID, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || userID == 0 {
			return tghelpers.SendText(c, "Usage: /purge <user_id>")
		}
		n, err := store.PurgeUser(ctx, userID)
		if err != nil {
			logger.Error(ctx, logger.CompSession, "session.purge",
				slog.String("status", "fail"),
				slog.Int64("target_user_id", userID),
				slog.String("err", err.Error()),
			)
			return tghelpers.SendText(c, "Purge failed.")
		}
		logger.Info(ctx, logger.CompSession, "session.purge",
			slog.String("status", "ok"),
			slog.Int64("target_user_id", userID),
			slog.Int("count", n),
		)
		return tghelpers.SendText(c, fmt.Sprintf("Removed %d session(s) of %d.", n, userID))
	}
}
