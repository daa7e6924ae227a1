package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// recentUpdates keeps a short-lived set of processed update IDs to avoid double logging.
var (
	recentMu     sync.Mutex
	recentUpdate = make(map[int]time.Time)
	keepFor      = 10 * time.Second
)

func alreadyLogged(updateID int) bool {
	now := time.Now()
	recentMu.Lock()
	defer recentMu.Unlock()
	for id, ts := range recentUpdate {
		if now.Sub(ts) > keepFor {
			delete(recentUpdate, id)
		}
	}
	if _, ok := recentUpdate[updateID]; ok {
		return true
	}
	recentUpdate[updateID] = now
	return false
}

// LoggerMiddleware builds the update context (rid, user, chat) and writes one
// sampled receipt line per update. Message text is never logged: submissions
// are anonymous.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		upd := c.Update()
		c.Set("update_start", time.Now())
		ctx := tghelpers.BuildContext(c)

		if logger.ShouldSampleDebug() && !alreadyLogged(upd.ID) {
			attrs := []slog.Attr{
				slog.String("status", "ok"),
				slog.String("kind", UpdateKind(upd)),
			}
			if chat := c.Chat(); chat != nil {
				attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
			}
			if user := c.Sender(); user != nil && user.LanguageCode != "" {
				attrs = append(attrs, slog.String("lang", user.LanguageCode))
			}
			if upd.Callback != nil {
				if key := callbacks.Key(c); key != "" {
					attrs = append(attrs, slog.String("cb_key", logger.SanitizeLimit(key, 64)))
				}
			}
			if m := upd.Message; m != nil && m.AlbumID != "" {
				attrs = append(attrs, slog.String("album", m.AlbumID))
			}
			logger.LogEvent(ctx, logger.Component(logger.CompTG), slog.LevelDebug, "update.received", attrs...)
		}

		return next(c)
	}
}
