package router

import (
	tg "github.com/m3rciful/relaybot/core/telegram"
	"github.com/m3rciful/relaybot/core/telegram/callbacks"

	tele "gopkg.in/telebot.v4"
)

// CallbackRoute sends every button press to the relay. Dialog buttons share
// one endpoint because the action travels in the payload.
func CallbackRoute(relay *Relay) tg.Route {
	return tg.Route{
		Endpoint: tele.OnCallback,
		Handler: func(c tele.Context) error {
			name := "callback." + normalizeHandlerName(callbacks.Key(c))
			return withSummary(name, relay.OnCallback)(c)
		},
	}
}
