package router

import (
	tg "github.com/m3rciful/relaybot/core/telegram"
	"github.com/m3rciful/relaybot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// contentEndpoints are the message kinds the relay accepts or explicitly rejects.
var contentEndpoints = []string{
	tele.OnText,
	tele.OnPhoto,
	tele.OnVideo,
	tele.OnDocument,
	tele.OnAnimation,
	tele.OnPoll,
	tele.OnSticker,
	tele.OnVoice,
	tele.OnAudio,
	tele.OnVideoNote,
	tele.OnLocation,
	tele.OnContact,
	tele.OnDice,
}

// MessageRoutes binds every content endpoint to the relay. Only private chats
// reach the dialog; other chats are ignored. Unregistered "/words" arrive as
// text, telebot routes registered commands before OnText.
func MessageRoutes(relay *Relay) []tg.Route {
	h := middleware.PrivateOnly(nil)(withSummary("message", relay.OnMessage))
	routes := make([]tg.Route, 0, len(contentEndpoints))
	for _, ep := range contentEndpoints {
		routes = append(routes, tg.Route{Endpoint: ep, Handler: h})
	}
	return routes
}
