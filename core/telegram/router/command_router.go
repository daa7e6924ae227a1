package router

import (
	tg "github.com/m3rciful/relaybot/core/telegram"
	"github.com/m3rciful/relaybot/core/telegram/commands"
	"github.com/m3rciful/relaybot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// CommandRouteOptions configures how commands are wrapped and exposed.
type CommandRouteOptions struct {
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

// CommandRoutes prepares command handlers wrapped with shared middleware.
// Aliases get their own route to the same handler.
func CommandRoutes(reg *tg.Registry, opts CommandRouteOptions) []tg.Route {
	if reg == nil {
		return nil
	}

	adminOnly := middleware.AdminOnlyMiddleware(middleware.AdminOptions{
		AdminID:  opts.AdminID,
		OnReject: opts.OnAdminReject,
	})
	private := middleware.PrivateOnly(nil)

	routes := make([]tg.Route, 0, len(reg.Commands()))
	for cmd, def := range reg.Commands() {
		h := withSummary(normalizeHandlerName(cmd), def.Handler)
		if def.AdminOnly {
			h = adminOnly(h)
		}
		if def.PrivateOnly {
			h = private(h)
		}
		routes = append(routes, tg.Route{Endpoint: cmd, Handler: h})
		for _, alias := range def.Aliases {
			if alias[0] != '/' {
				alias = "/" + alias
			}
			routes = append(routes, tg.Route{Endpoint: alias, Handler: h})
		}
	}
	return routes
}

// RegisterRelayCommands adds the user commands and, when purger is set, the
// admin purge command.
func RegisterRelayCommands(reg *tg.Registry, relay *Relay, purger Purger) {
	reg.RegisterCommand("/start", commands.Command{Handler: relay.OnStart, Description: "Start over", PrivateOnly: true})
	reg.RegisterCommand("/menu", commands.Command{Handler: relay.OnMenu, Description: "Main menu", PrivateOnly: true})
	reg.RegisterCommand("/help", commands.Command{Handler: relay.OnHelp, Description: "What can be sent", PrivateOnly: true})
	if purger != nil {
		reg.RegisterCommand("/purge", commands.Command{Handler: PurgeCommand(purger), Description: "Drop a user's sessions", AdminOnly: true})
	}
}
