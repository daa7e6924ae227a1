// Package app wires the dialog engine, the relay channel and the Telegram
// routes into a runnable bot.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/m3rciful/relaybot/core/bootstrap"
	"github.com/m3rciful/relaybot/core/buildinfo"
	coreconfig "github.com/m3rciful/relaybot/core/config"
	"github.com/m3rciful/relaybot/core/database"
	"github.com/m3rciful/relaybot/core/dialog"
	"github.com/m3rciful/relaybot/core/logger"
	tg "github.com/m3rciful/relaybot/core/telegram"
	"github.com/m3rciful/relaybot/core/telegram/netutil"
	"github.com/m3rciful/relaybot/core/telegram/router"
	"github.com/m3rciful/relaybot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// App holds the constructed bot graph.
type App struct {
	cfg   *coreconfig.Config
	infra *bootstrap.Result
	bot   *tele.Bot

	texts       dialog.Texts
	relaySender *sender.Dispatcher
	engine      *dialog.Engine
	recovery    *dialog.Recovery
	relay       *router.Relay
	registry    *tg.Registry
}

// New builds the dialog for cfg on top of the bootstrapped infrastructure.
// The bot is only used for outbound calls until the runtime starts it.
func New(cfg *coreconfig.Config, infra *bootstrap.Result, bot *tele.Bot) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if infra == nil || infra.Store == nil {
		return nil, errors.New("app: session store is not initialized")
	}
	if bot == nil {
		return nil, errors.New("app: nil bot")
	}

	info := dialog.FlowInfo{
		BotName:          cfg.Dialog.BotName,
		Version:          buildinfo.Short(),
		ChatName:         cfg.Destination.ChatName,
		DeveloperContact: cfg.Dialog.DeveloperContact,
		AskRecipient:     cfg.Dialog.AskRecipient,
	}
	texts := dialog.DefaultTexts().With(info)

	// relayed submissions are never repeated after the request may have reached Telegram
	relaySender := sender.NewDispatcher(sender.Options{
		Workers:      1,
		MaxRetries:   cfg.Dispatch.MaxRetries,
		RetryBackoff: cfg.Dispatch.RetryBackoff,
		MaxDuration:  cfg.Dispatch.MaxDuration,
		Retryable:    netutil.SafeToRetry,
	})

	dest := dialog.Destination{
		ChatID:   cfg.Destination.ChatID,
		Username: cfg.Destination.Username,
		Name:     cfg.Destination.ChatName,
		Spoiler:  !cfg.Destination.DisableSpoiler,
	}
	dispatcher := dialog.NewDispatcher(tg.NewChannel(bot, relaySender), dest, journalFor(cfg, infra), texts, dialog.DispatchOptions{
		MaxDuration:     cfg.Dispatch.MaxDuration,
		BreakerFailures: cfg.Dispatch.BreakerFailures,
		BreakerTimeout:  cfg.Dispatch.BreakerTimeout,
		DuplicateWait:   cfg.Dispatch.DuplicateWait,
		IsTransient:     netutil.ShouldRetry,
	})

	engine := dialog.NewEngine(infra.Store, dialog.NewFlow(texts, info, dispatcher), dialog.Options{
		MaxStackDepth: cfg.Session.MaxStackDepth,
	})
	recovery := dialog.NewRecovery(engine, texts, tg.MatchTransport)
	relay := router.NewRelay(engine, recovery, texts)

	registry := tg.NewRegistry()
	var purger router.Purger
	if cfg.Telegram.AdminID != 0 {
		purger = infra.Store
	}
	router.RegisterRelayCommands(registry, relay, purger)

	return &App{
		cfg:         cfg,
		infra:       infra,
		bot:         bot,
		texts:       texts,
		relaySender: relaySender,
		engine:      engine,
		recovery:    recovery,
		relay:       relay,
		registry:    registry,
	}, nil
}

// CoreConfig exposes the loaded configuration.
func (a *App) CoreConfig() *coreconfig.Config { return a.cfg }

// Engine exposes the dialog engine.
func (a *App) Engine() *dialog.Engine { return a.engine }

// TelegramRunOptions assembles middlewares, routes and lifecycle hooks.
func (a *App) TelegramRunOptions() (tg.RunOptions, error) {
	routes := make([]tg.Route, 0, 32)
	routes = append(routes, router.CommandRoutes(a.registry, router.CommandRouteOptions{
		AdminID: a.cfg.Telegram.AdminID,
	})...)
	routes = append(routes, router.MessageRoutes(a.relay)...)
	routes = append(routes, router.CallbackRoute(a.relay))

	return tg.RunOptions{
		Config:   a.cfg,
		Bot:      a.bot,
		Registry: a.registry,
		DispatcherOptions: sender.Options{
			QueueSize:    256,
			Workers:      4,
			MaxRetries:   2,
			RetryBackoff: time.Second,
			MaxDuration:  10 * time.Second,
		},
		Middlewares: tg.DefaultMiddlewares(a.cfg, tg.MiddlewareHooks{
			OnLimited: a.relay.OnLimited,
			OnPanic:   a.relay.OnPanic,
		}),
		Routes: routes,
		OnStop: func(ctx context.Context, _ tg.Runtime) error {
			return a.Close()
		},
	}, nil
}

// Close stops the relay sender and releases the infrastructure.
func (a *App) Close() error {
	a.relaySender.Close()
	if err := a.infra.Close(); err != nil {
		logger.Error(context.Background(), logger.CompApp, "app.close",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("app: close: %w", err)
	}
	return nil
}

func journalFor(cfg *coreconfig.Config, infra *bootstrap.Result) dialog.Journal {
	if !cfg.Dispatch.Journal || infra.DB == nil {
		return nil
	}
	return NewJournal(database.NewDeliveries(infra.DB))
}
