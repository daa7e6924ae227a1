// Package telegram adapts the dialog engine to the Telegram Bot API: it owns
// the bot runtime, the relay channel and view rendering.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreconfig "github.com/m3rciful/relaybot/core/config"
	"github.com/m3rciful/relaybot/core/logger"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"
	tgsender "github.com/m3rciful/relaybot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Middleware describes a global bot middleware to be registered via bot.Use.
type Middleware struct {
	Name string
	Use  func(next tele.HandlerFunc) tele.HandlerFunc
}

// Route declares a single bot handler bound to an arbitrary endpoint.
// Endpoint values are passed directly to tele.Bot.Handle.
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

// RunOptions controls the behaviour of RunTelegram.
type RunOptions struct {
	Config *coreconfig.Config
	// Bot is built from Config when nil.
	Bot      *tele.Bot
	Registry *Registry

	// Sender carries replies to users; built from DispatcherOptions when nil.
	Sender            *tgsender.Dispatcher
	DispatcherOptions tgsender.Options

	Middlewares []Middleware
	Routes      []Route

	DisableWebhookCleanup bool

	OnStart func(ctx context.Context, rt Runtime) error
	OnStop  func(ctx context.Context, rt Runtime) error
}

// Runtime exposes runtime components to lifecycle hooks.
type Runtime struct {
	Bot      *tele.Bot
	Sender   *tgsender.Dispatcher
	Registry *Registry
}

// NewBot builds the bot with the configured poller and HTTP client. It does
// not call the network until Start.
func NewBot(cfg *coreconfig.Config) (*tele.Bot, error) {
	if cfg == nil {
		return nil, fmt.Errorf("telegram: nil config provided")
	}
	poller := BuildPoller(PollerOptions{
		RunMode:                cfg.Telegram.RunMode,
		LongPollTimeoutSeconds: cfg.Telegram.LongPollTimeoutSeconds,
		Webhook: WebhookOptions{
			Listen: cfg.Webhook.Listen,
			Port:   cfg.Webhook.Port,
			URL:    cfg.Webhook.URL,
		},
		AllowedUpdates: RelayUpdates,
	})

	start := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: poller,
		Client: BuildHTTPClient(),
		OnError: func(err error, c tele.Context) {
			ctx := context.Background()
			if c != nil {
				ctx = tghelpers.BuildContext(c)
			}
			logger.Error(ctx, logger.CompTG, "tg.unhandled",
				slog.String("status", "fail"),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: bot initialization failed: %w", err)
	}

	attrs := []slog.Attr{
		slog.String("mode", cfg.Telegram.RunMode),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	}
	if wh, ok := poller.(*tele.Webhook); ok {
		attrs = append(attrs, slog.String("listen", wh.Listen), slog.String("public_url", wh.Endpoint.PublicURL))
	}
	logger.Info(context.Background(), logger.CompTG, "tg.mode", attrs...)
	return bot, nil
}

// RunTelegram wires routes and runs the bot until ctx is done.
func RunTelegram(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config == nil {
		return fmt.Errorf("telegram: nil config provided")
	}
	cfg := opts.Config

	bot := opts.Bot
	if bot == nil {
		var err error
		if bot, err = NewBot(cfg); err != nil {
			return err
		}
	}
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	disp := opts.Sender
	if disp == nil {
		disp = tgsender.NewDispatcher(opts.DispatcherOptions)
	}
	tghelpers.SetDispatcher(disp)
	defer func() {
		disp.Close()
		tghelpers.SetDispatcher(nil)
	}()

	rt := Runtime{Bot: bot, Sender: disp, Registry: reg}

	if !opts.DisableWebhookCleanup && cfg.Telegram.RunMode == coreconfig.RunModeLongpoll {
		if err := bot.RemoveWebhook(false); err != nil {
			logger.Warn(ctx, logger.CompTG, "tg.delete_webhook",
				slog.String("status", "fail"),
				slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
			)
		} else {
			logger.Info(ctx, logger.CompTG, "tg.delete_webhook", slog.String("status", "ok"))
		}
	}

	for _, mw := range opts.Middlewares {
		if mw.Use == nil {
			continue
		}
		bot.Use(mw.Use)
	}
	for _, route := range opts.Routes {
		if route.Endpoint == nil || route.Handler == nil {
			continue
		}
		bot.Handle(route.Endpoint, route.Handler)
	}
	logger.Info(ctx, logger.CompWire, "tg.wire",
		slog.String("status", "ok"),
		slog.Int("middlewares", len(opts.Middlewares)),
		slog.Int("routes", len(opts.Routes)),
		slog.Int("commands", len(reg.Commands())),
	)

	SetupCommands(bot, reg)

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			return err
		}
	}

	runDone := make(chan struct{})
	go func() {
		bot.Start()
		close(runDone)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		bot.Stop()
		<-runDone
		runErr = ctx.Err()
	case <-runDone:
	}

	if opts.OnStop != nil {
		if err := opts.OnStop(context.WithoutCancel(ctx), rt); err != nil {
			return err
		}
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}
