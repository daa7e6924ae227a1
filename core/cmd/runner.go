// Package cmd holds the relaybot command line: run, migrate, purge and version.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	tele "gopkg.in/telebot.v4"

	"github.com/m3rciful/relaybot/core/app"
	"github.com/m3rciful/relaybot/core/bootstrap"
	"github.com/m3rciful/relaybot/core/buildinfo"
	coreconfig "github.com/m3rciful/relaybot/core/config"
	"github.com/m3rciful/relaybot/core/database"
	"github.com/m3rciful/relaybot/core/logger"
	coretelegram "github.com/m3rciful/relaybot/core/telegram"
)

// Options describe how to load configuration, bootstrap the app and run the
// bot. Nil hooks use the real implementations.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string

	LoadConfig     func(path string) (*coreconfig.Config, error)
	Bootstrap      func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.Result, error)
	NewBot         func(cfg *coreconfig.Config) (*tele.Bot, error)
	Migrate        func(ctx context.Context, cfg database.Config) error
	ShutdownLogger func() error
	RunTelegram    func(ctx context.Context, opts coretelegram.RunOptions) error
}

func (o *Options) defaults() {
	if o.ConfigEnvVar == "" {
		o.ConfigEnvVar = "CONFIG_PATH"
	}
	if o.DefaultConfigPath == "" {
		o.DefaultConfigPath = "config.yaml"
	}
	if o.LoadConfig == nil {
		o.LoadConfig = coreconfig.Load
	}
	if o.Bootstrap == nil {
		o.Bootstrap = func(ctx context.Context, cfg *coreconfig.Config) (*bootstrap.Result, error) {
			return bootstrap.Run(ctx, bootstrap.Options{Config: cfg})
		}
	}
	if o.NewBot == nil {
		o.NewBot = coretelegram.NewBot
	}
	if o.Migrate == nil {
		o.Migrate = database.RunMigrations
	}
	if o.ShutdownLogger == nil {
		o.ShutdownLogger = logger.Shutdown
	}
	if o.RunTelegram == nil {
		o.RunTelegram = coretelegram.RunTelegram
	}
}

// Execute runs the CLI. Called from main.
func Execute() {
	if err := NewRootCommand(Options{}).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand(opts Options) *cobra.Command {
	opts.defaults()
	var cfgPath string

	root := &cobra.Command{
		Use:           "relaybot",
		Short:         "Anonymous relay bot for Telegram",
		Version:       buildinfo.Short(),
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to the YAML config (default $"+opts.ConfigEnvVar+" or "+opts.DefaultConfigPath+")")

	load := func() (*coreconfig.Config, error) {
		path := resolveConfigPath(cfgPath, opts)
		log.Printf("loading config: %s", path)
		cfg, err := opts.LoadConfig(path)
		if err != nil {
			return nil, fmt.Errorf("cmd: failed to load config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Start the bot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return run(cmd.Context(), cfg, opts)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := load()
				if err != nil {
					return err
				}
				return migrate(cmd.Context(), cfg, opts)
			},
		},
		&cobra.Command{
			Use:   "purge <user_id>",
			Short: "Drop every session of a user",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				userID, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || userID == 0 {
					return fmt.Errorf("invalid user id %q", args[0])
				}
				cfg, err := load()
				if err != nil {
					return err
				}
				return purge(cmd.Context(), cmd.OutOrStdout(), cfg, userID, opts)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print build information",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "relaybot %s (commit %s, built %s)\n",
					buildinfo.Version, buildinfo.Commit, orUnknown(buildinfo.Date))
			},
		},
	)
	return root
}

// resolveConfigPath prefers the flag, then the environment, then the default.
func resolveConfigPath(flag string, opts Options) string {
	if flag != "" {
		return flag
	}
	if p := os.Getenv(opts.ConfigEnvVar); p != "" {
		return p
	}
	return opts.DefaultConfigPath
}

func run(parent context.Context, cfg *coreconfig.Config, opts Options) error {
	if parent == nil {
		parent = context.Background()
	}
	startedAt := time.Now()

	infra, err := opts.Bootstrap(parent, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		if err := opts.ShutdownLogger(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()

	bot, err := opts.NewBot(cfg)
	if err != nil {
		_ = infra.Close()
		return err
	}
	application, err := app.New(cfg, infra, bot)
	if err != nil {
		_ = infra.Close()
		return fmt.Errorf("cmd: app init failed: %w", err)
	}

	runOpts, err := application.TelegramRunOptions()
	if err != nil {
		_ = application.Close()
		return fmt.Errorf("cmd: telegram options build failed: %w", err)
	}

	prevStart := runOpts.OnStart
	runOpts.OnStart = func(ctx context.Context, rt coretelegram.Runtime) error {
		if prevStart != nil {
			if err := prevStart(ctx, rt); err != nil {
				return err
			}
		}
		logger.Info(ctx, logger.CompApp, "ready",
			slog.String("status", "ok"),
			slog.String("backend", cfg.Session.Backend),
			slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
		)
		return nil
	}
	prevStop := runOpts.OnStop
	runOpts.OnStop = func(ctx context.Context, rt coretelegram.Runtime) error {
		logger.Info(ctx, logger.CompApp, "shutdown")
		if prevStop != nil {
			return prevStop(ctx, rt)
		}
		return nil
	}

	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return opts.RunTelegram(ctx, runOpts)
}

func migrate(ctx context.Context, cfg *coreconfig.Config, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Database.Host == "" || cfg.Database.Name == "" {
		return fmt.Errorf("cmd: database section is not configured")
	}
	if err := logger.InitLogger(cfg); err != nil {
		return fmt.Errorf("cmd: logger init failed: %w", err)
	}
	defer func() { _ = opts.ShutdownLogger() }()

	dbCfg := bootstrap.DatabaseConfig(cfg)
	if dbCfg.Port == "" {
		dbCfg.Port = "5432"
	}
	if dbCfg.SSLMode == "" {
		dbCfg.SSLMode = "disable"
	}
	return opts.Migrate(ctx, dbCfg)
}

func purge(ctx context.Context, out io.Writer, cfg *coreconfig.Config, userID int64, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Session.Backend == coreconfig.BackendMemory {
		return fmt.Errorf("cmd: the memory backend lives inside the bot process, use /purge in the chat")
	}
	infra, err := opts.Bootstrap(ctx, cfg)
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		_ = infra.Close()
		_ = opts.ShutdownLogger()
	}()

	n, err := infra.Store.PurgeUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("cmd: purge: %w", err)
	}
	logger.Info(ctx, logger.CompSession, "session.purge",
		slog.String("status", "ok"),
		slog.Int64("target_user_id", userID),
		slog.Int("count", n),
	)
	fmt.Fprintf(out, "removed %d session(s) of user %d\n", n, userID)
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
