package logger

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/m3rciful/relaybot/core/buildinfo"
	coreconfig "github.com/m3rciful/relaybot/core/config"
)

// Component names shared across packages.
const (
	CompApp      = "app"
	CompTG       = "tg"
	CompWire     = "tg.wire"
	CompSender   = "tg.sender"
	CompDialog   = "dialog"
	CompDispatch = "dialog.dispatch"
	CompRecovery = "dialog.recovery"
	CompSession  = "session"
	CompDB       = "db"
	CompMigrate  = "db.migrate"
)

var (
	initOnce sync.Once
	closeMu  sync.Mutex
	closed   bool

	sink    *asyncWriter
	closers []io.Closer

	levelVar slog.LevelVar

	debugSampler = newRatioSampler(1, 50)
	traceForced  bool

	// L is the root logger; nil until InitLogger runs.
	L *slog.Logger
)

// InitLogger configures the global structured logger. Only the first call has effect.
func InitLogger(cfg *coreconfig.Config) error {
	var initErr error
	initOnce.Do(func() {
		lc := coreconfig.LoggingConfig{}
		if cfg != nil {
			lc = cfg.Logging
		}
		levelVar.Set(parseLevel(lc.Level))
		debugSampler.Set(parseDebugSample(lc.DebugSample))
		traceForced = envFlag("TRACE") || envFlag("LOG_TRACE")

		outputs, files, err := openOutputs(lc)
		if err != nil {
			initErr = err
			return
		}
		closers = files
		sink = newAsyncWriter(outputs, 64*1024)

		L = slog.New(newStructuredHandler(handlerConfig{
			level:    &levelVar,
			writer:   sink,
			format:   pickFormat(lc),
			keyOrder: parseKeyOrder(lc.KeysOrder),
		}))
		slog.SetDefault(L)

		L.LogAttrs(context.Background(), slog.LevelInfo, "startup",
			slog.String("component", CompApp),
			slog.String("event", "startup"),
			slog.String("go_version", runtime.Version()),
			slog.String("build_version", buildinfo.Version),
			slog.String("build_commit", buildinfo.Commit),
			slog.String("cfg_profile", profileOf(lc)),
		)
	})
	return initErr
}

// Shutdown flushes buffered output and closes file sinks.
func Shutdown() error {
	closeMu.Lock()
	defer closeMu.Unlock()
	if closed {
		return nil
	}
	closed = true

	var errs []error
	if sink != nil {
		errs = append(errs, sink.Close())
	}
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func pickFormat(lc coreconfig.LoggingConfig) logFormat {
	switch strings.ToLower(strings.TrimSpace(lc.Format)) {
	case "kv", "text", "pretty":
		return formatKV
	case "json":
		return formatJSON
	}
	switch strings.ToLower(lc.Profile) {
	case "debug", "dev":
		return formatKV
	}
	return formatJSON
}

func parseKeyOrder(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		return append([]string(nil), defaultKeyOrder...)
	}
	var order []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			order = append(order, p)
		}
	}
	if len(order) == 0 {
		return append([]string(nil), defaultKeyOrder...)
	}
	return order
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func openOutputs(lc coreconfig.LoggingConfig) ([]io.Writer, []io.Closer, error) {
	writers := []io.Writer{os.Stdout}
	dir, file := strings.TrimSpace(lc.Dir), strings.TrimSpace(lc.BotFile)
	if dir == "" || file == "" {
		return writers, nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("logger: failed to create log dir %s: %v", dir, err)
		return writers, nil, nil
	}
	path := filepath.Join(dir, file)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Printf("logger: failed to open log file %s: %v", path, err)
		return writers, nil, nil
	}
	return append(writers, f), []io.Closer{f}, nil
}

func profileOf(lc coreconfig.LoggingConfig) string {
	if p := strings.TrimSpace(lc.Profile); p != "" {
		return strings.ToLower(p)
	}
	return "prod"
}

func parseDebugSample(spec string) (int, int) {
	if strings.TrimSpace(spec) == "" {
		return 1, 50
	}
	num, den := parseRatioSpec(spec)
	if num == 0 && den == 0 {
		return 0, 0
	}
	if num <= 0 || den <= 0 {
		return 1, 50
	}
	return num, den
}

func envFlag(name string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// Background returns context.Background(); kept for call sites outside any update.
func Background() context.Context {
	return context.Background()
}

// Component returns a logger scoped to the named component.
// It falls back to slog.Default before InitLogger so packages stay usable in tests.
func Component(name string) *slog.Logger {
	base := L
	if base == nil {
		base = slog.Default()
	}
	if name = strings.TrimSpace(name); name == "" {
		return base
	}
	return base.With("component", name)
}

// LogEvent writes attrs with the event attribute prepended.
func LogEvent(ctx context.Context, logg *slog.Logger, level slog.Level, event string, attrs ...slog.Attr) {
	if logg == nil {
		logg = FromContext(ctx)
	}
	if logg == nil {
		return
	}
	if event != "" {
		attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	}
	logg.LogAttrs(ctx, level, "", attrs...)
}

// Event logs at level using the component logger.
func Event(ctx context.Context, component string, level slog.Level, event string, attrs ...slog.Attr) {
	LogEvent(ctx, Component(component), level, event, attrs...)
}

// Debug logs a debug-level event for the given component.
func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelDebug, event, attrs...)
}

// Info logs an info-level event for the given component.
func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelInfo, event, attrs...)
}

// Warn logs a warn-level event for the given component.
func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelWarn, event, attrs...)
}

// Error logs an error-level event for the given component.
func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	Event(ctx, component, slog.LevelError, event, attrs...)
}

// ShouldSampleDebug reports whether a high-volume debug line should be written.
func ShouldSampleDebug() bool {
	if traceForced {
		return true
	}
	return debugSampler.Allow()
}
