package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode"
)

type ctxKey int

const (
	keyRID ctxKey = iota
	keyUpdate
	keyUser
	keyChat
	keyHandler
	keyLogger
)

// updateMeta groups identifiers of the Telegram update being processed.
type updateMeta struct {
	updateID int
	userID   int64
	chatID   int64
}

// WithLogger stores log in ctx for propagation across layers.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, keyLogger, log)
}

// FromContext returns the logger stored in ctx or the root logger.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := value[*slog.Logger](ctx, keyLogger); ok && l != nil {
		return l
	}
	return Component("")
}

// WithRID attaches the request correlation id.
func WithRID(ctx context.Context, rid string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, keyRID, rid)
}

// RIDFrom extracts the correlation id.
func RIDFrom(ctx context.Context) string {
	s, _ := value[string](ctx, keyRID)
	return s
}

// WithUpdateMeta attaches update, user and chat identifiers.
func WithUpdateMeta(ctx context.Context, updateID int, userID, chatID int64) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, keyUpdate, updateMeta{updateID: updateID, userID: userID, chatID: chatID})
}

// WithHandler records the handler name for downstream logs.
func WithHandler(ctx context.Context, handler string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if handler == "" {
		return ctx
	}
	return context.WithValue(ctx, keyHandler, handler)
}

// HandlerFrom returns the handler name stored in ctx.
func HandlerFrom(ctx context.Context) string {
	s, _ := value[string](ctx, keyHandler)
	return s
}

// UserIDFrom returns the Telegram user id stored in ctx.
func UserIDFrom(ctx context.Context) int64 {
	m, _ := value[updateMeta](ctx, keyUpdate)
	return m.userID
}

// ChatIDFrom returns the chat id stored in ctx.
func ChatIDFrom(ctx context.Context) int64 {
	m, _ := value[updateMeta](ctx, keyUpdate)
	return m.chatID
}

// UpdateIDFrom returns the update id stored in ctx.
func UpdateIDFrom(ctx context.Context) int {
	m, _ := value[updateMeta](ctx, keyUpdate)
	return m.updateID
}

func value[T any](ctx context.Context, key ctxKey) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(key).(T)
	return v, ok
}

// Sanitize drops control and format runes except tab and newline.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case unicode.IsControl(r), unicode.Is(unicode.Cf, r):
			return -1
		}
		return r
	}, s)
}

// SanitizeLimit sanitizes s and truncates it to max runes.
func SanitizeLimit(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(Sanitize(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max])
}

// BuildRID returns a correlation identifier in the format updateID:chatID:userID.
func BuildRID(updateID int, chatID, userID int64) string {
	return fmt.Sprintf("%d:%d:%d", updateID, chatID, userID)
}

// CompactRID rewrites a three-part decimal RID into dot-separated base36.
// Anything else is returned unchanged.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	parts := strings.Split(rid, ":")
	if len(parts) != 3 {
		return rid
	}
	for i, part := range parts {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return rid
		}
		parts[i] = strconv.FormatInt(n, 36)
	}
	return strings.Join(parts, ".")
}
