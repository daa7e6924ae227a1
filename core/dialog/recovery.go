package dialog

import (
	"context"
	"log/slog"

	"github.com/m3rciful/relaybot/core/logger"
)

// Scope describes where a failed update came from.
type Scope struct {
	UserID   int64
	ChatID   int64
	Username string
	Private  bool
	// Action is the button action of a failed callback, empty for messages.
	Action string
}

// Outcome is what the recovery decided.
type Outcome struct {
	Kind       FaultKind
	Reply      Reply
	Restarted  bool
	Suppressed bool
}

// TransportMatcher classifies transport errors that are benign races, such as
// an expired callback query. It returns false for anything else.
type TransportMatcher func(error) (FaultKind, bool)

// Recovery turns engine and transport faults into a user-facing outcome.
type Recovery struct {
	engine    *Engine
	texts     Texts
	transport TransportMatcher
}

// NewRecovery builds the recovery shim. transport may be nil.
func NewRecovery(engine *Engine, texts Texts, transport TransportMatcher) *Recovery {
	return &Recovery{engine: engine, texts: texts, transport: transport}
}

// Classify returns the fault kind of err.
func (r *Recovery) Classify(err error) FaultKind {
	if kind, ok := FaultOf(err); ok {
		return kind
	}
	if r.transport != nil {
		if kind, ok := r.transport(err); ok {
			return kind
		}
	}
	return FaultUnknown
}

// Handle maps err to an outcome. It never returns the raw error text to the user.
func (r *Recovery) Handle(ctx context.Context, scope Scope, err error) Outcome {
	kind := r.Classify(err)
	out := Outcome{Kind: kind}
	attrs := []slog.Attr{
		slog.String("fault", kind.String()),
		slog.String("action", scope.Action),
		slog.String("err", err.Error()),
	}

	switch kind {
	case FaultStackOverflow, FaultStaleCallback, FaultNotModified:
		out.Suppressed = true
		out.Reply = Reply{NoView: true}
		logger.Debug(ctx, logger.CompRecovery, "recovery.suppress", append(attrs, slog.String("status", "suppressed"))...)
		return out

	case FaultUnknownSession, FaultOutdatedSession:
		if !scope.Private {
			out.Reply = Reply{Notice: r.texts.Generic, Plain: true}
			logger.Info(ctx, logger.CompRecovery, "recovery.notice", attrs...)
			return out
		}
		notice := r.texts.Generic
		if scope.Action == ActionMenu {
			notice = ""
		}
		reply, rerr := r.engine.Reset(ctx, StartRequest{
			UserID:   scope.UserID,
			ChatID:   scope.ChatID,
			Username: scope.Username,
			Notice:   notice,
		})
		if rerr != nil {
			logger.Error(ctx, logger.CompRecovery, "recovery.restart", append(attrs,
				slog.String("status", "fail"),
				slog.String("restart_err", rerr.Error()),
			)...)
			out.Reply = Reply{Notice: r.texts.Generic, Plain: true}
			return out
		}
		out.Restarted = true
		out.Reply = reply
		logger.Info(ctx, logger.CompRecovery, "recovery.restart", append(attrs, slog.String("status", "ok"))...)
		return out
	}

	logger.Error(ctx, logger.CompRecovery, "recovery.unhandled", append(attrs, slog.String("status", "fail"))...)
	out.Reply = Reply{Notice: r.texts.Generic, Plain: true}
	return out
}
