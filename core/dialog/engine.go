package dialog

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/session"
)

// Options tune the Engine.
type Options struct {
	MaxStackDepth int
	// CommitRetries bounds how often a handler is re-run after losing a write race.
	CommitRetries int
}

// Engine runs handlers of a Router against sessions of a Store.
type Engine struct {
	store  session.Store
	router *Router
	opts   Options
}

// NewEngine wires a store and a router.
func NewEngine(store session.Store, router *Router, opts Options) *Engine {
	if opts.CommitRetries <= 0 {
		opts.CommitRetries = 5
	}
	return &Engine{store: store, router: router, opts: opts}
}

// StartRequest opens a fresh dialog.
type StartRequest struct {
	UserID   int64
	ChatID   int64
	Username string
	// Payload is the /start argument; "reply_<id>" targets a destination message.
	Payload string
	// Notice is shown as the error line of the menu.
	Notice string
}

// Callback is a button press addressed to a frame.
type Callback struct {
	UserID  int64
	ChatID  int64
	StackID string
	FrameID string
	Action  string
	Arg     string
}

// ReplyPrefix marks /start payloads that answer a message of the destination.
const ReplyPrefix = "reply_"

// Start resets the user's main stack to the menu. Identity fields survive.
func (e *Engine) Start(ctx context.Context, req StartRequest) (Reply, error) {
	key := session.Key{UserID: req.UserID, StackID: session.DefaultStack}
	var form Form
	if prev, err := e.store.Get(ctx, key); err == nil {
		form, _ = LoadForm(prev.Data)
	} else if !errors.Is(err, session.ErrNotFound) {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	form.Clean()
	form.UserID = req.UserID
	if req.Username != "" {
		form.Username = req.Username
	}
	form.ReplyTo = 0
	if id, ok := strings.CutPrefix(req.Payload, ReplyPrefix); ok {
		form.ReplyTo, _ = strconv.Atoi(id)
	}
	form.Error = req.Notice

	sess := &session.Session{
		UserID:  req.UserID,
		ChatID:  req.ChatID,
		StackID: session.DefaultStack,
		Stack:   []session.Frame{newFrame(StateMenu)},
		Data:    form.Patch(),
	}
	if err := e.store.Put(ctx, sess); err != nil {
		return Reply{}, fmt.Errorf("store session: %w", err)
	}
	logger.Info(ctx, logger.CompDialog, "dialog.start",
		slog.String("to_state", string(StateMenu)),
		slog.String("frame", sess.Stack[0].ID),
		slog.Int("reply_to", form.ReplyTo),
	)
	tx := &Tx{Form: form, ctx: ctx, engine: e, sess: sess, version: sess.Version, from: StateMenu}
	return e.reply(tx), nil
}

// HandleMessage feeds an inbound message to the current state. A user without
// a session gets one implicitly.
func (e *Engine) HandleMessage(ctx context.Context, ev Event) (Reply, error) {
	frag := Classify(ev)
	key := session.Key{UserID: ev.UserID, StackID: session.DefaultStack}
	tx, err := e.run(ctx, key, ev.ChatID, true, func(tx *Tx) error {
		if ev.Username != "" {
			tx.Form.Username = ev.Username
		}
		spec, ok := e.router.spec(tx.State())
		if !ok || spec.OnContent == nil {
			return newFault(FaultOutdatedSession, "state %q takes no content", tx.State())
		}
		return spec.OnContent(tx, frag)
	})
	if err != nil {
		return Reply{}, err
	}
	logger.Debug(ctx, logger.CompDialog, "dialog.fragment",
		slog.String("content_kind", frag.Kind.String()),
		slog.String("state", string(tx.State())),
	)
	return e.reply(tx), nil
}

// HandleCallback runs a button action. The callback must address the top
// frame of a live session.
func (e *Engine) HandleCallback(ctx context.Context, cb Callback) (Reply, error) {
	stackID := cmp.Or(cb.StackID, session.DefaultStack)
	key := session.Key{UserID: cb.UserID, StackID: stackID}
	tx, err := e.run(ctx, key, cb.ChatID, false, func(tx *Tx) error {
		if err := checkFrame(tx.sess, cb.FrameID); err != nil {
			return err
		}
		h, ok := e.router.action(tx.State(), cb.Action)
		if !ok {
			return newFault(FaultStaleCallback, "action %q in state %s", cb.Action, tx.State())
		}
		return h(tx, cb.Arg)
	})
	if err != nil {
		return Reply{}, err
	}
	return e.reply(tx), nil
}

// Reset clears every stack of the user and restarts at the menu.
func (e *Engine) Reset(ctx context.Context, req StartRequest) (Reply, error) {
	n, err := e.store.PurgeUser(ctx, req.UserID)
	if err != nil {
		return Reply{}, fmt.Errorf("purge sessions: %w", err)
	}
	logger.Info(ctx, logger.CompSession, "session.purge", slog.Int("count", n))
	return e.Start(ctx, req)
}

func checkFrame(sess *session.Session, frameID string) error {
	top, ok := sess.Top()
	if !ok {
		return newFault(FaultOutdatedSession, "empty stack")
	}
	if frameID == "" || frameID == top.ID {
		return nil
	}
	idx := slices.IndexFunc(sess.Stack, func(f session.Frame) bool { return f.ID == frameID })
	if idx >= 0 {
		return newFault(FaultStaleCallback, "frame %s is below the top", frameID)
	}
	return newFault(FaultOutdatedSession, "frame %s is not on the stack", frameID)
}

// run loads, applies fn and commits, re-running fn when the commit loses a race.
func (e *Engine) run(ctx context.Context, key session.Key, chatID int64, create bool, fn func(*Tx) error) (*Tx, error) {
	for attempt := 0; ; attempt++ {
		tx, err := e.begin(ctx, key, chatID, create)
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			return nil, err
		}
		err = e.commit(ctx, tx)
		if err == nil {
			tx.logTransition()
			return tx, nil
		}
		if !errors.Is(err, session.ErrConflict) || attempt >= e.opts.CommitRetries {
			return nil, err
		}
		logger.Debug(ctx, logger.CompDialog, "dialog.retry",
			slog.Int("attempt", attempt+1),
			slog.String("state", string(tx.State())),
		)
	}
}

func (e *Engine) begin(ctx context.Context, key session.Key, chatID int64, create bool) (*Tx, error) {
	sess, err := e.store.Get(ctx, key)
	switch {
	case errors.Is(err, session.ErrNotFound) && create:
		sess = &session.Session{
			UserID:  key.UserID,
			ChatID:  chatID,
			StackID: key.StackID,
			Stack:   []session.Frame{newFrame(StateMenu)},
		}
		return &Tx{Form: Form{UserID: key.UserID}, ctx: ctx, engine: e, sess: sess, from: StateMenu}, nil
	case errors.Is(err, session.ErrNotFound):
		return nil, &Fault{Kind: FaultUnknownSession, Err: err}
	case err != nil:
		return nil, fmt.Errorf("load session: %w", err)
	}
	form, err := LoadForm(sess.Data)
	if err != nil {
		return nil, newFault(FaultOutdatedSession, "corrupt form: %w", err)
	}
	if chatID != 0 {
		sess.ChatID = chatID
	}
	return &Tx{
		Form:    form,
		ctx:     ctx,
		engine:  e,
		sess:    sess,
		version: sess.Version,
		from:    State(sess.State()),
	}, nil
}

func (e *Engine) commit(ctx context.Context, tx *Tx) error {
	if tx.readOnly {
		return nil
	}
	if tx.sideEffect {
		return e.commitOutcome(ctx, tx)
	}
	return e.swap(ctx, tx)
}

// commitOutcome stores the result of a side effect that already happened. A
// lost race reloads and reapplies the outcome fields and the top state, unless
// the submission or the frame was replaced meanwhile.
func (e *Engine) commitOutcome(ctx context.Context, tx *Tx) error {
	out := tx.Form
	top := tx.Frame()
	for range e.opts.CommitRetries + 1 {
		err := e.swapData(ctx, tx, out.OutcomePatch())
		if !errors.Is(err, session.ErrConflict) {
			return err
		}
		err = tx.Reload()
		var fault *Fault
		if errors.As(err, &fault) && fault.Kind == FaultUnknownSession {
			e.dropOutcome(ctx, out, "purged")
			tx.ReadOnly()
			return nil
		}
		if err != nil {
			return err
		}
		if tx.Form.SubmissionID != out.SubmissionID || tx.Frame().ID != top.ID {
			e.dropOutcome(ctx, out, "superseded")
			tx.ReadOnly()
			return nil
		}
		tx.Form.applyOutcome(out)
		tx.sess.Stack[len(tx.sess.Stack)-1].State = top.State
	}
	// not ErrConflict: run must not repeat the side effect
	return fmt.Errorf("store outcome: still conflicting after %d attempts", e.opts.CommitRetries+1)
}

func (e *Engine) dropOutcome(ctx context.Context, out Form, reason string) {
	logger.Warn(ctx, logger.CompDialog, "dialog.outcome",
		slog.String("status", "dropped"),
		slog.String("reason", reason),
		slog.String("submission_id", out.SubmissionID),
		slog.String("permalink", out.SentURL),
	)
}

func (e *Engine) swap(ctx context.Context, tx *Tx) error {
	return e.swapData(ctx, tx, tx.Form.Patch())
}

func (e *Engine) swapData(ctx context.Context, tx *Tx, data map[string]json.RawMessage) error {
	tx.sess.Data = data
	err := e.store.CompareAndSwap(ctx, tx.sess, tx.version)
	switch {
	case err == nil:
		tx.version = tx.sess.Version
		return nil
	case errors.Is(err, session.ErrConflict), errors.Is(err, session.ErrNotFound):
		return session.ErrConflict
	}
	return fmt.Errorf("store session: %w", err)
}

func (e *Engine) reply(tx *Tx) Reply {
	r := Reply{Notice: tx.notice, Alert: tx.alert}
	if spec, ok := e.router.spec(tx.State()); ok && spec.Render != nil {
		r.View = spec.Render(tx)
	}
	r.View.StackID = tx.StackID()
	r.View.FrameID = tx.Frame().ID
	return r
}
