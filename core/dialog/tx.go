package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/session"
)

// Tx is one handler invocation over a loaded session. Handlers mutate Form and
// the stack through it; nothing reaches the store until a checkpoint.
type Tx struct {
	Form Form

	ctx     context.Context
	engine  *Engine
	sess    *session.Session
	version uint64
	from    State

	notice     string
	alert      bool
	readOnly   bool
	sideEffect bool
}

// Context returns the handler context.
func (t *Tx) Context() context.Context { return t.ctx }

// UserID returns the session owner.
func (t *Tx) UserID() int64 { return t.sess.UserID }

// ChatID returns the chat the dialog lives in.
func (t *Tx) ChatID() int64 { return t.sess.ChatID }

// State returns the state of the top frame.
func (t *Tx) State() State { return State(t.sess.State()) }

// Frame returns the top frame.
func (t *Tx) Frame() session.Frame {
	f, _ := t.sess.Top()
	return f
}

// StackID returns the stack the session lives on.
func (t *Tx) StackID() string { return t.sess.StackID }

// Depth returns the number of frames on the stack.
func (t *Tx) Depth() int { return len(t.sess.Stack) }

// SwitchTo replaces the state of the top frame, keeping its id.
func (t *Tx) SwitchTo(st State) error {
	if err := checkTransition(t.State(), st); err != nil {
		return err
	}
	t.sess.Stack[len(t.sess.Stack)-1].State = string(st)
	return nil
}

// Push opens a nested frame.
func (t *Tx) Push(st State) error {
	if limit := t.engine.opts.MaxStackDepth; limit > 0 && len(t.sess.Stack) >= limit {
		return newFault(FaultStackOverflow, "push %s at depth %d", st, len(t.sess.Stack))
	}
	t.sess.Stack = append(t.sess.Stack, newFrame(st))
	return nil
}

// Pop closes the top frame and returns to its parent.
func (t *Tx) Pop() error {
	if len(t.sess.Stack) < 2 {
		return newFault(FaultOutdatedSession, "pop on root frame")
	}
	t.sess.Stack = t.sess.Stack[:len(t.sess.Stack)-1]
	return nil
}

// ResetStack replaces the stack with a single fresh menu frame and cleans the form.
func (t *Tx) ResetStack() {
	t.sess.Stack = []session.Frame{newFrame(StateMenu)}
	t.Form.Clean()
}

// Notify attaches a short notice to the reply.
func (t *Tx) Notify(text string, alert bool) {
	t.notice = text
	t.alert = alert
}

// ReadOnly marks the invocation as a pure redisplay; nothing is written.
func (t *Tx) ReadOnly() { t.readOnly = true }

// Checkpoint writes the current form and stack if nobody else wrote since the
// load or the previous checkpoint. It returns session.ErrConflict otherwise.
func (t *Tx) Checkpoint() error {
	if err := t.engine.swap(t.ctx, t); err != nil {
		return err
	}
	t.sideEffect = true
	return nil
}

// Reload discards local changes and reads the stored session again.
func (t *Tx) Reload() error {
	sess, err := t.engine.store.Get(t.ctx, t.sess.Key())
	if errors.Is(err, session.ErrNotFound) {
		return newFault(FaultUnknownSession, "reload user %d: %w", t.sess.UserID, err)
	}
	if err != nil {
		return fmt.Errorf("reload session: %w", err)
	}
	form, err := LoadForm(sess.Data)
	if err != nil {
		return err
	}
	t.sess = sess
	t.version = sess.Version
	t.Form = form
	t.readOnly = false
	return nil
}

func (t *Tx) logTransition() {
	to := t.State()
	if t.from == to {
		return
	}
	logger.Info(t.ctx, logger.CompDialog, "dialog.transition",
		slog.String("from_state", string(t.from)),
		slog.String("to_state", string(to)),
		slog.Int("depth", len(t.sess.Stack)),
		slog.String("frame", t.Frame().ID),
	)
}

func newFrame(st State) session.Frame {
	return session.Frame{ID: ulid.Make().String(), State: string(st)}
}
