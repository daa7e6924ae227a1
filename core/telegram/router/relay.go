package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/relaybot/core/dialog"
	"github.com/m3rciful/relaybot/core/logger"
	tg "github.com/m3rciful/relaybot/core/telegram"
	"github.com/m3rciful/relaybot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/relaybot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Engine is the dialog side the relay drives.
type Engine interface {
	Start(ctx context.Context, req dialog.StartRequest) (dialog.Reply, error)
	HandleMessage(ctx context.Context, ev dialog.Event) (dialog.Reply, error)
	HandleCallback(ctx context.Context, cb dialog.Callback) (dialog.Reply, error)
}

// Recoverer turns failures into a reply.
type Recoverer interface {
	Handle(ctx context.Context, scope dialog.Scope, err error) dialog.Outcome
}

const albumWindow = 30 * time.Second

// Relay translates Telegram updates into dialog operations and shows replies.
type Relay struct {
	engine   Engine
	recovery Recoverer
	texts    dialog.Texts

	mu     sync.Mutex
	albums map[string]time.Time
	now    func() time.Time
}

// NewRelay builds the update handlers.
func NewRelay(engine Engine, recovery Recoverer, texts dialog.Texts) *Relay {
	return &Relay{
		engine:   engine,
		recovery: recovery,
		texts:    texts,
		albums:   make(map[string]time.Time),
		now:      time.Now,
	}
}

// OnMessage feeds a private message to the engine.
func (r *Relay) OnMessage(c tele.Context) error {
	m := c.Message()
	if m == nil {
		return nil
	}
	ctx := tghelpers.BuildContext(c)
	ev := EventFrom(c)
	reply, err := r.engine.HandleMessage(ctx, ev)
	if err != nil {
		return r.fail(ctx, c, "", err)
	}
	if m.AlbumID != "" && reply.View.Error == "" && !r.firstOfAlbum(m.AlbumID) {
		// one confirmation per album
		return nil
	}
	return r.display(ctx, c, "", reply)
}

// OnCallback routes a button press to the frame it was rendered for.
func (r *Relay) OnCallback(c tele.Context) error {
	ctx := tghelpers.BuildContext(c)
	data, err := callbacks.Parse(c.Callback())
	if err != nil {
		// not one of ours, e.g. a keyboard from a previous bot version
		tghelpers.Respond(c, "", false)
		return nil
	}
	userID, chatID := tghelpers.Identity(c)
	reply, err := r.engine.HandleCallback(ctx, dialog.Callback{
		UserID:  userID,
		ChatID:  chatID,
		StackID: data.StackID,
		FrameID: data.FrameID,
		Action:  data.Action,
		Arg:     data.Arg,
	})
	if err != nil {
		return r.fail(ctx, c, data.Action, err)
	}
	return r.display(ctx, c, data.Action, reply)
}

// OnStart handles /start with an optional deep-link payload.
func (r *Relay) OnStart(c tele.Context) error {
	payload := ""
	if m := c.Message(); m != nil {
		payload = m.Payload
	}
	return r.start(c, payload)
}

// OnMenu handles /menu.
func (r *Relay) OnMenu(c tele.Context) error {
	return r.start(c, "")
}

// OnHelp answers /help.
func (r *Relay) OnHelp(c tele.Context) error {
	return tghelpers.SendText(c, r.texts.Help)
}

// OnLimited tells a user who sends too fast to slow down.
func (r *Relay) OnLimited(c tele.Context) error {
	if c.Callback() != nil {
		tghelpers.Respond(c, r.texts.TooFast, true)
		return nil
	}
	return tghelpers.SendText(c, r.texts.TooFast)
}

// OnPanic recovers the dialog after a handler panic.
func (r *Relay) OnPanic(c tele.Context, err error) error {
	action := ""
	if c.Callback() != nil {
		action = callbacks.Key(c)
	}
	return r.fail(tghelpers.BuildContext(c), c, action, err)
}

func (r *Relay) start(c tele.Context, payload string) error {
	ctx := tghelpers.BuildContext(c)
	userID, chatID := tghelpers.Identity(c)
	reply, err := r.engine.Start(ctx, dialog.StartRequest{
		UserID:   userID,
		ChatID:   chatID,
		Username: username(c),
		Payload:  payload,
	})
	if err != nil {
		return r.fail(ctx, c, dialog.ActionMenu, err)
	}
	return r.display(ctx, c, dialog.ActionMenu, reply)
}

// display shows reply; a transport failure goes through recovery.
func (r *Relay) display(ctx context.Context, c tele.Context, action string, reply dialog.Reply) error {
	if err := r.show(ctx, c, reply); err != nil {
		return r.fail(ctx, c, action, err)
	}
	return nil
}

// fail shows the recovery outcome for err. A second failure is only logged.
func (r *Relay) fail(ctx context.Context, c tele.Context, action string, err error) error {
	userID, chatID := tghelpers.Identity(c)
	out := r.recovery.Handle(ctx, dialog.Scope{
		UserID:   userID,
		ChatID:   chatID,
		Username: username(c),
		Private:  tghelpers.IsPrivate(c),
		Action:   action,
	}, err)
	if serr := r.show(ctx, c, out.Reply); serr != nil {
		logger.Error(ctx, logger.CompRecovery, "recovery.show",
			slog.String("status", "fail"),
			slog.String("err", serr.Error()),
		)
	}
	return nil
}

// show renders reply: callbacks edit the message they came from, messages get
// a new one.
func (r *Relay) show(ctx context.Context, c tele.Context, reply dialog.Reply) error {
	isCallback := c.Callback() != nil
	if isCallback {
		tghelpers.Respond(c, reply.Notice, reply.Alert || reply.Plain)
	}
	if reply.NoView {
		return nil
	}
	if reply.Plain {
		if isCallback || reply.Notice == "" {
			return nil
		}
		return tghelpers.SendText(c, reply.Notice)
	}
	if !isCallback && reply.Notice != "" {
		if err := tghelpers.SendText(c, reply.Notice); err != nil {
			return err
		}
	}

	text, markup := tg.RenderView(reply.View, r.texts.ErrorPrefix)
	if text == "" {
		return nil
	}
	if isCallback && c.Message() != nil {
		err := tghelpers.EditHTML(c, text, markup)
		if err == nil {
			return nil
		}
		if kind, ok := tg.MatchTransport(err); ok && kind == dialog.FaultNotModified {
			return nil
		}
		logger.Debug(ctx, logger.CompTG, "view.edit",
			slog.String("status", "fail"),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
	}
	return tghelpers.SendHTML(c, text, markup)
}

func (r *Relay) firstOfAlbum(albumID string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ts := range r.albums {
		if now.Sub(ts) > albumWindow {
			delete(r.albums, id)
		}
	}
	if _, seen := r.albums[albumID]; seen {
		return false
	}
	r.albums[albumID] = now
	return true
}

// EventFrom strips a Telegram message down to a dialog event. Animations are
// checked before documents because Telegram fills both for a GIF.
func EventFrom(c tele.Context) dialog.Event {
	m := c.Message()
	userID, chatID := tghelpers.Identity(c)
	ev := dialog.Event{
		UserID:   userID,
		ChatID:   chatID,
		Username: username(c),
		Private:  tghelpers.IsPrivate(c),
	}
	if m == nil {
		return ev
	}
	ev.MessageID = m.ID
	ev.Text = m.Text

	media := func(id string, kind dialog.ContentKind) {
		ev.Media = &dialog.MediaRef{Handle: id, Kind: kind}
		ev.Text = m.Caption
	}
	switch {
	case m.Animation != nil:
		media(m.Animation.FileID, dialog.KindAnimation)
	case m.Photo != nil:
		media(m.Photo.FileID, dialog.KindPhoto)
	case m.Video != nil:
		media(m.Video.FileID, dialog.KindVideo)
	case m.Document != nil:
		media(m.Document.FileID, dialog.KindDocument)
	case m.Poll != nil:
		ev.Poll = true
	case m.Sticker != nil:
		ev.Unsupported = "sticker"
	case m.Voice != nil:
		ev.Unsupported = "voice"
	case m.Audio != nil:
		ev.Unsupported = "audio"
	case m.VideoNote != nil:
		ev.Unsupported = "video_note"
	case m.Location != nil:
		ev.Unsupported = "location"
	case m.Contact != nil:
		ev.Unsupported = "contact"
	case m.Dice != nil:
		ev.Unsupported = "dice"
	}
	return ev
}

func username(c tele.Context) string {
	if u := c.Sender(); u != nil {
		return u.Username
	}
	return ""
}
