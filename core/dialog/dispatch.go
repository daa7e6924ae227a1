package dialog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"

	"github.com/m3rciful/relaybot/core/logger"
	"github.com/m3rciful/relaybot/core/session"
)

// ErrEmptySubmission is logged when confirm is pressed with nothing to send.
var ErrEmptySubmission = errors.New("dialog: empty submission")

// Delivery identifies a message posted to the destination.
type Delivery struct {
	ChatID    int64
	MessageID int
}

// SendOptions are per-message flags of an outbound send.
type SendOptions struct {
	ReplyTo int
	Spoiler bool
}

// Channel is the outbound side of the destination chat.
type Channel interface {
	SendText(ctx context.Context, chatID int64, text string, opts SendOptions) (Delivery, error)
	SendMedia(ctx context.Context, chatID int64, media []MediaRef, caption string, opts SendOptions) (Delivery, error)
	ForwardPoll(ctx context.Context, chatID, fromChatID int64, messageID int, opts SendOptions) (Delivery, error)
}

// Receipt is handed to the journal after a successful send.
type Receipt struct {
	SubmissionID string
	UserID       int64
	ChatID       int64
	MessageID    int
	Permalink    string
	Kind         ContentKind
}

// Journal records deliveries. Record must ignore a repeated submission id.
type Journal interface {
	Record(ctx context.Context, r Receipt) error
}

// Destination is the chat submissions are relayed to.
type Destination struct {
	ChatID   int64
	Username string
	Name     string
	Spoiler  bool
}

// Link builds the permalink of a destination message.
func (d Destination) Link(messageID int) string {
	if d.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", d.Username, messageID)
	}
	id := strconv.FormatInt(d.ChatID, 10)
	id = strings.TrimPrefix(id, "-100")
	id = strings.TrimPrefix(id, "-")
	return fmt.Sprintf("https://t.me/c/%s/%d", id, messageID)
}

// DispatchOptions bound the send.
type DispatchOptions struct {
	MaxDuration     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	DuplicateWait   time.Duration
	PollInterval    time.Duration
	// IsTransient reports errors worth counting against the breaker.
	IsTransient func(error) bool
	// Clock stamps claims. Defaults to time.Now.
	Clock func() time.Time
}

// Dispatcher sends confirmed submissions at most once.
type Dispatcher struct {
	channel Channel
	dest    Destination
	journal Journal
	texts   Texts
	opts    DispatchOptions
	breaker *gobreaker.CircuitBreaker[Delivery]
}

// NewDispatcher builds a dispatcher. journal may be nil.
func NewDispatcher(channel Channel, dest Destination, journal Journal, texts Texts, opts DispatchOptions) *Dispatcher {
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerTimeout == 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.IsTransient == nil {
		opts.IsTransient = func(error) bool { return true }
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	d := &Dispatcher{channel: channel, dest: dest, journal: journal, texts: texts, opts: opts}
	d.breaker = gobreaker.NewCircuitBreaker[Delivery](gobreaker.Settings{
		Name:        "destination:" + strconv.FormatInt(dest.ChatID, 10),
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(logger.Background(), logger.CompDispatch, "dispatch.breaker",
				slog.String("breaker", name),
				slog.String("from_state", from.String()),
				slog.String("to_state", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !opts.IsTransient(err)
		},
	})
	return d
}

const claimAttempts = 3

type claimStatus int

const (
	claimNone claimStatus = iota
	claimActive
	claimStale
)

// claim classifies the send claim held on f. A claim outliving the longest
// possible send plus the duplicate wait belongs to a holder that died before
// storing its outcome.
func (d *Dispatcher) claim(f Form) claimStatus {
	if f.SentMarker == "" || f.SentMarker != f.SubmissionID || f.SentURL != "" {
		return claimNone
	}
	if d.opts.MaxDuration <= 0 {
		return claimActive
	}
	age := d.opts.Clock().Sub(time.UnixMilli(f.ClaimedAt))
	if f.ClaimedAt == 0 || age > d.opts.MaxDuration+d.opts.DuplicateWait {
		return claimStale
	}
	return claimActive
}

// release drops a stale claim. The content moves to a new submission id so a
// resend is never mistaken for the lost one.
func (d *Dispatcher) release(tx *Tx) {
	f := &tx.Form
	logger.Warn(tx.Context(), logger.CompDispatch, "dispatch.claim",
		slog.String("outcome", "abandoned"),
		slog.String("submission_id", f.SubmissionID),
		slog.Time("claimed_at", time.UnixMilli(f.ClaimedAt)),
	)
	f.SubmissionID = ulid.Make().String()
	f.SentMarker = ""
	f.ClaimedAt = 0
}

// Confirm is the "send" action. It claims the submission with a version-checked
// write, sends it and stores the permalink. A confirm that finds the claim taken
// only redisplays the outcome of the first one.
func (d *Dispatcher) Confirm(tx *Tx, _ string) error {
	ctx := tx.Context()
	for range claimAttempts {
		f := &tx.Form
		switch {
		case d.claim(*f) == claimStale:
			d.release(tx)
			f.Error = d.texts.Interrupted
			return tx.SwitchTo(StateConfirm)
		case f.SentMarker != "" && f.SentMarker == f.SubmissionID:
			return d.awaitOutcome(tx)
		case !f.HasContent():
			logger.Warn(ctx, logger.CompDispatch, "dispatch.empty",
				slog.String("status", "fail"),
				slog.String("err", ErrEmptySubmission.Error()),
			)
			tx.ResetStack()
			tx.Form.Error = d.texts.Empty
			return nil
		}

		f.SentMarker = f.SubmissionID
		f.ClaimedAt = d.opts.Clock().UnixMilli()
		f.Error = ""
		err := tx.Checkpoint()
		if errors.Is(err, session.ErrConflict) {
			logger.Debug(ctx, logger.CompDispatch, "dispatch.claim",
				slog.String("outcome", "conflict"),
				slog.String("submission_id", f.SubmissionID),
			)
			if err := tx.Reload(); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}
		return d.deliver(tx)
	}
	return fmt.Errorf("dispatch: claim not acquired after %d attempts", claimAttempts)
}

func (d *Dispatcher) deliver(tx *Tx) error {
	ctx := tx.Context()
	f := &tx.Form
	start := time.Now()

	sendCtx := ctx
	if d.opts.MaxDuration > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.opts.MaxDuration)
		defer cancel()
	}
	delivery, err := d.breaker.Execute(func() (Delivery, error) {
		return d.send(sendCtx, f)
	})
	attrs := []slog.Attr{
		slog.String("submission_id", f.SubmissionID),
		slog.String("content_kind", string(f.Kind)),
		slog.Int64("dest_chat_id", d.dest.ChatID),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		logger.Error(ctx, logger.CompDispatch, "dispatch.send", append(attrs,
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)...)
		f.SentMarker = ""
		f.ClaimedAt = 0
		f.Error = d.texts.DispatchFailed
		return nil
	}

	f.SentURL = d.dest.Link(delivery.MessageID)
	f.Error = ""
	if err := tx.SwitchTo(StateSent); err != nil {
		return err
	}
	logger.Info(ctx, logger.CompDispatch, "dispatch.sent", append(attrs,
		slog.String("status", "ok"),
		slog.Int("message_id", delivery.MessageID),
		slog.String("permalink", f.SentURL),
	)...)

	if d.journal != nil {
		err := d.journal.Record(ctx, Receipt{
			SubmissionID: f.SubmissionID,
			UserID:       tx.UserID(),
			ChatID:       delivery.ChatID,
			MessageID:    delivery.MessageID,
			Permalink:    f.SentURL,
			Kind:         f.Kind,
		})
		if err != nil {
			logger.Warn(ctx, logger.CompDispatch, "dispatch.journal",
				slog.String("status", "fail"),
				slog.String("submission_id", f.SubmissionID),
				slog.String("err", err.Error()),
			)
		}
	}
	return nil
}

// awaitOutcome waits for the claim holder to store its result, then shows it.
func (d *Dispatcher) awaitOutcome(tx *Tx) error {
	ctx := tx.Context()
	deadline := time.Now().Add(d.opts.DuplicateWait)
	for tx.Form.SentURL == "" {
		if tx.Form.SentMarker == "" || !time.Now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.PollInterval):
		}
		if err := tx.Reload(); err != nil {
			return err
		}
	}
	tx.ReadOnly()
	outcome := "duplicate"
	switch {
	case tx.Form.SentURL != "":
	case tx.Form.SentMarker == "":
		outcome = "fail"
	default:
		outcome = "pending"
		tx.Notify(d.texts.InProgress, false)
	}
	logger.Info(ctx, logger.CompDispatch, "dispatch.duplicate",
		slog.String("outcome", outcome),
		slog.String("submission_id", tx.Form.SubmissionID),
		slog.String("permalink", tx.Form.SentURL),
	)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, f *Form) (Delivery, error) {
	opts := SendOptions{ReplyTo: f.ReplyTo}
	switch {
	case f.Kind == KindPoll:
		return d.channel.ForwardPoll(ctx, d.dest.ChatID, f.SourceChatID, f.MessageID, opts)
	case f.Kind.IsMedia():
		opts.Spoiler = d.dest.Spoiler && f.Kind.Spoilable()
		return d.channel.SendMedia(ctx, d.dest.ChatID, f.Media, d.caption(f), opts)
	}
	return d.channel.SendText(ctx, d.dest.ChatID, d.caption(f), opts)
}

func (d *Dispatcher) caption(f *Form) string {
	var lines []string
	if f.Recipient != "" {
		lines = append(lines, strings.ReplaceAll(d.texts.RecipientLine, "{recipient}", f.Recipient))
	}
	if text := f.Caption(); text != "" {
		lines = append(lines, text)
	}
	if tag := f.Author.Tag(); tag != "" && f.Kind.IsMedia() {
		lines = append(lines, tag)
	}
	return strings.Join(lines, "\n")
}
