package dialog

import "strings"

// Event is one inbound user message, already stripped of transport types.
type Event struct {
	UserID    int64
	ChatID    int64
	Username  string
	Private   bool
	MessageID int

	// Text is the message text or the media caption.
	Text  string
	Media *MediaRef
	Poll  bool
	// Unsupported names a content type the bot does not relay (sticker, voice...).
	Unsupported string
}

// FragmentKind is the classifier verdict.
type FragmentKind int

const (
	FragmentRejected FragmentKind = iota
	FragmentText
	FragmentMedia
	FragmentPoll
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentText:
		return "text"
	case FragmentMedia:
		return "media"
	case FragmentPoll:
		return "poll"
	}
	return "rejected"
}

// RejectReason says why a message was not accepted.
type RejectReason string

const (
	ReasonNone        RejectReason = ""
	ReasonUnsupported RejectReason = "unsupported"
	ReasonEmpty       RejectReason = "empty"
)

// Fragment is a classified piece of a submission.
type Fragment struct {
	Kind      FragmentKind
	Text      string
	Media     *MediaRef
	MessageID int
	ChatID    int64
	Reason    RejectReason
}

// Classify maps an event to exactly one fragment kind.
func Classify(ev Event) Fragment {
	frag := Fragment{MessageID: ev.MessageID, ChatID: ev.ChatID}
	switch {
	case ev.Unsupported != "":
		frag.Reason = ReasonUnsupported
	case ev.Poll:
		frag.Kind = FragmentPoll
	case ev.Media != nil:
		if ev.Media.Handle == "" || !ev.Media.Kind.IsMedia() {
			frag.Reason = ReasonUnsupported
			break
		}
		media := *ev.Media
		frag.Kind = FragmentMedia
		frag.Media = &media
		frag.Text = strings.TrimSpace(ev.Text)
	case strings.TrimSpace(ev.Text) == "":
		frag.Reason = ReasonEmpty
	default:
		frag.Kind = FragmentText
		frag.Text = ev.Text
	}
	return frag
}
