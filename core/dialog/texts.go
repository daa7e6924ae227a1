package dialog

import "strings"

// Texts holds every user-visible string of the dialog.
type Texts struct {
	Greeting        string
	Ready           string
	Sent            string
	Collecting      string
	Unsupported     string
	EmptyText       string
	Conflict        string
	Empty           string
	DispatchFailed  string
	InProgress      string
	Interrupted     string
	Generic         string
	TooFast         string
	Help            string
	AuthorQuestion  string
	AuthorOptions   [3]string
	RecipientPrompt string
	RecipientEmpty  string
	RecipientLine   string
	SendButton      string
	MenuButton      string
	RecipientButton string
	BackButton      string
	ErrorPrefix     string
}

// DefaultTexts returns the English texts.
func DefaultTexts() Texts {
	return Texts{
		Greeting: "Hi! I am {bot} [{version}], I relay anonymous messages to {chat}.\n" +
			"Write what you want to send. I can also send a 📊 poll or media (hidden under a spoiler).",
		Ready:           "All set! Send it to {chat}?",
		Sent:            "Sent!",
		Collecting:      "Send a text, media or a poll.",
		Unsupported:     "Only text, media or a poll are accepted.",
		EmptyText:       "Error! There is no text.",
		Conflict:        "The message already holds a {have}, a {got} cannot be added.",
		Empty:           "Something went wrong, start over or write to the developer {developer}.",
		DispatchFailed:  "Could not send the message, please try again.",
		InProgress:      "Sending is already in progress.",
		Interrupted:     "The previous send was interrupted. Check {chat} before sending again.",
		Generic:         "Something went wrong, please try again.",
		TooFast:         "Too fast, slow down a little.",
		Help:            "Send me text, a photo, a video, a document, a GIF or a poll, then press Send.",
		AuthorQuestion:  "Was this made by you or found online?",
		AuthorOptions:   [3]string{"<empty>", "#not_mine", "#mine"},
		RecipientPrompt: "Who is the message for?",
		RecipientEmpty:  "Error! There is no text.",
		RecipientLine:   "For {recipient}",
		SendButton:      "✉️ Send!",
		MenuButton:      "Main menu",
		RecipientButton: "Choose recipient",
		BackButton:      "Back",
		ErrorPrefix:     "⚠️ ",
	}
}

// With fills the static placeholders: {bot}, {version}, {chat} and {developer}.
func (t Texts) With(info FlowInfo) Texts {
	r := strings.NewReplacer(
		"{bot}", info.BotName,
		"{version}", info.Version,
		"{chat}", info.ChatName,
		"{developer}", info.DeveloperContact,
	)
	t.Greeting = r.Replace(t.Greeting)
	t.Ready = r.Replace(t.Ready)
	t.Empty = r.Replace(t.Empty)
	t.Interrupted = r.Replace(t.Interrupted)
	t.Help = r.Replace(t.Help)
	return t
}
