package dialog

import (
	"errors"
	"strconv"
	"strings"
)

// Button actions.
const (
	ActionMenu      = "menu"
	ActionSend      = "send"
	ActionAuthor    = "author"
	ActionRecipient = "recipient"
	ActionBack      = "back"
)

// FlowInfo fills the placeholders of the texts.
type FlowInfo struct {
	BotName          string
	Version          string
	ChatName         string
	DeveloperContact string
	AskRecipient     bool
}

type flow struct {
	texts      Texts
	info       FlowInfo
	dispatcher *Dispatcher
}

// NewFlow builds the relay conversation: menu, collecting, confirm, sent and
// the optional recipient step.
func NewFlow(texts Texts, info FlowInfo, dispatcher *Dispatcher) *Router {
	f := &flow{
		texts:      texts.With(info),
		info:       info,
		dispatcher: dispatcher,
	}

	menuActions := map[string]ActionHandler{}
	if info.AskRecipient {
		menuActions[ActionRecipient] = f.askRecipient
	}
	sendActions := map[string]ActionHandler{
		ActionSend:   dispatcher.Confirm,
		ActionAuthor: f.setAuthor,
	}

	return NewRouter().
		Handle(StateMenu, StateSpec{OnContent: f.collect, Actions: menuActions, Render: f.renderMenu}).
		Handle(StateCollecting, StateSpec{OnContent: f.collect, Render: f.renderCollecting}).
		Handle(StateConfirm, StateSpec{OnContent: f.collect, Actions: sendActions, Render: f.renderConfirm}).
		Handle(StateSent, StateSpec{OnContent: f.collect, Actions: sendActions, Render: f.renderSent}).
		Handle(StateRecipient, StateSpec{
			OnContent: f.setRecipient,
			Actions:   map[string]ActionHandler{ActionBack: f.back},
			Render:    f.renderRecipient,
		}).
		Global(ActionMenu, f.menu)
}

func (f *flow) collect(tx *Tx, frag Fragment) error {
	switch f.dispatcher.claim(tx.Form) {
	case claimActive:
		// the submission is being sent as it stands
		tx.ReadOnly()
		tx.Notify(f.texts.InProgress, false)
		return nil
	case claimStale:
		f.dispatcher.release(tx)
	}
	if tx.State() == StateSent {
		tx.Form.Clean()
	}
	form := &tx.Form
	switch frag.Kind {
	case FragmentText:
		form.AppendText(frag.Text)
	case FragmentMedia:
		if err := form.AppendMedia(*frag.Media); err != nil {
			return f.reject(tx, f.conflictText(err))
		}
		if frag.Text != "" {
			form.AppendText(frag.Text)
		}
	case FragmentPoll:
		if err := form.RecordPoll(frag.MessageID, frag.ChatID); err != nil {
			return f.reject(tx, f.conflictText(err))
		}
	default:
		msg := f.texts.Unsupported
		if frag.Reason == ReasonEmpty {
			msg = f.texts.EmptyText
		}
		return f.reject(tx, msg)
	}
	if form.Kind != KindPoll {
		form.MessageID = frag.MessageID
	}
	form.Error = ""
	return tx.SwitchTo(StateConfirm)
}

// reject keeps a still sendable submission in confirm, anything else goes to collecting.
func (f *flow) reject(tx *Tx, msg string) error {
	tx.Form.Reject(msg)
	if tx.Form.HasContent() {
		return tx.SwitchTo(StateConfirm)
	}
	return tx.SwitchTo(StateCollecting)
}

func (f *flow) conflictText(err error) string {
	var conflict *KindConflictError
	if !errors.As(err, &conflict) {
		return f.texts.Unsupported
	}
	return strings.NewReplacer("{have}", string(conflict.Have), "{got}", string(conflict.Got)).Replace(f.texts.Conflict)
}

func (f *flow) setAuthor(tx *Tx, arg string) error {
	n, err := strconv.Atoi(arg)
	if err != nil || n < int(AuthorNone) || n > int(AuthorMine) {
		return newFault(FaultStaleCallback, "author option %q", arg)
	}
	if tx.Form.Author == Author(n) {
		return &Fault{Kind: FaultNotModified}
	}
	tx.Form.Author = Author(n)
	return nil
}

func (f *flow) menu(tx *Tx, _ string) error {
	tx.ResetStack()
	return nil
}

func (f *flow) askRecipient(tx *Tx, _ string) error {
	return tx.Push(StateRecipient)
}

func (f *flow) back(tx *Tx, _ string) error {
	return tx.Pop()
}

func (f *flow) setRecipient(tx *Tx, frag Fragment) error {
	text := strings.TrimSpace(frag.Text)
	if frag.Kind != FragmentText || text == "" {
		tx.Form.Reject(f.texts.RecipientEmpty)
		return nil
	}
	tx.Form.Recipient = text
	tx.Form.Error = ""
	return tx.Pop()
}

func (f *flow) menuRow() []Button {
	return []Button{{Label: f.texts.MenuButton, Action: ActionMenu}}
}

func (f *flow) renderMenu(tx *Tx) View {
	v := View{Text: f.texts.Greeting, Error: tx.Form.Error}
	if f.info.AskRecipient {
		label := f.texts.RecipientButton
		if tx.Form.Recipient != "" {
			label += ": " + tx.Form.Recipient
		}
		v.Rows = append(v.Rows, []Button{{Label: label, Action: ActionRecipient}})
	}
	return v
}

func (f *flow) renderCollecting(tx *Tx) View {
	return View{Text: f.texts.Collecting, Error: tx.Form.Error, Rows: [][]Button{f.menuRow()}}
}

func (f *flow) renderConfirm(tx *Tx) View {
	v := View{Text: f.texts.Ready, Error: tx.Form.Error}
	f.addAuthor(tx, &v)
	v.Rows = append(v.Rows,
		[]Button{{Label: f.texts.SendButton, Action: ActionSend}},
		f.menuRow(),
	)
	return v
}

func (f *flow) renderSent(tx *Tx) View {
	v := View{Error: tx.Form.Error}
	if tx.Form.Error == "" {
		if tx.Form.SentURL != "" {
			v.Link = &Link{Text: f.texts.Sent, URL: tx.Form.SentURL}
		} else {
			v.Text = f.texts.Sent
		}
	}
	f.addAuthor(tx, &v)
	v.Rows = append(v.Rows, f.menuRow())
	return v
}

func (f *flow) renderRecipient(tx *Tx) View {
	return View{
		Text:  f.texts.RecipientPrompt,
		Error: tx.Form.Error,
		Rows:  [][]Button{{{Label: f.texts.BackButton, Action: ActionBack}}},
	}
}

// addAuthor appends the attribution question and radio, shown only for media.
func (f *flow) addAuthor(tx *Tx, v *View) {
	if !tx.Form.Kind.IsMedia() {
		return
	}
	v.Text = strings.TrimSpace(v.Text + "\n\n" + f.texts.AuthorQuestion)
	row := make([]Button, 0, len(f.texts.AuthorOptions))
	for i, label := range f.texts.AuthorOptions {
		mark := "⚪️ "
		if Author(i) == tx.Form.Author {
			mark = "🔘 "
		}
		row = append(row, Button{Label: mark + label, Action: ActionAuthor, Arg: strconv.Itoa(i)})
	}
	v.Rows = append(v.Rows, row)
}
