// Package callbacks decodes inline button payloads of the dialog keyboard.
package callbacks

import (
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Sep joins the payload parts; telebot uses it between unique and data too.
const Sep = "|"

// ErrMalformed is returned for callback data that is not a dialog button.
var ErrMalformed = errors.New("callbacks: malformed payload")

// Data is a decoded dialog button press.
type Data struct {
	Action  string
	StackID string
	FrameID string
	Arg     string
}

// Values returns the parts passed to ReplyMarkup.Data after the unique.
func (d Data) Values() []string {
	return []string{d.StackID, d.FrameID, d.Arg}
}

// Split parses telebot's "\f<unique>|<payload>" encoding. Both a raw form feed
// and the escaped "\\f" prefix are accepted. When telebot already routed the
// callback, Unique is set and Data holds the bare payload.
func Split(cb *tele.Callback) (string, string) {
	if cb == nil {
		return "", ""
	}
	if cb.Unique != "" {
		return cb.Unique, cb.Data
	}
	raw := strings.TrimPrefix(cb.Data, "\f")
	raw = strings.TrimPrefix(raw, "\\f")
	unique, payload, _ := strings.Cut(raw, Sep)
	return strings.TrimSpace(unique), payload
}

// Parse decodes "<action>|<stack>|<frame>|<arg>". The arg may be empty.
func Parse(cb *tele.Callback) (Data, error) {
	action, payload := Split(cb)
	if action == "" {
		return Data{}, ErrMalformed
	}
	parts := strings.SplitN(payload, Sep, 3)
	if len(parts) < 2 || parts[1] == "" {
		return Data{}, ErrMalformed
	}
	d := Data{Action: action, StackID: parts[0], FrameID: parts[1]}
	if len(parts) == 3 {
		d.Arg = parts[2]
	}
	return d, nil
}
