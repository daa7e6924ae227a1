package callbacks

import tele "gopkg.in/telebot.v4"

// Key returns the action of the pressed button, "" for non-callback updates.
func Key(c tele.Context) string {
	k, _ := Split(c.Callback())
	return k
}
