package telegram

import (
	"strings"

	"github.com/m3rciful/relaybot/core/dialog"
	"github.com/m3rciful/relaybot/core/telegram/callbacks"
	"github.com/m3rciful/relaybot/core/telegram/format"
	"github.com/m3rciful/relaybot/core/telegram/keyboard"

	tele "gopkg.in/telebot.v4"
)

// RenderView turns a dialog view into HTML and an inline keyboard whose
// buttons address the view's frame.
func RenderView(v dialog.View, errorPrefix string) (string, *tele.ReplyMarkup) {
	parts := make([]string, 0, 3)
	if v.Link != nil {
		parts = append(parts, format.Link(v.Link.Text, v.Link.URL))
	}
	if text := strings.TrimSpace(v.Text); text != "" {
		parts = append(parts, format.EscapeHTML(text))
	}
	if v.Error != "" {
		parts = append(parts, format.EscapeHTML(errorPrefix+v.Error))
	}
	text := format.Truncate(strings.Join(parts, "\n\n"), format.MaxMessageLen)

	rows := make([][]keyboard.InlineBtn, 0, len(v.Rows))
	for _, row := range v.Rows {
		btns := make([]keyboard.InlineBtn, 0, len(row))
		for _, b := range row {
			data := callbacks.Data{Action: b.Action, StackID: v.StackID, FrameID: v.FrameID, Arg: b.Arg}
			btns = append(btns, keyboard.InlineBtn{Text: b.Label, Unique: b.Action, Data: data.Values()})
		}
		rows = append(rows, btns)
	}
	return text, keyboard.InlineButtonsRows(rows...)
}
