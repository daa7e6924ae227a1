package keyboard

import tele "gopkg.in/telebot.v4"

// InlineBtn describes one callback button. Data parts are joined with "|".
type InlineBtn struct {
	Text   string
	Unique string
	Data   []string
}

// InlineButtonsRows builds an inline keyboard from rows of InlineBtn.
// Empty rows are skipped; no rows yields nil so the message carries no keyboard.
func InlineButtonsRows(rows ...[]InlineBtn) *tele.ReplyMarkup {
	markup := &tele.ReplyMarkup{}
	inline := make([][]tele.InlineButton, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		r := make([]tele.InlineButton, len(row))
		for j, btn := range row {
			r[j] = *markup.Data(btn.Text, btn.Unique, btn.Data...).Inline()
		}
		inline = append(inline, r)
	}
	if len(inline) == 0 {
		return nil
	}
	markup.InlineKeyboard = inline
	return markup
}
