package keyboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineButtonsRows(t *testing.T) {
	markup := InlineButtonsRows(
		[]InlineBtn{{Text: "Send", Unique: "send", Data: []string{"main", "F1", ""}}},
		nil,
		[]InlineBtn{
			{Text: "a", Unique: "author", Data: []string{"main", "F1", "1"}},
			{Text: "b", Unique: "author", Data: []string{"main", "F1", "2"}},
		},
	)
	require.NotNil(t, markup)
	require.Len(t, markup.InlineKeyboard, 2)
	assert.Equal(t, "Send", markup.InlineKeyboard[0][0].Text)
	// telebot prepends "\f<unique>|" when the markup is sent
	assert.Equal(t, "send", markup.InlineKeyboard[0][0].Unique)
	assert.Equal(t, "main|F1|", markup.InlineKeyboard[0][0].Data)
	assert.Equal(t, "author", markup.InlineKeyboard[1][1].Unique)
	assert.Equal(t, "main|F1|2", markup.InlineKeyboard[1][1].Data)
}

func TestInlineButtonsRowsEmpty(t *testing.T) {
	assert.Nil(t, InlineButtonsRows())
	assert.Nil(t, InlineButtonsRows(nil, []InlineBtn{}))
}
