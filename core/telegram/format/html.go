// Package format renders text for Telegram's HTML parse mode.
package format

import (
	"fmt"
	"html"
	"strings"
)

// MaxMessageLen is the Bot API limit for a text message.
const MaxMessageLen = 4096

// MaxCaptionLen is the Bot API limit for a media caption.
const MaxCaptionLen = 1024

// EscapeHTML escapes the characters the HTML parse mode treats as markup.
func EscapeHTML(s string) string {
	return html.EscapeString(s)
}

// Link renders an anchor with escaped text.
func Link(text, url string) string {
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), EscapeHTML(text))
}

// Truncate cuts s to at most limit runes, marking the cut with an ellipsis.
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return strings.TrimRightFunc(string(r[:limit-1]), isSpace) + "…"
}

func isSpace(r rune) bool { return r == ' ' || r == '\n' || r == '\t' }
