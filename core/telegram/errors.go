package telegram

import (
	"strings"

	"github.com/m3rciful/relaybot/core/dialog"
)

// benign Bot API answers that only mean the user raced the bot.
var transportFaults = []struct {
	fragment string
	kind     dialog.FaultKind
}{
	{"query is too old", dialog.FaultStaleCallback},
	{"query id is invalid", dialog.FaultStaleCallback},
	{"message to edit not found", dialog.FaultStaleCallback},
	{"message can't be edited", dialog.FaultStaleCallback},
	{"message is not modified", dialog.FaultNotModified},
}

// MatchTransport recognizes benign Bot API errors. It implements
// dialog.TransportMatcher.
func MatchTransport(err error) (dialog.FaultKind, bool) {
	if err == nil {
		return dialog.FaultUnknown, false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range transportFaults {
		if strings.Contains(msg, f.fragment) {
			return f.kind, true
		}
	}
	return dialog.FaultUnknown, false
}
