// Package commands describes slash commands exposed by the bot.
package commands

import (
	tele "gopkg.in/telebot.v4"
)

// Command represents a bot command with its handler, description, and metadata.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	// AdminOnly commands run only for telegram.admin_id and are never listed.
	AdminOnly bool
	Hidden    bool
	// PrivateOnly commands are ignored in groups.
	PrivateOnly bool
	Aliases     []string
}
