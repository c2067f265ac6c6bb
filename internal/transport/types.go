// Package transport holds the chat-platform neutral types shared by the
// notifier, the command handler and platform bindings.
package transport

import "strconv"

// ChatTarget addresses a channel (and optionally a forum thread).
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

func (t ChatTarget) String() string {
	if t.ThreadID != 0 {
		return strconv.FormatInt(t.ChatID, 10) + "/" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

// Message is one inbound text message.
type Message struct {
	ID           int
	Chat         ChatTarget
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	Private      bool
}

// Member is a recognized member of the bot's home chat.
type Member struct {
	ID       int64
	Username string
	Name     string
	// CanManage is the elevated permission that gates event administration.
	CanManage bool
}

// Mention renders an inline member mention in the core markup (see notifier.Embed).
func (m Member) Mention() string {
	return "<@" + strconv.FormatInt(m.ID, 10) + ">"
}
