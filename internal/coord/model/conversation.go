package model

import "time"

// Conversation kinds.
const (
	ConversationMail = "mail"
	ConversationChat = "chat"
)

// ConversationSummary is one row in the unified mail+chat conversation view.
// Mail conversations are keyed by thread id (or the lone message id); chat
// conversations by session id.
type ConversationSummary struct {
	Type               string    `json:"conversation_type"`
	ID                 string    `json:"conversation_id"`
	Participants       []string  `json:"participants"`
	Subject            string    `json:"subject"`
	LastMessageAt      time.Time `json:"last_message_at"`
	LastMessageFrom    string    `json:"last_message_from"`
	LastMessagePreview string    `json:"last_message_preview"`
	UnreadCount        int       `json:"unread_count"`
}
