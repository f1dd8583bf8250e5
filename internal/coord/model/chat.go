package model

import (
	"time"

	"github.com/google/uuid"
)

// ChatSession is identified by its participant set: the SHA-256 over the
// sorted, deduplicated member agent ids is unique per project, so the same
// set of agents always lands in the same session.
type ChatSession struct {
	ID              uuid.UUID `json:"session_id"       db:"session_id"`
	ProjectID       uuid.UUID `json:"project_id"       db:"project_id"`
	ParticipantHash string    `json:"participant_hash" db:"participant_hash"`
	CreatedAt       time.Time `json:"created_at"       db:"created_at"`
}

// ChatParticipant is a member of a session with a snapshot alias that is
// refreshed on join.
type ChatParticipant struct {
	SessionID uuid.UUID `json:"session_id" db:"session_id"`
	AgentID   uuid.UUID `json:"agent_id"   db:"agent_id"`
	Alias     string    `json:"alias"      db:"alias"`
	JoinedAt  time.Time `json:"joined_at"  db:"joined_at"`
}

// ChatMessage is one message in a session. FromAlias is always the canonical
// alias read from the participants table, never client input.
type ChatMessage struct {
	ID            uuid.UUID `json:"message_id" db:"message_id"`
	SessionID     uuid.UUID `json:"session_id" db:"session_id"`
	FromAgentID   uuid.UUID `json:"from_agent_id" db:"from_agent_id"`
	FromAlias     string    `json:"from_alias" db:"from_alias"`
	Body          string    `json:"body"       db:"body"`
	SenderLeaving bool      `json:"sender_leaving" db:"sender_leaving"`
	HangOn        bool      `json:"hang_on"    db:"hang_on"`
	FromDID       string    `json:"from_did,omitempty"  db:"from_did"`
	ToDID         string    `json:"to_did,omitempty"    db:"to_did"`
	Signature     string    `json:"signature,omitempty" db:"signature"`
	SigningKeyID  string    `json:"signing_key_id,omitempty" db:"signing_key_id"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// ChatReadReceipt tracks how far an agent has read in a session. The
// referenced message's created_at only ever advances.
type ChatReadReceipt struct {
	SessionID         uuid.UUID `json:"session_id" db:"session_id"`
	AgentID           uuid.UUID `json:"agent_id"   db:"agent_id"`
	LastReadMessageID uuid.UUID `json:"last_read_message_id" db:"last_read_message_id"`
	LastReadAt        time.Time `json:"last_read_at" db:"last_read_at"`
}

// PendingSession summarizes one session with unread activity for an agent.
type PendingSession struct {
	SessionID            uuid.UUID `json:"session_id"`
	Participants         []string  `json:"participants"`
	LastMessageFrom      string    `json:"last_message_from"`
	LastMessagePreview   string    `json:"last_message_preview"`
	LastMessageAt        time.Time `json:"last_message_at"`
	MessagesWaiting      int       `json:"messages_waiting"`
	SenderWaiting        bool      `json:"sender_waiting"`
	TimeRemainingSeconds int       `json:"time_remaining_seconds"`
}
