package model

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders mail loosely for display; delivery ignores it.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Message is an asynchronous mail item with inbox/ack semantics.
// FromAlias is a snapshot taken at send time and must equal the sender's
// canonical alias (alias-spoofing defense).
type Message struct {
	ID           uuid.UUID  `json:"message_id"  db:"message_id"`
	ProjectID    uuid.UUID  `json:"project_id"  db:"project_id"`
	FromAgentID  uuid.UUID  `json:"from_agent_id" db:"from_agent_id"`
	FromAlias    string     `json:"from_alias"  db:"from_alias"`
	ToAgentID    uuid.UUID  `json:"to_agent_id" db:"to_agent_id"`
	Subject      string     `json:"subject"     db:"subject"`
	Body         string     `json:"body"        db:"body"`
	Priority     Priority   `json:"priority"    db:"priority"`
	ThreadID     *uuid.UUID `json:"thread_id,omitempty" db:"thread_id"`
	FromDID      string     `json:"from_did,omitempty"  db:"from_did"`
	ToDID        string     `json:"to_did,omitempty"    db:"to_did"`
	Signature    string     `json:"signature,omitempty" db:"signature"`
	SigningKeyID string     `json:"signing_key_id,omitempty" db:"signing_key_id"`
	CreatedAt    time.Time  `json:"created_at"  db:"created_at"`
	ReadAt       *time.Time `json:"read_at,omitempty" db:"read_at"`
}

// InboxItem is a Message decorated with the pending rotation announcement
// from its sender, if one applies.
type InboxItem struct {
	Message
	RotationAnnouncement *RotationAnnouncement `json:"rotation_announcement,omitempty"`
}
