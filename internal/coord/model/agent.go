package model

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus is the lifecycle state of an agent identity.
type AgentStatus string

const (
	AgentStatusActive       AgentStatus = "active"
	AgentStatusRetired      AgentStatus = "retired"
	AgentStatusDeregistered AgentStatus = "deregistered"
)

// Custody indicates who holds the agent's Ed25519 private key.
type Custody string

const (
	// CustodySelf — the client holds the key; the server only verifies.
	CustodySelf Custody = "self"
	// CustodyCustodial — the server holds an AEAD-encrypted seed and signs
	// on the agent's behalf.
	CustodyCustodial Custody = "custodial"
)

// Lifetime partitions agents by which lifecycle transitions they may take:
// persistent agents rotate and retire, ephemeral agents only deregister.
type Lifetime string

const (
	LifetimePersistent Lifetime = "persistent"
	LifetimeEphemeral  Lifetime = "ephemeral"
)

// AccessMode controls whether arbitrary senders may reach the agent.
type AccessMode string

const (
	AccessModeOpen         AccessMode = "open"
	AccessModeContactsOnly AccessMode = "contacts_only"
)

// Agent is an addressable identity within a project.
type Agent struct {
	ID            uuid.UUID   `json:"agent_id"    db:"agent_id"`
	ProjectID     uuid.UUID   `json:"project_id"  db:"project_id"`
	Alias         string      `json:"alias"       db:"alias"`
	HumanName     string      `json:"human_name"  db:"human_name"`
	AgentType     string      `json:"agent_type"  db:"agent_type"`
	AccessMode    AccessMode  `json:"access_mode" db:"access_mode"`
	DID           string      `json:"did,omitempty"        db:"did"`
	PublicKey     string      `json:"public_key,omitempty" db:"public_key"`
	Custody       Custody     `json:"custody,omitempty"    db:"custody"`
	SigningKeyEnc []byte      `json:"-"           db:"signing_key_enc"`
	Lifetime      Lifetime    `json:"lifetime"    db:"lifetime"`
	Status        AgentStatus `json:"status"      db:"status"`
	SuccessorID   *uuid.UUID  `json:"successor_agent_id,omitempty" db:"successor_agent_id"`
	CreatedAt     time.Time   `json:"created_at"  db:"created_at"`
	DeletedAt     *time.Time  `json:"-"           db:"deleted_at"`
}

// AgentLogOperation tags entries in the append-only agent log.
type AgentLogOperation string

const (
	AgentLogCreate     AgentLogOperation = "create"
	AgentLogRotate     AgentLogOperation = "rotate"
	AgentLogRetire     AgentLogOperation = "retire"
	AgentLogDeregister AgentLogOperation = "deregister"
)

// AgentLogEntry records one lifecycle transition. Entries are append-only.
type AgentLogEntry struct {
	ID             uuid.UUID         `json:"log_id"     db:"log_id"`
	AgentID        uuid.UUID         `json:"agent_id"   db:"agent_id"`
	ProjectID      uuid.UUID         `json:"project_id" db:"project_id"`
	Operation      AgentLogOperation `json:"operation"  db:"operation"`
	PriorDID       string            `json:"prior_did,omitempty"  db:"prior_did"`
	NewDID         string            `json:"new_did,omitempty"    db:"new_did"`
	SignedBy       string            `json:"signed_by,omitempty"  db:"signed_by"`
	EntrySignature string            `json:"entry_signature,omitempty" db:"entry_signature"`
	Metadata       map[string]any    `json:"metadata,omitempty"   db:"metadata"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
}

// RotationAnnouncement is written on key rotation and attached to the first
// mail from the rotator to each peer until that peer replies.
type RotationAnnouncement struct {
	ID      uuid.UUID `json:"announcement_id" db:"announcement_id"`
	AgentID uuid.UUID `json:"agent_id" db:"agent_id"`
	OldDID  string    `json:"old_did"  db:"old_did"`
	NewDID  string    `json:"new_did"  db:"new_did"`
	// Timestamp is kept as the exact string that was signed so peers can
	// re-verify the announcement byte for byte.
	Timestamp string    `json:"timestamp"  db:"rotation_timestamp"`
	Signature string    `json:"old_key_signature" db:"old_key_signature"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
