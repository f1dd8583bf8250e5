// Package model defines the domain entities of the coordination service:
// projects (tenants), agents, mail messages, chat sessions, reservations,
// and contacts.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Project is a tenant. Agents, messages, sessions, and reservations are all
// scoped to exactly one project.
type Project struct {
	ID        uuid.UUID  `json:"project_id" db:"project_id"`
	Slug      string     `json:"slug"       db:"slug"`
	Name      string     `json:"name"       db:"name"`
	TenantID  *uuid.UUID `json:"tenant_id,omitempty" db:"tenant_id"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	DeletedAt *time.Time `json:"-"          db:"deleted_at"`
}

// APIKey authenticates a project (and optionally a single agent within it).
// Only the SHA-256 of the plaintext key is stored.
type APIKey struct {
	ID         uuid.UUID  `json:"key_id"     db:"key_id"`
	ProjectID  uuid.UUID  `json:"project_id" db:"project_id"`
	AgentID    *uuid.UUID `json:"agent_id,omitempty" db:"agent_id"`
	KeyPrefix  string     `json:"key_prefix" db:"key_prefix"`
	KeyHash    string     `json:"-"          db:"key_hash"`
	IsActive   bool       `json:"is_active"  db:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}
