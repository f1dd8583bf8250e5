package model

import (
	"time"

	"github.com/google/uuid"
)

// Reservation is a TTL-bounded exclusive lock on an opaque resource key.
// A row is logically absent once ExpiresAt <= now.
type Reservation struct {
	ProjectID     uuid.UUID      `json:"project_id"   db:"project_id"`
	ResourceKey   string         `json:"resource_key" db:"resource_key"`
	HolderAgentID uuid.UUID      `json:"holder_agent_id" db:"holder_agent_id"`
	HolderAlias   string         `json:"holder_alias" db:"holder_alias"`
	AcquiredAt    time.Time      `json:"acquired_at"  db:"acquired_at"`
	ExpiresAt     time.Time      `json:"expires_at"   db:"expires_at"`
	Metadata      map[string]any `json:"metadata"     db:"metadata"`
}
