package model

import (
	"time"

	"github.com/google/uuid"
)

// Contact authorizes a cross-project sender address ("slug" or "slug/alias")
// to reach contacts_only agents in this project.
type Contact struct {
	ID        uuid.UUID `json:"contact_id" db:"contact_id"`
	ProjectID uuid.UUID `json:"project_id" db:"project_id"`
	Address   string    `json:"contact_address" db:"contact_address"`
	Label     string    `json:"label,omitempty" db:"label"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
