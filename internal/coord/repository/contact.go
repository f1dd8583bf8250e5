package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// ContactRepository persists per-project sender allowlists.
type ContactRepository struct {
	db *pgxpool.Pool
}

// NewContactRepository creates a ContactRepository.
func NewContactRepository(db *pgxpool.Pool) *ContactRepository {
	return &ContactRepository{db: db}
}

const contactColumns = `contact_id, project_id, contact_address, COALESCE(label, ''), created_at`

func scanContact(row pgx.Row) (*model.Contact, error) {
	var c model.Contact
	err := row.Scan(&c.ID, &c.ProjectID, &c.Address, &c.Label, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create adds a contact address. ErrDuplicate when already present.
func (r *ContactRepository) Create(ctx context.Context, projectID uuid.UUID, address, label string) (*model.Contact, error) {
	c, err := scanContact(r.db.QueryRow(ctx,
		`INSERT INTO contacts (project_id, contact_address, label)
		 VALUES ($1, $2, NULLIF($3, ''))
		 ON CONFLICT (project_id, contact_address) DO NOTHING
		 RETURNING `+contactColumns,
		projectID, address, label))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrDuplicate
	}
	return c, err
}

// List returns a project's contacts ordered by address.
func (r *ContactRepository) List(ctx context.Context, projectID uuid.UUID) ([]*model.Contact, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+contactColumns+` FROM contacts
		 WHERE project_id = $1 ORDER BY contact_address`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes a contact by id. Idempotent.
func (r *ContactRepository) Delete(ctx context.Context, projectID, contactID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM contacts WHERE contact_id = $1 AND project_id = $2`,
		contactID, projectID)
	return err
}

// ExistsForAddresses reports whether the project allows any of the given
// sender addresses (exact "slug/alias" or org-level "slug").
func (r *ContactRepository) ExistsForAddresses(ctx context.Context, projectID uuid.UUID, exact, org string) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx,
		`SELECT 1 FROM contacts
		 WHERE project_id = $1 AND contact_address IN ($2, $3)`,
		projectID, exact, org).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
