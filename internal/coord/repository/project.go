package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// ProjectRepository provides tenant lookup and creation.
type ProjectRepository struct {
	db *pgxpool.Pool
}

// NewProjectRepository creates a ProjectRepository.
func NewProjectRepository(db *pgxpool.Pool) *ProjectRepository {
	return &ProjectRepository{db: db}
}

const projectColumns = `project_id, slug, name, tenant_id, created_at, deleted_at`

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	err := row.Scan(&p.ID, &p.Slug, &p.Name, &p.TenantID, &p.CreatedAt, &p.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns a live project by primary key.
func (r *ProjectRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	return scanProject(r.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE project_id = $1 AND deleted_at IS NULL`, id))
}

// GetBySlug returns a live project by slug.
func (r *ProjectRepository) GetBySlug(ctx context.Context, slug string) (*model.Project, error) {
	return scanProject(r.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE slug = $1 AND deleted_at IS NULL`, slug))
}

// Ensure finds or creates a project. When id is non-nil (cloud path) lookup
// is by primary key and slug is only used for the initial insert; otherwise
// lookup is by slug and the id is generated.
func (r *ProjectRepository) Ensure(ctx context.Context, q Querier, id *uuid.UUID, slug, name string, tenantID *uuid.UUID) (*model.Project, error) {
	if q == nil {
		q = r.db
	}

	var (
		p   *model.Project
		err error
	)
	if id != nil {
		p, err = scanProject(q.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE project_id = $1 AND deleted_at IS NULL`, *id))
		if errors.Is(err, ErrNotFound) {
			p, err = scanProject(q.QueryRow(ctx,
				`INSERT INTO projects (project_id, slug, name, tenant_id)
				 VALUES ($1, $2, $3, $4)
				 RETURNING `+projectColumns, *id, slug, name, tenantID))
		}
	} else {
		p, err = scanProject(q.QueryRow(ctx,
			`SELECT `+projectColumns+` FROM projects WHERE slug = $1 AND deleted_at IS NULL`, slug))
		if errors.Is(err, ErrNotFound) {
			p, err = scanProject(q.QueryRow(ctx,
				`INSERT INTO projects (slug, name) VALUES ($1, $2) RETURNING `+projectColumns, slug, name))
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ensure project: %w", err)
	}
	return p, nil
}
