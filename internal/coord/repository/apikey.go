package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// APIKeyRepository persists hashed API keys. Plaintext keys are never stored;
// lookup is by SHA-256 hex digest.
type APIKeyRepository struct {
	db *pgxpool.Pool
}

// NewAPIKeyRepository creates an APIKeyRepository.
func NewAPIKeyRepository(db *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `key_id, project_id, agent_id, key_prefix, key_hash, is_active, last_used_at, created_at`

func scanAPIKey(row pgx.Row) (*model.APIKey, error) {
	var k model.APIKey
	err := row.Scan(&k.ID, &k.ProjectID, &k.AgentID, &k.KeyPrefix, &k.KeyHash, &k.IsActive, &k.LastUsedAt, &k.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Create inserts a key record. agentID may be nil for project-scoped keys.
func (r *APIKeyRepository) Create(ctx context.Context, q Querier, projectID uuid.UUID, agentID *uuid.UUID, keyPrefix, keyHash string) (*model.APIKey, error) {
	if q == nil {
		q = r.db
	}
	return scanAPIKey(q.QueryRow(ctx,
		`INSERT INTO api_keys (project_id, agent_id, key_prefix, key_hash)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+apiKeyColumns,
		projectID, agentID, keyPrefix, keyHash))
}

// GetActiveByHash resolves an active key by its digest.
func (r *APIKeyRepository) GetActiveByHash(ctx context.Context, keyHash string) (*model.APIKey, error) {
	return scanAPIKey(r.db.QueryRow(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = $1 AND is_active`, keyHash))
}

// TouchLastUsed records key usage. Failures here are non-fatal to auth.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, keyID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `UPDATE api_keys SET last_used_at = now() WHERE key_id = $1`, keyID)
	return err
}
