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

// AgentRepository persists agent identities and their lifecycle log.
type AgentRepository struct {
	db *pgxpool.Pool
}

// NewAgentRepository creates an AgentRepository.
func NewAgentRepository(db *pgxpool.Pool) *AgentRepository {
	return &AgentRepository{db: db}
}

const agentColumns = `agent_id, project_id, alias, human_name, agent_type, access_mode,
	COALESCE(did, ''), COALESCE(public_key, ''), COALESCE(custody, ''),
	signing_key_enc, lifetime, status, successor_agent_id, created_at, deleted_at`

func scanAgent(row pgx.Row) (*model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.ProjectID, &a.Alias, &a.HumanName, &a.AgentType, &a.AccessMode,
		&a.DID, &a.PublicKey, &a.Custody,
		&a.SigningKeyEnc, &a.Lifetime, &a.Status, &a.SuccessorID, &a.CreatedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByID returns an agent in project scope, including retired and
// deregistered rows so callers can answer with successor info.
func (r *AgentRepository) GetByID(ctx context.Context, projectID, agentID uuid.UUID) (*model.Agent, error) {
	return scanAgent(r.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1 AND project_id = $2`,
		agentID, projectID))
}

// GetAnyByID returns an agent without project scoping. Used by internal
// paths (custodial signing, auth binding) that already hold a trusted id.
func (r *AgentRepository) GetAnyByID(ctx context.Context, agentID uuid.UUID) (*model.Agent, error) {
	return scanAgent(r.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID))
}

// GetLiveByAlias returns the live agent holding an alias in a project.
func (r *AgentRepository) GetLiveByAlias(ctx context.Context, q Querier, projectID uuid.UUID, alias string) (*model.Agent, error) {
	if q == nil {
		q = r.db
	}
	return scanAgent(q.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE project_id = $1 AND alias = $2 AND deleted_at IS NULL`,
		projectID, alias))
}

// ListByProject returns live agents in a project ordered by alias.
func (r *AgentRepository) ListByProject(ctx context.Context, projectID uuid.UUID) ([]*model.Agent, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE project_id = $1 AND deleted_at IS NULL
		 ORDER BY alias`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListLiveAliases returns the aliases currently held in a project.
func (r *AgentRepository) ListLiveAliases(ctx context.Context, q Querier, projectID uuid.UUID) ([]string, error) {
	if q == nil {
		q = r.db
	}
	rows, err := q.Query(ctx,
		`SELECT alias FROM agents WHERE project_id = $1 AND deleted_at IS NULL`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []string
	for rows.Next() {
		var alias string
		if err := rows.Scan(&alias); err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, rows.Err()
}

// Create inserts a new agent. Returns ErrDuplicate when the alias is already
// held by a live agent in the project.
func (r *AgentRepository) Create(ctx context.Context, q Querier, a *model.Agent) (*model.Agent, error) {
	if q == nil {
		q = r.db
	}
	created, err := scanAgent(q.QueryRow(ctx,
		`INSERT INTO agents
		    (agent_id, project_id, alias, human_name, agent_type, access_mode,
		     did, public_key, custody, signing_key_enc, lifetime, status)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12)
		 RETURNING `+agentColumns,
		a.ID, a.ProjectID, a.Alias, a.HumanName, a.AgentType, a.AccessMode,
		a.DID, a.PublicKey, a.Custody, a.SigningKeyEnc, a.Lifetime, a.Status))
	if isUniqueViolation(err) {
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// UpdateAccessMode flips an agent's contact gating.
func (r *AgentRepository) UpdateAccessMode(ctx context.Context, projectID, agentID uuid.UUID, mode model.AccessMode) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET access_mode = $3
		 WHERE agent_id = $1 AND project_id = $2 AND deleted_at IS NULL`,
		agentID, projectID, mode)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearSigningKey drops an agent's custodial key blob.
func (r *AgentRepository) ClearSigningKey(ctx context.Context, agentID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE agents SET signing_key_enc = NULL
		 WHERE agent_id = $1 AND deleted_at IS NULL`, agentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendLog writes one lifecycle entry.
func (r *AgentRepository) AppendLog(ctx context.Context, q Querier, e *model.AgentLogEntry) error {
	if q == nil {
		q = r.db
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	_, err := q.Exec(ctx,
		`INSERT INTO agent_log
		    (agent_id, project_id, operation, prior_did, new_did, signed_by, entry_signature, metadata)
		 VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), $8)`,
		e.AgentID, e.ProjectID, e.Operation, e.PriorDID, e.NewDID, e.SignedBy, e.EntrySignature, meta)
	return err
}

// ListLog returns an agent's lifecycle entries oldest first.
func (r *AgentRepository) ListLog(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.AgentLogEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT log_id, agent_id, project_id, operation,
		        COALESCE(prior_did, ''), COALESCE(new_did, ''),
		        COALESCE(signed_by, ''), COALESCE(entry_signature, ''), metadata, created_at
		 FROM agent_log
		 WHERE agent_id = $1 AND project_id = $2
		 ORDER BY created_at ASC`, agentID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.AgentLogEntry
	for rows.Next() {
		var e model.AgentLogEntry
		if err := rows.Scan(&e.ID, &e.AgentID, &e.ProjectID, &e.Operation,
			&e.PriorDID, &e.NewDID, &e.SignedBy, &e.EntrySignature, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RotationParams carries the pieces written atomically during a rotation.
type RotationParams struct {
	AgentID           uuid.UUID
	ProjectID         uuid.UUID
	OldDID            string
	NewDID            string
	NewPublicKey      string
	NewCustody        model.Custody
	NewSigningKeyEnc  []byte
	RotationTimestamp string
	OldKeySignature   string
	EntrySignature    string
}

// Rotate swaps an agent's DID atomically: the agent row is locked, the DID
// must still match what the caller verified against, and the lifecycle log
// plus rotation announcement are written in the same transaction.
func (r *AgentRepository) Rotate(ctx context.Context, p RotationParams) (*model.Agent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE agent_id = $1 AND project_id = $2 AND deleted_at IS NULL
		 FOR UPDATE`, p.AgentID, p.ProjectID))
	if err != nil {
		return nil, err
	}
	if current.Status != model.AgentStatusActive || current.DID != p.OldDID {
		return nil, ErrNotFound
	}

	updated, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents SET did = $3, public_key = $4, custody = NULLIF($5, ''), signing_key_enc = $6
		 WHERE agent_id = $1 AND project_id = $2
		 RETURNING `+agentColumns,
		p.AgentID, p.ProjectID, p.NewDID, p.NewPublicKey, string(p.NewCustody), p.NewSigningKeyEnc))
	if err != nil {
		return nil, err
	}

	if err := r.AppendLog(ctx, tx, &model.AgentLogEntry{
		AgentID:        p.AgentID,
		ProjectID:      p.ProjectID,
		Operation:      model.AgentLogRotate,
		PriorDID:       p.OldDID,
		NewDID:         p.NewDID,
		SignedBy:       p.OldDID,
		EntrySignature: p.EntrySignature,
	}); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO rotation_announcements
		    (agent_id, old_did, new_did, rotation_timestamp, old_key_signature)
		 VALUES ($1, $2, $3, $4, $5)`,
		p.AgentID, p.OldDID, p.NewDID, p.RotationTimestamp, p.OldKeySignature); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

// Retire marks a persistent agent retired, optionally pointing at a
// successor, and clears the custodial key blob. The alias stays occupied.
func (r *AgentRepository) Retire(ctx context.Context, projectID, agentID uuid.UUID, successorID *uuid.UUID, entrySignature string) (*model.Agent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE agent_id = $1 AND project_id = $2 AND deleted_at IS NULL
		 FOR UPDATE`, agentID, projectID))
	if err != nil {
		return nil, err
	}
	if current.Status != model.AgentStatusActive {
		return nil, fmt.Errorf("agent is %s: %w", current.Status, ErrConflict)
	}

	updated, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents
		 SET status = 'retired', successor_agent_id = $3, signing_key_enc = NULL
		 WHERE agent_id = $1 AND project_id = $2
		 RETURNING `+agentColumns,
		agentID, projectID, successorID))
	if err != nil {
		return nil, err
	}

	if err := r.AppendLog(ctx, tx, &model.AgentLogEntry{
		AgentID:        agentID,
		ProjectID:      projectID,
		Operation:      model.AgentLogRetire,
		PriorDID:       current.DID,
		SignedBy:       current.DID,
		EntrySignature: entrySignature,
		Metadata:       retireMetadata(successorID),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}

func retireMetadata(successorID *uuid.UUID) map[string]any {
	if successorID == nil {
		return nil
	}
	return map[string]any{"successor_agent_id": successorID.String()}
}

// Deregister soft-deletes an agent, freeing its alias and destroying any
// custodial key material.
func (r *AgentRepository) Deregister(ctx context.Context, projectID, agentID uuid.UUID, entrySignature string) (*model.Agent, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE agent_id = $1 AND project_id = $2 AND deleted_at IS NULL
		 FOR UPDATE`, agentID, projectID))
	if err != nil {
		return nil, err
	}

	updated, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents
		 SET status = 'deregistered', deleted_at = now(), signing_key_enc = NULL
		 WHERE agent_id = $1 AND project_id = $2
		 RETURNING `+agentColumns,
		agentID, projectID))
	if err != nil {
		return nil, err
	}

	if err := r.AppendLog(ctx, tx, &model.AgentLogEntry{
		AgentID:        agentID,
		ProjectID:      projectID,
		Operation:      model.AgentLogDeregister,
		PriorDID:       current.DID,
		SignedBy:       current.DID,
		EntrySignature: entrySignature,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return updated, nil
}
