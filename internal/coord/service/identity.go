package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/hooks"
	"github.com/beadhub/aweb/internal/identity"
	"github.com/beadhub/aweb/internal/presence"
)

const (
	apiKeyPrefix    = "aw_sk_"
	apiKeyPrefixLen = 12
)

// txStarter opens transactions. *pgxpool.Pool satisfies it.
type txStarter interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type identityProjectRepo interface {
	Ensure(ctx context.Context, q repository.Querier, id *uuid.UUID, slug, name string, tenantID *uuid.UUID) (*model.Project, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Project, error)
	GetBySlug(ctx context.Context, slug string) (*model.Project, error)
}

type identityAgentRepo interface {
	GetByID(ctx context.Context, projectID, agentID uuid.UUID) (*model.Agent, error)
	GetLiveByAlias(ctx context.Context, q repository.Querier, projectID uuid.UUID, alias string) (*model.Agent, error)
	ListByProject(ctx context.Context, projectID uuid.UUID) ([]*model.Agent, error)
	ListLiveAliases(ctx context.Context, q repository.Querier, projectID uuid.UUID) ([]string, error)
	Create(ctx context.Context, q repository.Querier, a *model.Agent) (*model.Agent, error)
	UpdateAccessMode(ctx context.Context, projectID, agentID uuid.UUID, mode model.AccessMode) error
	AppendLog(ctx context.Context, q repository.Querier, e *model.AgentLogEntry) error
	ListLog(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.AgentLogEntry, error)
	Rotate(ctx context.Context, p repository.RotationParams) (*model.Agent, error)
	Retire(ctx context.Context, projectID, agentID uuid.UUID, successorID *uuid.UUID, entrySignature string) (*model.Agent, error)
	Deregister(ctx context.Context, projectID, agentID uuid.UUID, entrySignature string) (*model.Agent, error)
}

type identityKeyRepo interface {
	Create(ctx context.Context, q repository.Querier, projectID uuid.UUID, agentID *uuid.UUID, keyPrefix, keyHash string) (*model.APIKey, error)
}

// IdentityService owns the agent identity lifecycle: bootstrap, alias
// allocation, key rotation, retirement, and deregistration.
type IdentityService struct {
	db       txStarter
	projects identityProjectRepo
	agents   identityAgentRepo
	keys     identityKeyRepo
	custody  *CustodyService
	presence *presence.Store
	hooks    *hooks.Dispatcher
	logger   *zap.Logger
}

// NewIdentityService wires the identity lifecycle service.
func NewIdentityService(db txStarter, projects identityProjectRepo, agents identityAgentRepo,
	keys identityKeyRepo, custody *CustodyService, pres *presence.Store,
	dispatcher *hooks.Dispatcher, logger *zap.Logger) *IdentityService {
	return &IdentityService{
		db:       db,
		projects: projects,
		agents:   agents,
		keys:     keys,
		custody:  custody,
		presence: pres,
		hooks:    dispatcher,
		logger:   logger,
	}
}

// BootstrapParams is the init request after handler-level decoding.
type BootstrapParams struct {
	ProjectID   *uuid.UUID
	ProjectSlug string
	ProjectName string
	TenantID    *uuid.UUID
	Alias       string
	HumanName   string
	AgentType   string
	Custody     model.Custody
	DID         string
	PublicKey   string
	Lifetime    model.Lifetime
}

// BootstrapResult is returned from init. APIKey is the only time the
// plaintext key is ever visible.
type BootstrapResult struct {
	ProjectID   uuid.UUID      `json:"project_id"`
	ProjectSlug string         `json:"project_slug"`
	ProjectName string         `json:"project_name"`
	AgentID     uuid.UUID      `json:"agent_id"`
	Alias       string         `json:"alias"`
	APIKey      string         `json:"api_key"`
	Created     bool           `json:"created"`
	DID         string         `json:"did,omitempty"`
	Custody     model.Custody  `json:"custody,omitempty"`
	Lifetime    model.Lifetime `json:"lifetime"`
}

// Bootstrap registers (or re-attaches to) an agent identity and mints a new
// API key for it. Project, agent, key, and create log entry are written in
// one transaction. Re-initializing an existing alias returns the existing
// identity with a fresh key and created=false.
func (s *IdentityService) Bootstrap(ctx context.Context, p BootstrapParams) (*BootstrapResult, error) {
	slug, err := ValidateProjectSlug(p.ProjectSlug)
	if err != nil {
		return nil, err
	}
	if p.Alias != "" {
		if p.Alias, err = ValidateAlias(p.Alias); err != nil {
			return nil, err
		}
	}
	if p.AgentType == "" {
		p.AgentType = "agent"
	}
	if p.Custody == "" {
		p.Custody = model.CustodyCustodial
	}
	if p.Lifetime == "" {
		p.Lifetime = model.LifetimePersistent
	}
	if p.Lifetime != model.LifetimePersistent && p.Lifetime != model.LifetimeEphemeral {
		return nil, &ErrValidation{Msg: "lifetime must be persistent or ephemeral"}
	}

	var (
		did, publicKey string
		signingKeyEnc  []byte
	)
	switch p.Custody {
	case model.CustodySelf:
		if p.DID == "" || p.PublicKey == "" {
			return nil, &ErrValidation{Msg: "did and public_key are required for self custody"}
		}
		raw, err := identity.DecodePublicKey(p.PublicKey)
		if err != nil {
			return nil, &ErrValidation{Msg: "public_key must be base64url-encoded Ed25519"}
		}
		derived, err := identity.DIDFromPublicKey(raw)
		if err != nil {
			return nil, &ErrValidation{Msg: err.Error()}
		}
		if derived != p.DID {
			return nil, &ErrValidation{Msg: "public_key does not match did"}
		}
		did, publicKey = p.DID, p.PublicKey
	case model.CustodyCustodial:
		seed, pub, err := identity.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		if did, err = identity.DIDFromPublicKey(pub); err != nil {
			return nil, err
		}
		publicKey = identity.EncodePublicKey(pub)
		blob, ok, err := s.custody.Encrypt(seed)
		if err != nil {
			return nil, err
		}
		if ok {
			signingKeyEnc = blob
		} else {
			s.logger.Warn("custody master key not configured; storing identity without signing key",
				zap.String("alias", p.Alias))
		}
	default:
		return nil, &ErrValidation{Msg: "custody must be self or custodial"}
	}

	plainKey, keyPrefix, keyHash, err := GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	project, err := s.projects.Ensure(ctx, tx, p.ProjectID, slug, p.ProjectName, p.TenantID)
	if err != nil {
		return nil, err
	}

	var (
		agent   *model.Agent
		created bool
	)
	if p.Alias != "" {
		agent, err = s.agents.GetLiveByAlias(ctx, tx, project.ID, p.Alias)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if agent == nil {
			agent, err = s.agents.Create(ctx, tx, &model.Agent{
				ID:            uuid.New(),
				ProjectID:     project.ID,
				Alias:         p.Alias,
				HumanName:     p.HumanName,
				AgentType:     p.AgentType,
				AccessMode:    model.AccessModeOpen,
				DID:           did,
				PublicKey:     publicKey,
				Custody:       p.Custody,
				SigningKeyEnc: signingKeyEnc,
				Lifetime:      p.Lifetime,
				Status:        model.AgentStatusActive,
			})
			if errors.Is(err, repository.ErrDuplicate) {
				return nil, &ErrConflict{Msg: fmt.Sprintf("alias %q is already taken", p.Alias)}
			}
			if err != nil {
				return nil, err
			}
			created = true
		}
	} else {
		agent, err = s.allocateAgent(ctx, tx, project.ID, p, did, publicKey, signingKeyEnc)
		if err != nil {
			return nil, err
		}
		created = true
	}

	if _, err := s.keys.Create(ctx, tx, project.ID, &agent.ID, keyPrefix, keyHash); err != nil {
		return nil, err
	}

	if created {
		if err := s.agents.AppendLog(ctx, tx, &model.AgentLogEntry{
			AgentID:   agent.ID,
			ProjectID: project.ID,
			Operation: model.AgentLogCreate,
			NewDID:    agent.DID,
			SignedBy:  agent.DID,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if created {
		s.hooks.Fire(ctx, hooks.EventAgentCreated, map[string]any{
			"agent_id":   agent.ID.String(),
			"alias":      agent.Alias,
			"project_id": project.ID.String(),
			"did":        agent.DID,
		})
	}

	return &BootstrapResult{
		ProjectID:   project.ID,
		ProjectSlug: project.Slug,
		ProjectName: project.Name,
		AgentID:     agent.ID,
		Alias:       agent.Alias,
		APIKey:      plainKey,
		Created:     created,
		DID:         agent.DID,
		Custody:     agent.Custody,
		Lifetime:    agent.Lifetime,
	}, nil
}

// allocateAgent walks the allocator order and inserts under the first free
// prefix, retrying on races with concurrent inits.
func (s *IdentityService) allocateAgent(ctx context.Context, tx pgx.Tx, projectID uuid.UUID,
	p BootstrapParams, did, publicKey string, signingKeyEnc []byte) (*model.Agent, error) {
	existing, err := s.agents.ListLiveAliases(ctx, tx, projectID)
	if err != nil {
		return nil, err
	}
	used := usedNamePrefixes(existing)

	for _, candidate := range candidateNamePrefixes() {
		if _, taken := used[candidate]; taken {
			continue
		}
		agent, err := s.agents.Create(ctx, tx, &model.Agent{
			ID:            uuid.New(),
			ProjectID:     projectID,
			Alias:         candidate,
			HumanName:     p.HumanName,
			AgentType:     p.AgentType,
			AccessMode:    model.AccessModeOpen,
			DID:           did,
			PublicKey:     publicKey,
			Custody:       p.Custody,
			SigningKeyEnc: signingKeyEnc,
			Lifetime:      p.Lifetime,
			Status:        model.AgentStatusActive,
		})
		if errors.Is(err, repository.ErrDuplicate) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return agent, nil
	}
	return nil, &ErrConflict{Msg: "alias space exhausted"}
}

// GenerateAPIKey mints a plaintext key plus its stored prefix and SHA-256
// hex digest.
func GenerateAPIKey() (plainKey, keyPrefix, keyHash string, err error) {
	raw := make([]byte, 32)
	if _, err = rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("generate api key: %w", err)
	}
	plainKey = apiKeyPrefix + hex.EncodeToString(raw)
	keyPrefix = plainKey[:apiKeyPrefixLen]
	keyHash = HashAPIKey(plainKey)
	return plainKey, keyPrefix, keyHash, nil
}

// HashAPIKey digests a plaintext key for storage and lookup.
func HashAPIKey(plainKey string) string {
	sum := sha256.Sum256([]byte(plainKey))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking length-adjusted
// timing. Used for signed proxy header verification.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SuggestAliasPrefix returns the next free allocator prefix for a project.
// An unknown project has everything free, so the first classic name wins.
func (s *IdentityService) SuggestAliasPrefix(ctx context.Context, projectSlug string) (string, error) {
	slug, err := ValidateProjectSlug(projectSlug)
	if err != nil {
		return "", err
	}
	project, err := s.projects.GetBySlug(ctx, slug)
	if errors.Is(err, repository.ErrNotFound) {
		return classicNames[0], nil
	}
	if err != nil {
		return "", err
	}
	existing, err := s.agents.ListLiveAliases(ctx, nil, project.ID)
	if err != nil {
		return "", err
	}
	prefix := SuggestNextNamePrefix(existing)
	if prefix == "" {
		return "", &ErrConflict{Msg: "alias space exhausted"}
	}
	return prefix, nil
}

// AgentInfo is an agent plus its live presence state.
type AgentInfo struct {
	*model.Agent
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
}

// ListAgents returns live agents in a project, annotated with presence.
// Human-operated entries are hidden unless includeInternal is set.
func (s *IdentityService) ListAgents(ctx context.Context, projectID uuid.UUID, includeInternal bool) ([]*AgentInfo, error) {
	agents, err := s.agents.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID.String())
	}
	online := make(map[string]presence.Record)
	for _, rec := range s.presence.ListByIDs(ctx, ids) {
		online[rec.AgentID] = rec
	}

	out := make([]*AgentInfo, 0, len(agents))
	for _, a := range agents {
		if !includeInternal && a.AgentType == "human" {
			continue
		}
		info := &AgentInfo{Agent: a}
		if rec, ok := online[a.ID.String()]; ok {
			info.Online = true
			info.LastSeen = rec.LastSeen
		}
		out = append(out, info)
	}
	return out, nil
}

// Heartbeat refreshes the caller's presence record. Returns the recorded
// last_seen timestamp.
func (s *IdentityService) Heartbeat(ctx context.Context, agent *model.Agent) string {
	return s.presence.Update(ctx, agent.ID.String(), agent.Alias, agent.ProjectID.String(), "online")
}

// UpdateAccessMode switches an agent between open and contacts_only.
func (s *IdentityService) UpdateAccessMode(ctx context.Context, projectID, agentID uuid.UUID, mode model.AccessMode) (*model.Agent, error) {
	if mode != model.AccessModeOpen && mode != model.AccessModeContactsOnly {
		return nil, &ErrValidation{Msg: "access_mode must be open or contacts_only"}
	}
	err := s.agents.UpdateAccessMode(ctx, projectID, agentID, mode)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}
	return s.getAgent(ctx, projectID, agentID)
}

// ResolveResult is the public identity answer for slug/alias resolution.
type ResolveResult struct {
	ProjectSlug    string            `json:"project_slug"`
	Alias          string            `json:"alias"`
	AgentID        uuid.UUID         `json:"agent_id"`
	DID            string            `json:"did,omitempty"`
	PublicKey      string            `json:"public_key,omitempty"`
	Custody        model.Custody     `json:"custody,omitempty"`
	Status         model.AgentStatus `json:"status"`
	SuccessorAlias string            `json:"successor_alias,omitempty"`
}

// Resolve answers "who is slug/alias" with the public half of the identity.
// Retired agents resolve with their successor's alias attached.
func (s *IdentityService) Resolve(ctx context.Context, projectSlug, alias string) (*ResolveResult, error) {
	project, err := s.projects.GetBySlug(ctx, projectSlug)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}
	agent, err := s.agents.GetLiveByAlias(ctx, nil, project.ID, alias)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}

	res := &ResolveResult{
		ProjectSlug: project.Slug,
		Alias:       agent.Alias,
		AgentID:     agent.ID,
		DID:         agent.DID,
		PublicKey:   agent.PublicKey,
		Custody:     agent.Custody,
		Status:      agent.Status,
	}
	if agent.Status == model.AgentStatusRetired && agent.SuccessorID != nil {
		if succ, err := s.agents.GetByID(ctx, project.ID, *agent.SuccessorID); err == nil {
			res.SuccessorAlias = succ.Alias
		}
	}
	return res, nil
}

// RotateParams is the rotation request. For custodial agents with no
// explicit new key, the server generates one.
type RotateParams struct {
	NewDID            string
	NewPublicKey      string
	Custody           model.Custody
	RotationSignature string
	Timestamp         string
}

// Rotate swaps an agent's signing identity. The proof covers
// {new_did, old_did, timestamp} and must verify against the OLD key; for
// custodial agents without a client proof the server signs with the stored
// old key. Moving from custodial to self custody destroys the stored seed.
func (s *IdentityService) Rotate(ctx context.Context, projectID, agentID uuid.UUID, p RotateParams) (*model.Agent, error) {
	agent, err := s.getAgent(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != model.AgentStatusActive {
		return nil, s.notActiveError(ctx, agent)
	}
	if agent.Lifetime == model.LifetimeEphemeral {
		return nil, &ErrBadRequest{Msg: "Ephemeral agents cannot rotate; deregister and re-init instead"}
	}
	if agent.DID == "" {
		return nil, &ErrBadRequest{Msg: "Agent has no identity to rotate"}
	}
	if p.Timestamp == "" {
		return nil, &ErrValidation{Msg: "timestamp is required"}
	}

	newCustody := p.Custody
	if newCustody == "" {
		newCustody = agent.Custody
	}

	var (
		newDID, newPublicKey string
		newSigningKeyEnc     []byte
	)
	switch {
	case p.NewDID != "":
		raw, err := identity.DecodePublicKey(p.NewPublicKey)
		if err != nil {
			return nil, &ErrValidation{Msg: "new_public_key must be base64url-encoded Ed25519"}
		}
		derived, err := identity.DIDFromPublicKey(raw)
		if err != nil {
			return nil, &ErrValidation{Msg: err.Error()}
		}
		if derived != p.NewDID {
			return nil, &ErrValidation{Msg: "new_public_key does not match new_did"}
		}
		newDID, newPublicKey = p.NewDID, p.NewPublicKey
	case newCustody == model.CustodyCustodial:
		seed, pub, err := identity.GenerateKeypair()
		if err != nil {
			return nil, err
		}
		if newDID, err = identity.DIDFromPublicKey(pub); err != nil {
			return nil, err
		}
		newPublicKey = identity.EncodePublicKey(pub)
		blob, ok, err := s.custody.Encrypt(seed)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &ErrBadRequest{Msg: "Custodial rotation requires a configured custody key"}
		}
		newSigningKeyEnc = blob
	default:
		return nil, &ErrValidation{Msg: "new_did is required"}
	}
	if newDID == agent.DID {
		return nil, &ErrValidation{Msg: "new_did must differ from the current did"}
	}

	proof := identity.CanonicalDocument(map[string]string{
		"new_did":   newDID,
		"old_did":   agent.DID,
		"timestamp": p.Timestamp,
	})
	signature := p.RotationSignature
	if signature != "" {
		if identity.VerifySignature(agent.DID, proof, signature) != identity.Verified {
			return nil, &ErrValidation{Msg: "Invalid rotation signature"}
		}
	} else {
		sig, ok, err := s.custody.SignCanonical(ctx, agentID, proof)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &ErrValidation{Msg: "rotation_signature is required"}
		}
		signature = sig
	}

	updated, err := s.agents.Rotate(ctx, repository.RotationParams{
		AgentID:           agentID,
		ProjectID:         projectID,
		OldDID:            agent.DID,
		NewDID:            newDID,
		NewPublicKey:      newPublicKey,
		NewCustody:        newCustody,
		NewSigningKeyEnc:  newSigningKeyEnc,
		RotationTimestamp: p.Timestamp,
		OldKeySignature:   signature,
		EntrySignature:    signature,
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrConflict{Msg: "Agent identity changed concurrently"}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// RetireParams is the retirement request. The proof covers
// {operation: "retire", successor_agent_id, timestamp}; successor_agent_id
// is the empty string when no successor is named.
type RetireParams struct {
	SuccessorAgentID *uuid.UUID
	RetireSignature  string
	Timestamp        string
}

// Retire marks a persistent agent retired, keeping its alias occupied and
// its log intact. Mail to a retired agent returns its successor.
func (s *IdentityService) Retire(ctx context.Context, projectID, agentID uuid.UUID, p RetireParams) (*model.Agent, error) {
	agent, err := s.getAgent(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status != model.AgentStatusActive {
		return nil, s.notActiveError(ctx, agent)
	}
	if agent.Lifetime == model.LifetimeEphemeral {
		return nil, &ErrBadRequest{Msg: "Ephemeral agents cannot retire; deregister instead"}
	}
	if p.Timestamp == "" {
		return nil, &ErrValidation{Msg: "timestamp is required"}
	}

	successorField := ""
	if p.SuccessorAgentID != nil {
		if *p.SuccessorAgentID == agentID {
			return nil, &ErrBadRequest{Msg: "Agent cannot be its own successor"}
		}
		succ, err := s.agents.GetByID(ctx, projectID, *p.SuccessorAgentID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ErrNotFound{Msg: "Successor agent not found"}
		}
		if err != nil {
			return nil, err
		}
		if succ.DeletedAt != nil || succ.Status != model.AgentStatusActive {
			return nil, &ErrBadRequest{Msg: "Successor must be a live agent"}
		}
		successorField = succ.ID.String()
	}

	proof := identity.CanonicalDocument(map[string]string{
		"operation":          "retire",
		"successor_agent_id": successorField,
		"timestamp":          p.Timestamp,
	})
	signature := p.RetireSignature
	if signature != "" {
		if identity.VerifySignature(agent.DID, proof, signature) != identity.Verified {
			return nil, &ErrValidation{Msg: "Invalid retire signature"}
		}
	} else if agent.Custody == model.CustodyCustodial {
		sig, ok, err := s.custody.SignCanonical(ctx, agentID, proof)
		if err != nil {
			return nil, err
		}
		if ok {
			signature = sig
		}
	} else if agent.DID != "" {
		return nil, &ErrValidation{Msg: "retire_signature is required"}
	}

	updated, err := s.agents.Retire(ctx, projectID, agentID, p.SuccessorAgentID, signature)
	if errors.Is(err, repository.ErrConflict) {
		return nil, &ErrConflict{Msg: "Agent is not active"}
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Deregister soft-deletes an ephemeral agent, freeing its alias and
// destroying any custodial key material. Persistent agents must retire.
func (s *IdentityService) Deregister(ctx context.Context, projectID, agentID uuid.UUID) (*model.Agent, error) {
	agent, err := s.getAgent(ctx, projectID, agentID)
	if err != nil {
		return nil, err
	}
	if agent.DeletedAt != nil {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if agent.Lifetime == model.LifetimePersistent {
		return nil, &ErrBadRequest{Msg: "Persistent agents cannot be deregistered; retire instead"}
	}

	var signature string
	if agent.Custody == model.CustodyCustodial {
		proof := identity.CanonicalDocument(map[string]string{
			"operation": "deregister",
			"timestamp": utcISO(time.Now()),
		})
		if sig, ok, err := s.custody.SignCanonical(ctx, agentID, proof); err == nil && ok {
			signature = sig
		}
	}

	updated, err := s.agents.Deregister(ctx, projectID, agentID, signature)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}

	s.presence.Clear(ctx, []string{agentID.String()})
	s.hooks.Fire(ctx, hooks.EventAgentDeregistered, map[string]any{
		"agent_id":   agentID.String(),
		"alias":      updated.Alias,
		"project_id": projectID.String(),
	})
	return updated, nil
}

// DeregisterByAddress resolves slug/alias within the caller's tenant and
// deregisters it. A slug outside the caller's tenant reads as not found.
func (s *IdentityService) DeregisterByAddress(ctx context.Context, callerProjectID uuid.UUID, projectSlug, alias string) (*model.Agent, error) {
	project, err := s.projects.GetBySlug(ctx, projectSlug)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}
	if project.ID != callerProjectID {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	agent, err := s.agents.GetLiveByAlias(ctx, nil, project.ID, alias)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}
	return s.Deregister(ctx, project.ID, agent.ID)
}

// Log returns an agent's lifecycle entries, oldest first. The log survives
// retirement and deregistration.
func (s *IdentityService) Log(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.AgentLogEntry, error) {
	if _, err := s.getAgent(ctx, projectID, agentID); err != nil {
		return nil, err
	}
	return s.agents.ListLog(ctx, projectID, agentID)
}

func (s *IdentityService) getAgent(ctx context.Context, projectID, agentID uuid.UUID) (*model.Agent, error) {
	agent, err := s.agents.GetByID(ctx, projectID, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// notActiveError maps a non-active agent to the lifecycle-aware error:
// retired agents are Gone with a successor pointer, deregistered ones 404.
func (s *IdentityService) notActiveError(ctx context.Context, agent *model.Agent) error {
	if agent.Status == model.AgentStatusRetired {
		e := &ErrGone{Msg: fmt.Sprintf("Agent %s is retired", agent.Alias)}
		if agent.SuccessorID != nil {
			if succ, err := s.agents.GetByID(ctx, agent.ProjectID, *agent.SuccessorID); err == nil {
				e.SuccessorAlias = succ.Alias
			}
		}
		return e
	}
	return &ErrNotFound{Msg: "Agent not found"}
}

// utcISO renders the second-granularity UTC timestamp format used in signed
// payloads.
func utcISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
