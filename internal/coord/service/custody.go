package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/identity"
)

// custodyAgentRepo is the persistence surface CustodyService needs.
// *repository.AgentRepository satisfies it.
type custodyAgentRepo interface {
	GetAnyByID(ctx context.Context, agentID uuid.UUID) (*model.Agent, error)
	ClearSigningKey(ctx context.Context, agentID uuid.UUID) error
}

// CustodyService signs messages on behalf of custodial agents whose seed is
// stored AEAD-encrypted. With no master key configured, signing silently
// declines and messages are stored unsigned.
type CustodyService struct {
	agents    custodyAgentRepo
	masterKey []byte // nil = custody disabled
	logger    *zap.Logger
}

// NewCustodyService creates a CustodyService. masterKey may be nil.
func NewCustodyService(agents custodyAgentRepo, masterKey []byte, logger *zap.Logger) *CustodyService {
	return &CustodyService{agents: agents, masterKey: masterKey, logger: logger}
}

// Enabled reports whether a custody master key is configured.
func (s *CustodyService) Enabled() bool { return len(s.masterKey) > 0 }

// Encrypt seals a seed under the master key for storage. ok=false when
// custody is disabled.
func (s *CustodyService) Encrypt(seed []byte) ([]byte, bool, error) {
	if !s.Enabled() {
		return nil, false, nil
	}
	blob, err := identity.EncryptSigningKey(seed, s.masterKey)
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

// SignOnBehalf signs the canonical payload of fields with the agent's
// stored key. ok=false (no error) when the agent is not custodial, has no
// stored blob, or custody is disabled — callers then store unsigned.
// A missing agent is an error; so is a blob that fails decryption.
func (s *CustodyService) SignOnBehalf(ctx context.Context, agentID uuid.UUID, fields map[string]string) (fromDID, signature, signingKeyID string, ok bool, err error) {
	if !s.Enabled() {
		return "", "", "", false, nil
	}
	agent, err := s.agents.GetAnyByID(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", "", "", false, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return "", "", "", false, err
	}
	if agent.DeletedAt != nil || agent.Custody != model.CustodyCustodial || len(agent.SigningKeyEnc) == 0 {
		return "", "", "", false, nil
	}

	seed, err := identity.DecryptSigningKey(agent.SigningKeyEnc, s.masterKey)
	if err != nil {
		return "", "", "", false, fmt.Errorf("decrypt signing key for %s: %w", agentID, err)
	}
	payload := identity.CanonicalPayload(fields)
	sig, err := identity.SignMessage(seed, payload)
	if err != nil {
		return "", "", "", false, err
	}

	// The signer is the declared sender: signing_key_id == from_did.
	return agent.DID, sig, agent.DID, true, nil
}

// SignCanonical signs an arbitrary canonical byte payload (lifecycle
// proofs, not mail/chat fields) with the agent's stored key.
func (s *CustodyService) SignCanonical(ctx context.Context, agentID uuid.UUID, payload []byte) (string, bool, error) {
	if !s.Enabled() {
		return "", false, nil
	}
	agent, err := s.agents.GetAnyByID(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, &ErrNotFound{Msg: "Agent not found"}
	}
	if err != nil {
		return "", false, err
	}
	if agent.DeletedAt != nil || agent.Custody != model.CustodyCustodial || len(agent.SigningKeyEnc) == 0 {
		return "", false, nil
	}
	seed, err := identity.DecryptSigningKey(agent.SigningKeyEnc, s.masterKey)
	if err != nil {
		return "", false, fmt.Errorf("decrypt signing key for %s: %w", agentID, err)
	}
	sig, err := identity.SignMessage(seed, payload)
	if err != nil {
		return "", false, err
	}
	return sig, true, nil
}

// Destroy clears an agent's stored key blob, e.g. on custody graduation.
func (s *CustodyService) Destroy(ctx context.Context, agentID uuid.UUID) error {
	err := s.agents.ClearSigningKey(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return &ErrNotFound{Msg: "Agent not found"}
	}
	return err
}
