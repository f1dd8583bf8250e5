package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/hooks"
)

const (
	// TTL bounds for reservations, in seconds.
	minReservationTTL     = 60
	maxReservationTTL     = 3600
	defaultReservationTTL = 300
)

type reservationRepo interface {
	Acquire(ctx context.Context, projectID, agentID uuid.UUID, holderAlias, resourceKey string, ttl time.Duration, metadata map[string]any) (*model.Reservation, error)
	Renew(ctx context.Context, projectID, agentID uuid.UUID, resourceKey string, ttl time.Duration) (time.Time, error)
	Release(ctx context.Context, projectID, agentID uuid.UUID, resourceKey string) (bool, error)
	Revoke(ctx context.Context, projectID uuid.UUID, prefix string) (int, error)
	List(ctx context.Context, projectID uuid.UUID, prefix string) ([]*model.Reservation, error)
}

// ReservationService implements TTL-bounded exclusive resource locks with
// first-wins semantics.
type ReservationService struct {
	reservations reservationRepo
	hooks        *hooks.Dispatcher
	logger       *zap.Logger
}

// NewReservationService wires the reservation service.
func NewReservationService(reservations reservationRepo, dispatcher *hooks.Dispatcher, logger *zap.Logger) *ReservationService {
	return &ReservationService{reservations: reservations, hooks: dispatcher, logger: logger}
}

// clampTTL applies the default and bounds. Out-of-range values clamp rather
// than error so callers degrade gracefully.
func clampTTL(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = defaultReservationTTL
	}
	if seconds < minReservationTTL {
		seconds = minReservationTTL
	}
	if seconds > maxReservationTTL {
		seconds = maxReservationTTL
	}
	return time.Duration(seconds) * time.Second
}

func validResourceKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", &ErrValidation{Msg: "resource_key is required"}
	}
	return key, nil
}

// Acquire takes the lock on a resource key, or reports the current holder.
// Expired rows are reaped in the same transaction, so acquiring after
// expiry always succeeds.
func (s *ReservationService) Acquire(ctx context.Context, projectID uuid.UUID, agent *model.Agent, resourceKey string, ttlSeconds int, metadata map[string]any) (*model.Reservation, error) {
	key, err := validResourceKey(resourceKey)
	if err != nil {
		return nil, err
	}
	res, err := s.reservations.Acquire(ctx, projectID, agent.ID, agent.Alias, key, clampTTL(ttlSeconds), metadata)
	var held *repository.ErrHeldByOther
	if errors.As(err, &held) {
		return nil, heldConflict(key, held)
	}
	if err != nil {
		return nil, err
	}
	s.hooks.Fire(ctx, hooks.EventReservationAcquired, map[string]any{
		"project_id":   projectID.String(),
		"resource_key": key,
		"holder_alias": agent.Alias,
		"expires_at":   res.ExpiresAt.Format(time.RFC3339),
	})
	return res, nil
}

// Renew extends the caller's own live reservation. A missing or expired
// reservation is not found; someone else's is a conflict.
func (s *ReservationService) Renew(ctx context.Context, projectID uuid.UUID, agent *model.Agent, resourceKey string, ttlSeconds int) (time.Time, error) {
	key, err := validResourceKey(resourceKey)
	if err != nil {
		return time.Time{}, err
	}
	expires, err := s.reservations.Renew(ctx, projectID, agent.ID, key, clampTTL(ttlSeconds))
	var held *repository.ErrHeldByOther
	if errors.As(err, &held) {
		return time.Time{}, heldConflict(key, held)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return time.Time{}, &ErrNotFound{Msg: "Reservation not found"}
	}
	if err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

// Release drops the caller's reservation. Idempotent: releasing a missing
// or expired reservation reports released=false without error. Releasing
// someone else's live reservation is a conflict.
func (s *ReservationService) Release(ctx context.Context, projectID uuid.UUID, agent *model.Agent, resourceKey string) (bool, error) {
	key, err := validResourceKey(resourceKey)
	if err != nil {
		return false, err
	}
	released, err := s.reservations.Release(ctx, projectID, agent.ID, key)
	var held *repository.ErrHeldByOther
	if errors.As(err, &held) {
		return false, heldConflict(key, held)
	}
	if err != nil {
		return false, err
	}
	if released {
		s.hooks.Fire(ctx, hooks.EventReservationReleased, map[string]any{
			"project_id":   projectID.String(),
			"resource_key": key,
			"holder_alias": agent.Alias,
		})
	}
	return released, nil
}

// Revoke is the administrative unlock: it deletes every reservation in the
// project matching the optional key prefix, regardless of holder, and
// returns how many were removed.
func (s *ReservationService) Revoke(ctx context.Context, projectID uuid.UUID, prefix string) (int, error) {
	return s.reservations.Revoke(ctx, projectID, strings.TrimSpace(prefix))
}

// List returns the project's live reservations, optionally filtered by key
// prefix, ordered by resource key.
func (s *ReservationService) List(ctx context.Context, projectID uuid.UUID, prefix string) ([]*model.Reservation, error) {
	return s.reservations.List(ctx, projectID, strings.TrimSpace(prefix))
}

func heldConflict(key string, held *repository.ErrHeldByOther) error {
	return &ErrConflict{
		Msg: "Resource is reserved by " + held.HolderAlias,
		Extras: map[string]any{
			"resource_key":    key,
			"holder_agent_id": held.HolderAgentID.String(),
			"holder_alias":    held.HolderAlias,
			"expires_at":      held.ExpiresAt.Format(time.RFC3339),
		},
	}
}
