package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// RotationRepository reads and acknowledges rotation announcements.
// Announcements are written by AgentRepository.Rotate in the same
// transaction as the DID swap.
type RotationRepository struct {
	db *pgxpool.Pool
}

// NewRotationRepository creates a RotationRepository.
func NewRotationRepository(db *pgxpool.Pool) *RotationRepository {
	return &RotationRepository{db: db}
}

// PendingForSenders returns, per sender, the earliest announcement from the
// last 24h that the given peer has not yet acknowledged. Older announcements
// for the same sender are superseded once the earliest one is acked.
func (r *RotationRepository) PendingForSenders(ctx context.Context, senderIDs []uuid.UUID, peerID uuid.UUID) (map[uuid.UUID]*model.RotationAnnouncement, error) {
	if len(senderIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (ra.agent_id)
		        ra.announcement_id, ra.agent_id, ra.old_did, ra.new_did,
		        ra.rotation_timestamp, ra.old_key_signature, ra.created_at
		 FROM rotation_announcements ra
		 WHERE ra.agent_id = ANY($1)
		   AND ra.created_at > NOW() - INTERVAL '24 hours'
		   AND NOT EXISTS (
		       SELECT 1 FROM rotation_peer_acks ack
		       WHERE ack.announcement_id = ra.announcement_id
		         AND ack.peer_agent_id = $2
		         AND ack.acknowledged_at IS NOT NULL
		   )
		 ORDER BY ra.agent_id, ra.created_at ASC`,
		senderIDs, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	pending := make(map[uuid.UUID]*model.RotationAnnouncement)
	for rows.Next() {
		var a model.RotationAnnouncement
		if err := rows.Scan(&a.ID, &a.AgentID, &a.OldDID, &a.NewDID, &a.Timestamp, &a.Signature, &a.CreatedAt); err != nil {
			return nil, err
		}
		pending[a.AgentID] = &a
	}
	return pending, rows.Err()
}

// Acknowledge marks the earliest unacked announcement from rotatedAgentID as
// seen by peerID. A peer replying to a rotated agent is proof of receipt.
// Idempotent; acking when nothing is pending is a no-op.
func (r *RotationRepository) Acknowledge(ctx context.Context, q Querier, rotatedAgentID, peerID uuid.UUID) error {
	if q == nil {
		q = r.db
	}
	_, err := q.Exec(ctx,
		`INSERT INTO rotation_peer_acks (announcement_id, peer_agent_id, acknowledged_at)
		 SELECT ra.announcement_id, $2, NOW()
		 FROM rotation_announcements ra
		 WHERE ra.agent_id = $1
		   AND ra.created_at > NOW() - INTERVAL '24 hours'
		   AND NOT EXISTS (
		       SELECT 1 FROM rotation_peer_acks ack
		       WHERE ack.announcement_id = ra.announcement_id
		         AND ack.peer_agent_id = $2
		         AND ack.acknowledged_at IS NOT NULL
		   )
		 ORDER BY ra.created_at ASC
		 LIMIT 1
		 ON CONFLICT (announcement_id, peer_agent_id) DO NOTHING`,
		rotatedAgentID, peerID)
	return err
}
