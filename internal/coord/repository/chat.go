package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// ChatRepository persists sessions, messages and read receipts.
type ChatRepository struct {
	db *pgxpool.Pool
}

// NewChatRepository creates a ChatRepository.
func NewChatRepository(db *pgxpool.Pool) *ChatRepository {
	return &ChatRepository{db: db}
}

// ParticipantHash derives the session identity for a set of agents: SHA-256
// over the comma-joined, sorted, deduplicated agent ids.
func ParticipantHash(agentIDs []uuid.UUID) string {
	seen := make(map[string]struct{}, len(agentIDs))
	var ids []string
	for _, id := range agentIDs {
		s := id.String()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		ids = append(ids, s)
	}
	sort.Strings(ids)
	sum := sha256.Sum256([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

// EnsureSession finds or creates the session for a participant set and
// upserts each participant's alias snapshot, all in one transaction.
func (r *ChatRepository) EnsureSession(ctx context.Context, projectID uuid.UUID, participants []*model.ChatParticipant) (uuid.UUID, error) {
	ids := make([]uuid.UUID, len(participants))
	for i, p := range participants {
		ids[i] = p.AgentID
	}
	hash := ParticipantHash(ids)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	var sessionID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO chat_sessions (project_id, participant_hash)
		 VALUES ($1, $2)
		 ON CONFLICT (project_id, participant_hash) DO NOTHING
		 RETURNING session_id`,
		projectID, hash).Scan(&sessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`SELECT session_id FROM chat_sessions
			 WHERE project_id = $1 AND participant_hash = $2`,
			projectID, hash).Scan(&sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("chat session missing after upsert: %w", ErrConflict)
		}
	}
	if err != nil {
		return uuid.Nil, err
	}

	for _, p := range participants {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chat_session_participants (session_id, agent_id, alias)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (session_id, agent_id) DO UPDATE SET alias = EXCLUDED.alias`,
			sessionID, p.AgentID, p.Alias); err != nil {
			return uuid.Nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return sessionID, nil
}

// GetSession verifies a session exists in project scope.
func (r *ChatRepository) GetSession(ctx context.Context, projectID, sessionID uuid.UUID) (*model.ChatSession, error) {
	var s model.ChatSession
	err := r.db.QueryRow(ctx,
		`SELECT session_id, project_id, participant_hash, created_at
		 FROM chat_sessions WHERE session_id = $1 AND project_id = $2`,
		sessionID, projectID).Scan(&s.ID, &s.ProjectID, &s.ParticipantHash, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// GetParticipant returns an agent's membership row, carrying the canonical
// alias used for all outgoing messages.
func (r *ChatRepository) GetParticipant(ctx context.Context, sessionID, agentID uuid.UUID) (*model.ChatParticipant, error) {
	var p model.ChatParticipant
	err := r.db.QueryRow(ctx,
		`SELECT session_id, agent_id, alias, joined_at
		 FROM chat_session_participants WHERE session_id = $1 AND agent_id = $2`,
		sessionID, agentID).Scan(&p.SessionID, &p.AgentID, &p.Alias, &p.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Participants lists a session's members ordered by alias.
func (r *ChatRepository) Participants(ctx context.Context, sessionID uuid.UUID) ([]*model.ChatParticipant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT session_id, agent_id, alias, joined_at
		 FROM chat_session_participants WHERE session_id = $1
		 ORDER BY alias ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.ChatParticipant
	for rows.Next() {
		var p model.ChatParticipant
		if err := rows.Scan(&p.SessionID, &p.AgentID, &p.Alias, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

const chatMessageColumns = `message_id, session_id, from_agent_id, from_alias, body,
	sender_leaving, hang_on,
	COALESCE(from_did, ''), COALESCE(to_did, ''), COALESCE(signature, ''), COALESCE(signing_key_id, ''),
	created_at`

func scanChatMessage(row pgx.Row) (*model.ChatMessage, error) {
	var m model.ChatMessage
	err := row.Scan(&m.ID, &m.SessionID, &m.FromAgentID, &m.FromAlias, &m.Body,
		&m.SenderLeaving, &m.HangOn,
		&m.FromDID, &m.ToDID, &m.Signature, &m.SigningKeyID, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessage stores a message and advances the sender's read receipt in
// one transaction; sending implies having read up to this point. The
// advance is monotonic on last_read_at.
func (r *ChatRepository) InsertMessage(ctx context.Context, m *model.ChatMessage) (*model.ChatMessage, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	inserted, err := scanChatMessage(tx.QueryRow(ctx,
		`INSERT INTO chat_messages
		    (message_id, session_id, from_agent_id, from_alias, body, sender_leaving, hang_on,
		     from_did, to_did, signature, signing_key_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7,
		         NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12)
		 RETURNING `+chatMessageColumns,
		m.ID, m.SessionID, m.FromAgentID, m.FromAlias, m.Body, m.SenderLeaving, m.HangOn,
		m.FromDID, m.ToDID, m.Signature, m.SigningKeyID, m.CreatedAt))
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO chat_read_receipts (session_id, agent_id, last_read_message_id, last_read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, agent_id) DO UPDATE
		 SET last_read_message_id = EXCLUDED.last_read_message_id,
		     last_read_at = EXCLUDED.last_read_at
		 WHERE chat_read_receipts.last_read_at IS NULL
		    OR EXCLUDED.last_read_at > chat_read_receipts.last_read_at`,
		inserted.SessionID, inserted.FromAgentID, inserted.ID, inserted.CreatedAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

// MessagesAfter returns session messages strictly newer than after,
// oldest first. Drives both SSE replay and live polling.
func (r *ChatRepository) MessagesAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]*model.ChatMessage, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+chatMessageColumns+` FROM chat_messages
		 WHERE session_id = $1 AND created_at > $2
		 ORDER BY created_at ASC
		 LIMIT $3`, sessionID, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

// History returns the newest limit messages in chronological order. With
// unreadOnly, only messages from others past the agent's read cursor.
func (r *ChatRepository) History(ctx context.Context, sessionID, agentID uuid.UUID, unreadOnly bool, limit int) ([]*model.ChatMessage, error) {
	var lastReadAt *time.Time
	err := r.db.QueryRow(ctx,
		`SELECT last_read_at FROM chat_read_receipts
		 WHERE session_id = $1 AND agent_id = $2`,
		sessionID, agentID).Scan(&lastReadAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+chatMessageColumns+` FROM chat_messages
		 WHERE session_id = $1
		   AND ($2::bool IS FALSE OR
		        (created_at > COALESCE($3::timestamptz, 'epoch'::timestamptz) AND from_agent_id <> $4))
		 ORDER BY created_at DESC
		 LIMIT $5`,
		sessionID, unreadOnly, lastReadAt, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := collectChatMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessage looks up one message within a session.
func (r *ChatRepository) GetMessage(ctx context.Context, sessionID, messageID uuid.UUID) (*model.ChatMessage, error) {
	return scanChatMessage(r.db.QueryRow(ctx,
		`SELECT `+chatMessageColumns+` FROM chat_messages
		 WHERE session_id = $1 AND message_id = $2`, sessionID, messageID))
}

// MarkRead advances the agent's read cursor to upToMessageID and returns
// how many of the others' messages the advance covered. The cursor only
// moves forward in message time; a stale request marks nothing.
func (r *ChatRepository) MarkRead(ctx context.Context, sessionID, agentID, upToMessageID uuid.UUID) (int, error) {
	msg, err := r.GetMessage(ctx, sessionID, upToMessageID)
	if err != nil {
		return 0, err
	}
	upToTime := msg.CreatedAt
	readTime := time.Now().UTC()

	var oldLast *time.Time
	err = r.db.QueryRow(ctx,
		`SELECT last_read_at FROM chat_read_receipts
		 WHERE session_id = $1 AND agent_id = $2`,
		sessionID, agentID).Scan(&oldLast)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	var marked int
	if err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)::int FROM chat_messages
		 WHERE session_id = $1
		   AND from_agent_id <> $2
		   AND created_at > COALESCE($3::timestamptz, 'epoch'::timestamptz)
		   AND created_at <= $4`,
		sessionID, agentID, oldLast, upToTime).Scan(&marked); err != nil {
		return 0, err
	}

	// Compare message creation times, not last_read_at wall-clock time, so a
	// request pointing at an older message never rewinds the cursor.
	tag, err := r.db.Exec(ctx,
		`INSERT INTO chat_read_receipts (session_id, agent_id, last_read_message_id, last_read_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, agent_id) DO UPDATE
		 SET last_read_message_id = EXCLUDED.last_read_message_id,
		     last_read_at = EXCLUDED.last_read_at
		 WHERE $5 > COALESCE(
		     (SELECT created_at FROM chat_messages
		      WHERE message_id = chat_read_receipts.last_read_message_id),
		     'epoch'::timestamptz
		 )`,
		sessionID, agentID, upToMessageID, readTime, upToTime)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, nil
	}
	return marked, nil
}

// ReadReceipt is a receipt event joined with the reader's alias.
type ReadReceipt struct {
	AgentID           uuid.UUID
	ReaderAlias       string
	LastReadMessageID *uuid.UUID
	LastReadAt        time.Time
}

// ReceiptsAfter returns other participants' receipts updated after the
// cursor, oldest first. Drives SSE read_receipt events.
func (r *ChatRepository) ReceiptsAfter(ctx context.Context, sessionID, excludeAgentID uuid.UUID, after time.Time) ([]*ReadReceipt, error) {
	rows, err := r.db.Query(ctx,
		`SELECT rr.agent_id, p.alias, rr.last_read_message_id, rr.last_read_at
		 FROM chat_read_receipts rr
		 JOIN chat_session_participants p
		   ON p.session_id = rr.session_id AND p.agent_id = rr.agent_id
		 WHERE rr.session_id = $1
		   AND rr.agent_id <> $2
		   AND rr.last_read_at > $3
		 ORDER BY rr.last_read_at ASC`,
		sessionID, excludeAgentID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ReadReceipt
	for rows.Next() {
		var rr ReadReceipt
		if err := rows.Scan(&rr.AgentID, &rr.ReaderAlias, &rr.LastReadMessageID, &rr.LastReadAt); err != nil {
			return nil, err
		}
		out = append(out, &rr)
	}
	return out, rows.Err()
}

// PendingRow is one session with unread activity for an agent.
type PendingRow struct {
	SessionID      uuid.UUID
	Participants   []string
	ParticipantIDs []string
	LastMessage    string
	LastFrom       string
	LastActivity   time.Time
	UnreadCount    int
}

// Pending returns sessions where others' messages are past the agent's read
// cursor, most recent activity first.
func (r *ChatRepository) Pending(ctx context.Context, projectID, agentID uuid.UUID) ([]*PendingRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT
		     s.session_id,
		     array_agg(p2.alias ORDER BY p2.alias) AS participants,
		     array_agg(p2.agent_id::text ORDER BY p2.alias) AS participant_ids,
		     lm.body AS last_message,
		     lm.from_alias AS last_from,
		     lm.created_at AS last_activity,
		     COALESCE(unread.cnt, 0) AS unread_count
		 FROM chat_sessions s
		 JOIN chat_session_participants p
		   ON p.session_id = s.session_id AND p.agent_id = $2
		 JOIN chat_session_participants p2
		   ON p2.session_id = s.session_id
		 LEFT JOIN LATERAL (
		     SELECT body, from_alias, created_at
		     FROM chat_messages
		     WHERE session_id = s.session_id
		     ORDER BY created_at DESC
		     LIMIT 1
		 ) lm ON TRUE
		 LEFT JOIN chat_read_receipts rr
		   ON rr.session_id = s.session_id AND rr.agent_id = $2
		 LEFT JOIN LATERAL (
		     SELECT COUNT(*)::int AS cnt
		     FROM chat_messages m
		     WHERE m.session_id = s.session_id
		       AND m.from_agent_id <> $2
		       AND m.created_at > COALESCE(rr.last_read_at, 'epoch'::timestamptz)
		 ) unread ON TRUE
		 WHERE s.project_id = $1
		 GROUP BY s.session_id, lm.body, lm.from_alias, lm.created_at, unread.cnt
		 HAVING COALESCE(unread.cnt, 0) > 0
		 ORDER BY lm.created_at DESC`,
		projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingRow
	for rows.Next() {
		var (
			pr       PendingRow
			lastMsg  *string
			lastFrom *string
			lastAt   *time.Time
		)
		if err := rows.Scan(&pr.SessionID, &pr.Participants, &pr.ParticipantIDs,
			&lastMsg, &lastFrom, &lastAt, &pr.UnreadCount); err != nil {
			return nil, err
		}
		if lastMsg != nil {
			pr.LastMessage = *lastMsg
		}
		if lastFrom != nil {
			pr.LastFrom = *lastFrom
		}
		if lastAt != nil {
			pr.LastActivity = *lastAt
		}
		out = append(out, &pr)
	}
	return out, rows.Err()
}

// SessionRow is one session listing entry with its full member set.
type SessionRow struct {
	SessionID      uuid.UUID
	CreatedAt      time.Time
	Participants   []string
	ParticipantIDs []string
}

// ListSessions returns every session the agent belongs to, newest first.
func (r *ChatRepository) ListSessions(ctx context.Context, projectID, agentID uuid.UUID) ([]*SessionRow, error) {
	rows, err := r.db.Query(ctx,
		`SELECT s.session_id, s.created_at,
		        array_agg(p2.alias ORDER BY p2.alias) AS participants,
		        array_agg(p2.agent_id::text ORDER BY p2.alias) AS participant_ids
		 FROM chat_sessions s
		 JOIN chat_session_participants p
		   ON p.session_id = s.session_id AND p.agent_id = $2
		 JOIN chat_session_participants p2
		   ON p2.session_id = s.session_id
		 WHERE s.project_id = $1
		 GROUP BY s.session_id, s.created_at
		 ORDER BY s.created_at DESC`,
		projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		var sr SessionRow
		if err := rows.Scan(&sr.SessionID, &sr.CreatedAt, &sr.Participants, &sr.ParticipantIDs); err != nil {
			return nil, err
		}
		out = append(out, &sr)
	}
	return out, rows.Err()
}

// TargetsLeft returns aliases among targetIDs whose most recent message in
// the session carried sender_leaving.
func (r *ChatRepository) TargetsLeft(ctx context.Context, sessionID uuid.UUID, targetIDs []uuid.UUID) ([]string, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (from_agent_id) from_agent_id, sender_leaving
		 FROM chat_messages
		 WHERE session_id = $1 AND from_agent_id = ANY($2::uuid[])
		 ORDER BY from_agent_id, created_at DESC`,
		sessionID, targetIDs)
	if err != nil {
		return nil, err
	}

	var leftIDs []uuid.UUID
	for rows.Next() {
		var (
			id      uuid.UUID
			leaving bool
		)
		if err := rows.Scan(&id, &leaving); err != nil {
			rows.Close()
			return nil, err
		}
		if leaving {
			leftIDs = append(leftIDs, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(leftIDs) == 0 {
		return nil, nil
	}

	aliasRows, err := r.db.Query(ctx,
		`SELECT alias FROM chat_session_participants
		 WHERE session_id = $1 AND agent_id = ANY($2::uuid[])`,
		sessionID, leftIDs)
	if err != nil {
		return nil, err
	}
	defer aliasRows.Close()

	var aliases []string
	for aliasRows.Next() {
		var alias string
		if err := aliasRows.Scan(&alias); err != nil {
			return nil, err
		}
		aliases = append(aliases, alias)
	}
	return aliases, aliasRows.Err()
}

// ChatConversations aggregates sessions with at least one message into
// conversation summaries for the unified view.
func (r *ChatRepository) ChatConversations(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.ConversationSummary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT
		     s.session_id::text AS conversation_id,
		     array_agg(DISTINCT p2.alias ORDER BY p2.alias) AS participants,
		     lm.body AS last_body,
		     lm.from_alias AS last_from,
		     lm.created_at AS last_message_at,
		     COALESCE(unread.cnt, 0)::int AS unread_count
		 FROM chat_sessions s
		 JOIN chat_session_participants p
		   ON p.session_id = s.session_id AND p.agent_id = $2
		 JOIN chat_session_participants p2
		   ON p2.session_id = s.session_id
		 LEFT JOIN LATERAL (
		     SELECT body, from_alias, created_at
		     FROM chat_messages
		     WHERE session_id = s.session_id
		     ORDER BY created_at DESC
		     LIMIT 1
		 ) lm ON TRUE
		 LEFT JOIN chat_read_receipts rr
		   ON rr.session_id = s.session_id AND rr.agent_id = $2
		 LEFT JOIN LATERAL (
		     SELECT COUNT(*)::int AS cnt
		     FROM chat_messages cm
		     WHERE cm.session_id = s.session_id
		       AND cm.from_agent_id <> $2
		       AND cm.created_at > COALESCE(rr.last_read_at, 'epoch'::timestamptz)
		 ) unread ON TRUE
		 WHERE s.project_id = $1
		   AND lm.created_at IS NOT NULL
		 GROUP BY s.session_id, lm.body, lm.from_alias, lm.created_at, unread.cnt
		 ORDER BY lm.created_at DESC`,
		projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*model.ConversationSummary
	for rows.Next() {
		c := model.ConversationSummary{Type: model.ConversationChat}
		var body, from *string
		if err := rows.Scan(&c.ID, &c.Participants, &body, &from, &c.LastMessageAt, &c.UnreadCount); err != nil {
			return nil, err
		}
		if body != nil {
			c.LastMessagePreview = preview(*body)
		}
		if from != nil {
			c.LastMessageFrom = *from
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

func collectChatMessages(rows pgx.Rows) ([]*model.ChatMessage, error) {
	var msgs []*model.ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
