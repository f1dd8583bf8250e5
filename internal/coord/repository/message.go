package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/beadhub/aweb/internal/coord/model"
)

// MessageRepository persists asynchronous mail.
type MessageRepository struct {
	db *pgxpool.Pool
}

// NewMessageRepository creates a MessageRepository.
func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

const messageColumns = `message_id, project_id, from_agent_id, from_alias, to_agent_id,
	subject, body, priority, thread_id,
	COALESCE(from_did, ''), COALESCE(to_did, ''), COALESCE(signature, ''), COALESCE(signing_key_id, ''),
	created_at, read_at`

func scanMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	err := row.Scan(&m.ID, &m.ProjectID, &m.FromAgentID, &m.FromAlias, &m.ToAgentID,
		&m.Subject, &m.Body, &m.Priority, &m.ThreadID,
		&m.FromDID, &m.ToDID, &m.Signature, &m.SigningKeyID,
		&m.CreatedAt, &m.ReadAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Insert stores one mail item. The caller supplies message_id and created_at
// so the signed payload and the stored row agree exactly.
func (r *MessageRepository) Insert(ctx context.Context, m *model.Message) (*model.Message, error) {
	return scanMessage(r.db.QueryRow(ctx,
		`INSERT INTO messages
		    (message_id, project_id, from_agent_id, from_alias, to_agent_id,
		     subject, body, priority, thread_id,
		     from_did, to_did, signature, signing_key_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9,
		         NULLIF($10, ''), NULLIF($11, ''), NULLIF($12, ''), NULLIF($13, ''), $14)
		 RETURNING `+messageColumns,
		m.ID, m.ProjectID, m.FromAgentID, m.FromAlias, m.ToAgentID,
		m.Subject, m.Body, m.Priority, m.ThreadID,
		m.FromDID, m.ToDID, m.Signature, m.SigningKeyID, m.CreatedAt))
}

// Inbox returns an agent's received mail newest first.
func (r *MessageRepository) Inbox(ctx context.Context, projectID, agentID uuid.UUID, unreadOnly bool, limit int) ([]*model.Message, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE project_id = $1 AND to_agent_id = $2
		   AND ($3::bool IS FALSE OR read_at IS NULL)
		 ORDER BY created_at DESC
		 LIMIT $4`,
		projectID, agentID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Ack marks a message read. Idempotent: re-acking returns the original
// read_at. ErrNotFound when no such message exists in the project,
// ErrForbidden when it is addressed to a different agent.
func (r *MessageRepository) Ack(ctx context.Context, projectID, agentID, messageID uuid.UUID) (time.Time, error) {
	var toAgentID uuid.UUID
	err := r.db.QueryRow(ctx,
		`SELECT to_agent_id FROM messages
		 WHERE message_id = $1 AND project_id = $2`,
		messageID, projectID).Scan(&toAgentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if toAgentID != agentID {
		return time.Time{}, ErrForbidden
	}

	var readAt time.Time
	err = r.db.QueryRow(ctx,
		`UPDATE messages SET read_at = COALESCE(read_at, now())
		 WHERE message_id = $1 AND project_id = $2
		 RETURNING read_at`,
		messageID, projectID).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return readAt, nil
}

// UnreadCount returns the agent's unread mail count.
func (r *MessageRepository) UnreadCount(ctx context.Context, projectID, agentID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*)::int FROM messages
		 WHERE project_id = $1 AND to_agent_id = $2 AND read_at IS NULL`,
		projectID, agentID).Scan(&n)
	return n, err
}

// MailConversations aggregates the agent's mail into threads: standalone
// messages count as their own thread via COALESCE(thread_id, message_id).
func (r *MessageRepository) MailConversations(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.ConversationSummary, error) {
	rows, err := r.db.Query(ctx,
		`SELECT
		     COALESCE(m.thread_id, m.message_id)::text AS conversation_id,
		     MAX(m.created_at) AS last_message_at,
		     (array_agg(m.body ORDER BY m.created_at DESC))[1] AS last_body,
		     (array_agg(m.from_alias ORDER BY m.created_at DESC))[1] AS last_from,
		     (array_agg(m.subject ORDER BY m.created_at DESC))[1] AS subject,
		     COUNT(*) FILTER (WHERE m.to_agent_id = $2 AND m.read_at IS NULL)::int AS unread_count
		 FROM messages m
		 WHERE m.project_id = $1
		   AND (m.from_agent_id = $2 OR m.to_agent_id = $2)
		 GROUP BY COALESCE(m.thread_id, m.message_id)
		 ORDER BY MAX(m.created_at) DESC`,
		projectID, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []*model.ConversationSummary
	for rows.Next() {
		c := model.ConversationSummary{Type: model.ConversationMail}
		var body, from, subject *string
		if err := rows.Scan(&c.ID, &c.LastMessageAt, &body, &from, &subject, &c.UnreadCount); err != nil {
			return nil, err
		}
		if body != nil {
			c.LastMessagePreview = preview(*body)
		}
		if from != nil {
			c.LastMessageFrom = *from
		}
		if subject != nil {
			c.Subject = *subject
		}
		convs = append(convs, &c)
	}
	return convs, rows.Err()
}

// MailParticipants batch-resolves participant aliases for the given mail
// conversation ids.
func (r *MessageRepository) MailParticipants(ctx context.Context, projectID uuid.UUID, conversationIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	rows, err := r.db.Query(ctx,
		`SELECT COALESCE(m.thread_id, m.message_id)::text AS conv_id, a.alias
		 FROM messages m
		 JOIN agents a ON a.agent_id IN (m.from_agent_id, m.to_agent_id)
		 WHERE m.project_id = $1
		   AND COALESCE(m.thread_id, m.message_id)::text = ANY($2)
		 GROUP BY COALESCE(m.thread_id, m.message_id), a.alias
		 ORDER BY a.alias`,
		projectID, conversationIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var convID, alias string
		if err := rows.Scan(&convID, &alias); err != nil {
			return nil, err
		}
		out[convID] = append(out[convID], alias)
	}
	return out, rows.Err()
}

// preview truncates a body for conversation listings.
func preview(body string) string {
	const max = 100
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max])
}
