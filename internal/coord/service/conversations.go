package service

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
)

const (
	defaultConversationLimit = 50
	maxConversationLimit     = 100
)

type mailConversationRepo interface {
	MailConversations(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.ConversationSummary, error)
	MailParticipants(ctx context.Context, projectID uuid.UUID, conversationIDs []string) (map[string][]string, error)
}

type chatConversationRepo interface {
	ChatConversations(ctx context.Context, projectID, agentID uuid.UUID) ([]*model.ConversationSummary, error)
}

// ConversationService merges mail threads and chat sessions into one
// reverse-chronological view with cursor pagination.
type ConversationService struct {
	mail   mailConversationRepo
	chat   chatConversationRepo
	logger *zap.Logger
}

// NewConversationService wires the unified conversation view.
func NewConversationService(mail mailConversationRepo, chat chatConversationRepo, logger *zap.Logger) *ConversationService {
	return &ConversationService{mail: mail, chat: chat, logger: logger}
}

// ConversationPage is one page of the merged view. NextCursor is set when
// more conversations remain past this page.
type ConversationPage struct {
	Conversations []*model.ConversationSummary `json:"conversations"`
	NextCursor    string                       `json:"next_cursor,omitempty"`
}

// List returns the agent's conversations older than the cursor (all when
// the cursor is zero), newest first, at most limit entries.
func (s *ConversationService) List(ctx context.Context, projectID uuid.UUID, agent *model.Agent, cursor time.Time, limit int) (*ConversationPage, error) {
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	if limit > maxConversationLimit {
		limit = maxConversationLimit
	}

	mail, err := s.mail.MailConversations(ctx, projectID, agent.ID)
	if err != nil {
		return nil, err
	}
	chat, err := s.chat.ChatConversations(ctx, projectID, agent.ID)
	if err != nil {
		return nil, err
	}

	mailIDs := make([]string, 0, len(mail))
	for _, c := range mail {
		mailIDs = append(mailIDs, c.ID)
	}
	participants, err := s.mail.MailParticipants(ctx, projectID, mailIDs)
	if err != nil {
		return nil, err
	}
	for _, c := range mail {
		c.Participants = participants[c.ID]
	}

	merged := make([]*model.ConversationSummary, 0, len(mail)+len(chat))
	merged = append(merged, mail...)
	merged = append(merged, chat...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].LastMessageAt.After(merged[j].LastMessageAt)
	})

	if !cursor.IsZero() {
		filtered := merged[:0]
		for _, c := range merged {
			if c.LastMessageAt.Before(cursor) {
				filtered = append(filtered, c)
			}
		}
		merged = filtered
	}

	page := &ConversationPage{}
	if len(merged) > limit {
		page.Conversations = merged[:limit]
		page.NextCursor = page.Conversations[limit-1].LastMessageAt.UTC().Format(time.RFC3339Nano)
	} else {
		page.Conversations = merged
	}
	if page.Conversations == nil {
		page.Conversations = []*model.ConversationSummary{}
	}
	return page, nil
}
