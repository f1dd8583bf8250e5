package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/hooks"
	"github.com/beadhub/aweb/internal/identity"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

type messageRepo interface {
	Insert(ctx context.Context, m *model.Message) (*model.Message, error)
	Inbox(ctx context.Context, projectID, agentID uuid.UUID, unreadOnly bool, limit int) ([]*model.Message, error)
	Ack(ctx context.Context, projectID, agentID, messageID uuid.UUID) (time.Time, error)
	UnreadCount(ctx context.Context, projectID, agentID uuid.UUID) (int, error)
}

type messageAgentRepo interface {
	GetByID(ctx context.Context, projectID, agentID uuid.UUID) (*model.Agent, error)
	GetLiveByAlias(ctx context.Context, q repository.Querier, projectID uuid.UUID, alias string) (*model.Agent, error)
}

type rotationRepo interface {
	PendingForSenders(ctx context.Context, senderIDs []uuid.UUID, peerID uuid.UUID) (map[uuid.UUID]*model.RotationAnnouncement, error)
	Acknowledge(ctx context.Context, q repository.Querier, rotatedAgentID, peerID uuid.UUID) error
}

// MessageService implements asynchronous mail: signed delivery, inbox with
// rotation announcements, and idempotent acknowledgement.
type MessageService struct {
	messages  messageRepo
	agents    messageAgentRepo
	rotations rotationRepo
	contacts  *ContactsService
	custody   *CustodyService
	hooks     *hooks.Dispatcher
	logger    *zap.Logger
}

// NewMessageService wires the mail service.
func NewMessageService(messages messageRepo, agents messageAgentRepo, rotations rotationRepo,
	contacts *ContactsService, custody *CustodyService, dispatcher *hooks.Dispatcher,
	logger *zap.Logger) *MessageService {
	return &MessageService{
		messages:  messages,
		agents:    agents,
		rotations: rotations,
		contacts:  contacts,
		custody:   custody,
		hooks:     dispatcher,
		logger:    logger,
	}
}

// SendParams is a mail delivery request. FromAlias, when supplied, is only
// accepted if it equals the authenticated sender's canonical alias.
type SendParams struct {
	ToAlias   string
	Subject   string
	Body      string
	Priority  model.Priority
	ThreadID  *uuid.UUID
	FromAlias string
	Signature string
}

// Send delivers one mail item to a live agent in the sender's project. For
// custodial senders the server signs the canonical payload; self-custody
// senders may supply a client-side signature, which is verified before
// storage. Sending to a rotated peer acknowledges their pending
// announcement.
func (s *MessageService) Send(ctx context.Context, project *model.Project, sender *model.Agent, p SendParams) (*model.Message, error) {
	if p.FromAlias != "" && p.FromAlias != sender.Alias {
		return nil, &ErrValidation{Msg: "from_alias does not match canonical alias"}
	}
	if strings.TrimSpace(p.Body) == "" {
		return nil, &ErrValidation{Msg: "body is required"}
	}
	if p.Priority == "" {
		p.Priority = model.PriorityNormal
	}
	switch p.Priority {
	case model.PriorityLow, model.PriorityNormal, model.PriorityHigh, model.PriorityUrgent:
	default:
		return nil, &ErrValidation{Msg: "priority must be low, normal, high, or urgent"}
	}

	recipient, err := s.agents.GetLiveByAlias(ctx, nil, project.ID, p.ToAlias)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrNotFound{Msg: "Recipient not found"}
	}
	if err != nil {
		return nil, err
	}
	if recipient.Status == model.AgentStatusRetired {
		e := &ErrGone{Msg: fmt.Sprintf("Agent %s is retired", recipient.Alias)}
		if recipient.SuccessorID != nil {
			if succ, serr := s.agents.GetByID(ctx, project.ID, *recipient.SuccessorID); serr == nil {
				e.SuccessorAlias = succ.Alias
			}
		}
		return nil, e
	}

	senderAddress := project.Slug + "/" + sender.Alias
	allowed, err := s.contacts.CheckAccess(ctx, recipient, senderAddress)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, &ErrForbidden{Msg: "Recipient only accepts messages from contacts"}
	}

	now := time.Now().UTC()
	msg := &model.Message{
		ID:          uuid.New(),
		ProjectID:   project.ID,
		FromAgentID: sender.ID,
		FromAlias:   sender.Alias,
		ToAgentID:   recipient.ID,
		Subject:     p.Subject,
		Body:        p.Body,
		Priority:    p.Priority,
		ThreadID:    p.ThreadID,
		ToDID:       recipient.DID,
		CreatedAt:   now,
	}

	fields := map[string]string{
		"body":      p.Body,
		"from":      senderAddress,
		"from_did":  sender.DID,
		"subject":   p.Subject,
		"timestamp": utcISO(now),
		"to":        project.Slug + "/" + recipient.Alias,
		"to_did":    recipient.DID,
		"type":      "mail",
	}
	switch {
	case p.Signature != "" && sender.DID != "":
		if identity.VerifySignature(sender.DID, identity.CanonicalPayload(fields), p.Signature) != identity.Verified {
			return nil, &ErrValidation{Msg: "Invalid message signature"}
		}
		msg.FromDID = sender.DID
		msg.Signature = p.Signature
		msg.SigningKeyID = sender.DID
	case sender.Custody == model.CustodyCustodial:
		fromDID, sig, keyID, ok, err := s.custody.SignOnBehalf(ctx, sender.ID, fields)
		if err != nil {
			return nil, err
		}
		if ok {
			msg.FromDID = fromDID
			msg.Signature = sig
			msg.SigningKeyID = keyID
		}
	}

	stored, err := s.messages.Insert(ctx, msg)
	if err != nil {
		return nil, err
	}

	// Replying to a rotated agent is receipt of its announcement.
	if err := s.rotations.Acknowledge(ctx, nil, recipient.ID, sender.ID); err != nil {
		s.logger.Warn("rotation ack failed",
			zap.String("sender", sender.Alias), zap.String("recipient", recipient.Alias), zap.Error(err))
	}

	s.hooks.Fire(ctx, hooks.EventMessageSent, map[string]any{
		"message_id": stored.ID.String(),
		"project_id": project.ID.String(),
		"from_alias": sender.Alias,
		"to_alias":   recipient.Alias,
	})
	return stored, nil
}

// Inbox returns the agent's received mail, newest first, each item carrying
// the sender's pending rotation announcement when one applies.
func (s *MessageService) Inbox(ctx context.Context, projectID uuid.UUID, agent *model.Agent, unreadOnly bool, limit int) ([]*model.InboxItem, error) {
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	msgs, err := s.messages.Inbox(ctx, projectID, agent.ID, unreadOnly, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[uuid.UUID]struct{}, len(msgs))
	var senderIDs []uuid.UUID
	for _, m := range msgs {
		if _, ok := seen[m.FromAgentID]; !ok {
			seen[m.FromAgentID] = struct{}{}
			senderIDs = append(senderIDs, m.FromAgentID)
		}
	}
	pending, err := s.rotations.PendingForSenders(ctx, senderIDs, agent.ID)
	if err != nil {
		return nil, err
	}

	items := make([]*model.InboxItem, 0, len(msgs))
	for _, m := range msgs {
		items = append(items, &model.InboxItem{
			Message:              *m,
			RotationAnnouncement: pending[m.FromAgentID],
		})
	}
	return items, nil
}

// Ack marks a received message read. Idempotent: re-acks return the
// original read time. Acking a message addressed to someone else is
// forbidden rather than hidden.
func (s *MessageService) Ack(ctx context.Context, projectID uuid.UUID, agent *model.Agent, messageID uuid.UUID) (time.Time, error) {
	readAt, err := s.messages.Ack(ctx, projectID, agent.ID, messageID)
	if errors.Is(err, repository.ErrNotFound) {
		return time.Time{}, &ErrNotFound{Msg: "Message not found"}
	}
	if errors.Is(err, repository.ErrForbidden) {
		return time.Time{}, &ErrForbidden{Msg: "Not authorized to acknowledge this message"}
	}
	if err != nil {
		return time.Time{}, err
	}
	s.hooks.Fire(ctx, hooks.EventMessageAcknowledged, map[string]any{
		"message_id": messageID.String(),
		"project_id": projectID.String(),
		"agent_id":   agent.ID.String(),
	})
	return readAt, nil
}

// UnreadCount reports the agent's unread mail total.
func (s *MessageService) UnreadCount(ctx context.Context, projectID, agentID uuid.UUID) (int, error) {
	return s.messages.UnreadCount(ctx, projectID, agentID)
}
