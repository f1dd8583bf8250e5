package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beadhub/aweb/internal/coord/model"
	"github.com/beadhub/aweb/internal/coord/repository"
	"github.com/beadhub/aweb/internal/hooks"
	"github.com/beadhub/aweb/internal/presence"
)

const (
	defaultChatHistoryLimit = 50
	maxChatHistoryLimit     = 200

	// HangOnExtensionSeconds is how much longer a waiting peer should keep
	// its stream open when a message arrives flagged hang_on.
	HangOnExtensionSeconds = 300
)

type chatRepo interface {
	EnsureSession(ctx context.Context, projectID uuid.UUID, participants []*model.ChatParticipant) (uuid.UUID, error)
	GetSession(ctx context.Context, projectID, sessionID uuid.UUID) (*model.ChatSession, error)
	GetParticipant(ctx context.Context, sessionID, agentID uuid.UUID) (*model.ChatParticipant, error)
	Participants(ctx context.Context, sessionID uuid.UUID) ([]*model.ChatParticipant, error)
	InsertMessage(ctx context.Context, m *model.ChatMessage) (*model.ChatMessage, error)
	MessagesAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]*model.ChatMessage, error)
	History(ctx context.Context, sessionID, agentID uuid.UUID, unreadOnly bool, limit int) ([]*model.ChatMessage, error)
	MarkRead(ctx context.Context, sessionID, agentID, upToMessageID uuid.UUID) (int, error)
	ReceiptsAfter(ctx context.Context, sessionID, excludeAgentID uuid.UUID, after time.Time) ([]*repository.ReadReceipt, error)
	Pending(ctx context.Context, projectID, agentID uuid.UUID) ([]*repository.PendingRow, error)
	ListSessions(ctx context.Context, projectID, agentID uuid.UUID) ([]*repository.SessionRow, error)
	TargetsLeft(ctx context.Context, sessionID uuid.UUID, targetIDs []uuid.UUID) ([]string, error)
}

type chatAgentRepo interface {
	GetByID(ctx context.Context, projectID, agentID uuid.UUID) (*model.Agent, error)
	GetLiveByAlias(ctx context.Context, q repository.Querier, projectID uuid.UUID, alias string) (*model.Agent, error)
}

// ChatService implements synchronous sessions: participant-set identity,
// ordered history, monotonic read receipts, and waiting-state bookkeeping
// for streams.
type ChatService struct {
	chats    chatRepo
	agents   chatAgentRepo
	custody  *CustodyService
	presence *presence.Store
	hooks    *hooks.Dispatcher
	logger   *zap.Logger
}

// NewChatService wires the chat service.
func NewChatService(chats chatRepo, agents chatAgentRepo, custody *CustodyService,
	pres *presence.Store, dispatcher *hooks.Dispatcher, logger *zap.Logger) *ChatService {
	return &ChatService{
		chats:    chats,
		agents:   agents,
		custody:  custody,
		presence: pres,
		hooks:    dispatcher,
		logger:   logger,
	}
}

// CreateOrSendParams opens (or finds) the session for sender+targets and
// optionally delivers a first message.
type CreateOrSendParams struct {
	ToAliases     []string
	Body          string
	SenderLeaving bool
	HangOn        bool
}

// CreateOrSendResult reports the resolved session and, when a body was
// given, the delivered message.
type CreateOrSendResult struct {
	SessionID      uuid.UUID          `json:"session_id"`
	Participants   []string           `json:"participants"`
	Message        *model.ChatMessage `json:"message,omitempty"`
	TargetsWaiting []string           `json:"targets_waiting,omitempty"`
	TargetsLeft    []string           `json:"targets_left,omitempty"`
}

// CreateOrSend resolves the target aliases, lands everyone in the session
// keyed by the participant set, and sends the first message when a body is
// present. The same set of agents always resolves to the same session.
func (s *ChatService) CreateOrSend(ctx context.Context, project *model.Project, sender *model.Agent, p CreateOrSendParams) (*CreateOrSendResult, error) {
	if len(p.ToAliases) == 0 {
		return nil, &ErrValidation{Msg: "to is required"}
	}

	targets := make([]*model.Agent, 0, len(p.ToAliases))
	seen := map[uuid.UUID]struct{}{sender.ID: {}}
	onlySelf := true
	for _, alias := range p.ToAliases {
		alias = strings.TrimSpace(alias)
		if alias == "" {
			continue
		}
		if alias == sender.Alias {
			continue
		}
		target, err := s.agents.GetLiveByAlias(ctx, nil, project.ID, alias)
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ErrNotFound{Msg: fmt.Sprintf("Agent %s not found", alias)}
		}
		if err != nil {
			return nil, err
		}
		if target.Status == model.AgentStatusRetired {
			e := &ErrGone{Msg: fmt.Sprintf("Agent %s is retired", target.Alias)}
			if target.SuccessorID != nil {
				if succ, serr := s.agents.GetByID(ctx, project.ID, *target.SuccessorID); serr == nil {
					e.SuccessorAlias = succ.Alias
				}
			}
			return nil, e
		}
		onlySelf = false
		if _, dup := seen[target.ID]; dup {
			continue
		}
		seen[target.ID] = struct{}{}
		targets = append(targets, target)
	}
	if onlySelf {
		return nil, &ErrBadRequest{Msg: "Self-chat is not supported"}
	}

	participants := make([]*model.ChatParticipant, 0, len(targets)+1)
	participants = append(participants, &model.ChatParticipant{AgentID: sender.ID, Alias: sender.Alias})
	for _, t := range targets {
		participants = append(participants, &model.ChatParticipant{AgentID: t.ID, Alias: t.Alias})
	}

	sessionID, err := s.chats.EnsureSession(ctx, project.ID, participants)
	if err != nil {
		return nil, err
	}

	aliases := make([]string, 0, len(participants))
	for _, m := range participants {
		aliases = append(aliases, m.Alias)
	}
	sort.Strings(aliases)

	res := &CreateOrSendResult{SessionID: sessionID, Participants: aliases}
	if strings.TrimSpace(p.Body) == "" {
		return res, nil
	}

	sent, err := s.deliver(ctx, project, sender, sessionID, targets, p.Body, p.SenderLeaving, p.HangOn)
	if err != nil {
		return nil, err
	}
	res.Message = sent.Message
	res.TargetsWaiting = sent.TargetsWaiting
	res.TargetsLeft = sent.TargetsLeft
	return res, nil
}

// ChatSendResult is a delivered chat message plus the live state of its
// targets: who is waiting on an open stream, and who has signaled leaving.
type ChatSendResult struct {
	Message        *model.ChatMessage `json:"message"`
	TargetsWaiting []string           `json:"targets_waiting,omitempty"`
	TargetsLeft    []string           `json:"targets_left,omitempty"`
}

// Send delivers a message into an existing session the sender belongs to.
func (s *ChatService) Send(ctx context.Context, project *model.Project, sender *model.Agent, sessionID uuid.UUID, body string, senderLeaving, hangOn bool) (*ChatSendResult, error) {
	if strings.TrimSpace(body) == "" {
		return nil, &ErrValidation{Msg: "message is required"}
	}
	if _, err := s.authorize(ctx, project.ID, sessionID, sender.ID); err != nil {
		return nil, err
	}

	members, err := s.chats.Participants(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	targets := make([]*model.Agent, 0, len(members))
	for _, m := range members {
		if m.AgentID == sender.ID {
			continue
		}
		agent, err := s.agents.GetByID(ctx, project.ID, m.AgentID)
		if err != nil {
			// Deregistered members stay addressable inside the session.
			agent = &model.Agent{ID: m.AgentID, Alias: m.Alias}
		}
		targets = append(targets, agent)
	}
	return s.deliver(ctx, project, sender, sessionID, targets, body, senderLeaving, hangOn)
}

// deliver signs, stores, and announces one chat message. The sender's read
// receipt advances with the insert.
func (s *ChatService) deliver(ctx context.Context, project *model.Project, sender *model.Agent, sessionID uuid.UUID, targets []*model.Agent, body string, senderLeaving, hangOn bool) (*ChatSendResult, error) {
	now := time.Now().UTC()
	msg := &model.ChatMessage{
		ID:            uuid.New(),
		SessionID:     sessionID,
		FromAgentID:   sender.ID,
		FromAlias:     sender.Alias,
		Body:          body,
		SenderLeaving: senderLeaving,
		HangOn:        hangOn,
		CreatedAt:     now,
	}

	toAddrs := make([]string, 0, len(targets))
	addrDID := make(map[string]string, len(targets))
	for _, t := range targets {
		addr := project.Slug + "/" + t.Alias
		toAddrs = append(toAddrs, addr)
		addrDID[addr] = t.DID
	}
	sort.Strings(toAddrs)
	var toDIDs []string
	for _, addr := range toAddrs {
		if did := addrDID[addr]; did != "" {
			toDIDs = append(toDIDs, did)
		}
	}
	toDID := strings.Join(toDIDs, ",")
	msg.ToDID = toDID

	if sender.Custody == model.CustodyCustodial {
		fields := map[string]string{
			"body":      body,
			"from":      project.Slug + "/" + sender.Alias,
			"from_did":  sender.DID,
			"subject":   "",
			"timestamp": utcISO(now),
			"to":        strings.Join(toAddrs, ","),
			"to_did":    toDID,
			"type":      "chat",
		}
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

	stored, err := s.chats.InsertMessage(ctx, msg)
	if err != nil {
		return nil, err
	}

	targetIDs := make([]uuid.UUID, 0, len(targets))
	targetIDStrs := make([]string, 0, len(targets))
	idAlias := make(map[string]string, len(targets))
	for _, t := range targets {
		targetIDs = append(targetIDs, t.ID)
		targetIDStrs = append(targetIDStrs, t.ID.String())
		idAlias[t.ID.String()] = t.Alias
	}
	var waiting []string
	for _, id := range s.presence.WaitingAgents(ctx, sessionID.String(), targetIDStrs) {
		waiting = append(waiting, idAlias[id])
	}
	sort.Strings(waiting)

	left, err := s.chats.TargetsLeft(ctx, sessionID, targetIDs)
	if err != nil {
		s.logger.Warn("targets_left lookup failed", zap.String("session_id", sessionID.String()), zap.Error(err))
	}

	s.hooks.Fire(ctx, hooks.EventChatMessageSent, map[string]any{
		"message_id": stored.ID.String(),
		"session_id": sessionID.String(),
		"project_id": project.ID.String(),
		"from_alias": sender.Alias,
	})
	return &ChatSendResult{Message: stored, TargetsWaiting: waiting, TargetsLeft: left}, nil
}

// History returns the newest messages of a session in chronological order.
func (s *ChatService) History(ctx context.Context, projectID uuid.UUID, agent *model.Agent, sessionID uuid.UUID, unreadOnly bool, limit int) ([]*model.ChatMessage, error) {
	if limit <= 0 {
		limit = defaultChatHistoryLimit
	}
	if limit > maxChatHistoryLimit {
		limit = maxChatHistoryLimit
	}
	if _, err := s.authorize(ctx, projectID, sessionID, agent.ID); err != nil {
		return nil, err
	}
	return s.chats.History(ctx, sessionID, agent.ID, unreadOnly, limit)
}

// MarkRead advances the caller's read cursor to the given message. Returns
// how many of the others' messages the advance newly covered; a stale
// cursor (pointing at an older message) marks nothing.
func (s *ChatService) MarkRead(ctx context.Context, projectID uuid.UUID, agent *model.Agent, sessionID, upToMessageID uuid.UUID) (int, error) {
	if _, err := s.authorize(ctx, projectID, sessionID, agent.ID); err != nil {
		return 0, err
	}
	marked, err := s.chats.MarkRead(ctx, sessionID, agent.ID, upToMessageID)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, &ErrNotFound{Msg: "Message not found"}
	}
	if err != nil {
		return 0, err
	}
	return marked, nil
}

// Pending lists the caller's sessions with unread activity, annotated with
// whether the last sender still has an open stream.
func (s *ChatService) Pending(ctx context.Context, projectID uuid.UUID, agent *model.Agent) ([]*model.PendingSession, error) {
	rows, err := s.chats.Pending(ctx, projectID, agent.ID)
	if err != nil {
		return nil, err
	}

	out := make([]*model.PendingSession, 0, len(rows))
	for _, row := range rows {
		ps := &model.PendingSession{
			SessionID:          row.SessionID,
			Participants:       row.Participants,
			LastMessageFrom:    row.LastFrom,
			LastMessagePreview: chatPreview(row.LastMessage),
			LastMessageAt:      row.LastActivity,
			MessagesWaiting:    row.UnreadCount,
		}
		others := make([]string, 0, len(row.ParticipantIDs))
		idAlias := make(map[string]string, len(row.ParticipantIDs))
		for i, id := range row.ParticipantIDs {
			if id == agent.ID.String() {
				continue
			}
			others = append(others, id)
			if i < len(row.Participants) {
				idAlias[id] = row.Participants[i]
			}
		}
		for _, id := range s.presence.WaitingAgents(ctx, row.SessionID.String(), others) {
			if idAlias[id] == row.LastFrom {
				ps.SenderWaiting = true
			}
		}
		out = append(out, ps)
	}
	return out, nil
}

// SessionInfo is one entry in the session listing, with live waiting state.
type SessionInfo struct {
	SessionID    uuid.UUID `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	Participants []string  `json:"participants"`
	Waiting      []string  `json:"waiting,omitempty"`
}

// ListSessions returns every session the agent belongs to, newest first.
func (s *ChatService) ListSessions(ctx context.Context, projectID uuid.UUID, agent *model.Agent) ([]*SessionInfo, error) {
	rows, err := s.chats.ListSessions(ctx, projectID, agent.ID)
	if err != nil {
		return nil, err
	}

	out := make([]*SessionInfo, 0, len(rows))
	for _, row := range rows {
		info := &SessionInfo{
			SessionID:    row.SessionID,
			CreatedAt:    row.CreatedAt,
			Participants: row.Participants,
		}
		idAlias := make(map[string]string, len(row.ParticipantIDs))
		for i, id := range row.ParticipantIDs {
			if i < len(row.Participants) {
				idAlias[id] = row.Participants[i]
			}
		}
		for _, id := range s.presence.WaitingAgents(ctx, row.SessionID.String(), row.ParticipantIDs) {
			if alias, ok := idAlias[id]; ok {
				info.Waiting = append(info.Waiting, alias)
			}
		}
		sort.Strings(info.Waiting)
		out = append(out, info)
	}
	return out, nil
}

// Authorize verifies session existence in the caller's project and the
// caller's membership, returning the membership row.
func (s *ChatService) Authorize(ctx context.Context, projectID uuid.UUID, sessionID, agentID uuid.UUID) (*model.ChatParticipant, error) {
	return s.authorize(ctx, projectID, sessionID, agentID)
}

func (s *ChatService) authorize(ctx context.Context, projectID, sessionID, agentID uuid.UUID) (*model.ChatParticipant, error) {
	if _, err := s.chats.GetSession(ctx, projectID, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, &ErrNotFound{Msg: "Session not found"}
		}
		return nil, err
	}
	member, err := s.chats.GetParticipant(ctx, sessionID, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &ErrForbidden{Msg: "Not a session participant"}
	}
	if err != nil {
		return nil, err
	}
	return member, nil
}

// MessagesAfter exposes the stream cursor read: messages strictly newer
// than after, oldest first.
func (s *ChatService) MessagesAfter(ctx context.Context, sessionID uuid.UUID, after time.Time, limit int) ([]*model.ChatMessage, error) {
	return s.chats.MessagesAfter(ctx, sessionID, after, limit)
}

// ReceiptsAfter exposes other participants' read-receipt updates past the
// cursor for stream delivery.
func (s *ChatService) ReceiptsAfter(ctx context.Context, sessionID, excludeAgentID uuid.UUID, after time.Time) ([]*repository.ReadReceipt, error) {
	return s.chats.ReceiptsAfter(ctx, sessionID, excludeAgentID, after)
}

// WaitingSenders reports which of the messages' senders hold an open stream
// on the session, resolved in one batched presence lookup.
func (s *ChatService) WaitingSenders(ctx context.Context, sessionID uuid.UUID, msgs []*model.ChatMessage) map[uuid.UUID]bool {
	seen := make(map[uuid.UUID]struct{}, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.FromAgentID]; ok {
			continue
		}
		seen[m.FromAgentID] = struct{}{}
		ids = append(ids, m.FromAgentID.String())
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range s.presence.WaitingAgents(ctx, sessionID.String(), ids) {
		if agentID, err := uuid.Parse(id); err == nil {
			out[agentID] = true
		}
	}
	return out
}

// RegisterWaiting marks the agent as attached to the session's stream.
func (s *ChatService) RegisterWaiting(ctx context.Context, sessionID, agentID uuid.UUID) {
	s.presence.RegisterWaiting(ctx, sessionID.String(), agentID.String())
}

// UnregisterWaiting removes the agent from the session's waiting set.
func (s *ChatService) UnregisterWaiting(ctx context.Context, sessionID, agentID uuid.UUID) {
	s.presence.UnregisterWaiting(ctx, sessionID.String(), agentID.String())
}

// chatPreview truncates a body for listings.
func chatPreview(body string) string {
	const max = 100
	runes := []rune(body)
	if len(runes) <= max {
		return body
	}
	return string(runes[:max])
}
