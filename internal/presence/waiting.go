package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// WaitingMaxAge — an agent counts as waiting on a session iff its
	// registration score is within this window.
	WaitingMaxAge = 90 * time.Second
	// WaitingRefreshInterval — how often an open stream re-registers.
	WaitingRefreshInterval = 30 * time.Second
)

// staleCheckScript atomically removes a member only if its score is still
// below the cutoff, avoiding a TOCTOU race with a concurrent refresh.
// Returns 1 if fresh, 0 if stale (removed), -1 if absent.
var staleCheckScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then
    return -1
end
if tonumber(score) < tonumber(ARGV[2]) then
    redis.call('ZREM', KEYS[1], ARGV[1])
    return 0
end
return 1
`)

func chatWaitingKey(sessionID string) string {
	return "chat:waiting:" + sessionID
}

// RegisterWaiting marks an agent as attached to a session's stream.
func (s *Store) RegisterWaiting(ctx context.Context, sessionID, agentID string) {
	if s.rdb == nil {
		return
	}
	key := chatWaitingKey(sessionID)
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(time.Now().Unix()), Member: agentID})
	pipe.Expire(ctx, key, WaitingMaxAge)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("register waiting failed",
			zap.String("session_id", sessionID), zap.String("agent_id", agentID), zap.Error(err))
	}
}

// UnregisterWaiting removes an agent from a session's waiting set.
func (s *Store) UnregisterWaiting(ctx context.Context, sessionID, agentID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.ZRem(ctx, chatWaitingKey(sessionID), agentID).Err(); err != nil {
		s.logger.Warn("unregister waiting failed",
			zap.String("session_id", sessionID), zap.String("agent_id", agentID), zap.Error(err))
	}
}

// IsWaiting reports whether an agent has a fresh stream registration on a
// session, removing it if stale.
func (s *Store) IsWaiting(ctx context.Context, sessionID, agentID string) bool {
	if s.rdb == nil {
		return false
	}
	cutoff := time.Now().Add(-WaitingMaxAge).Unix()
	res, err := staleCheckScript.Run(ctx, s.rdb, []string{chatWaitingKey(sessionID)}, agentID, cutoff).Int()
	if err != nil {
		s.logger.Warn("waiting check failed", zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	return res == 1
}

// WaitingAgents returns the subset of agentIDs with fresh registrations on
// the session.
func (s *Store) WaitingAgents(ctx context.Context, sessionID string, agentIDs []string) []string {
	if s.rdb == nil || len(agentIDs) == 0 {
		return nil
	}
	key := chatWaitingKey(sessionID)
	cutoff := float64(time.Now().Add(-WaitingMaxAge).Unix())

	pipe := s.rdb.Pipeline()
	scores := make([]*redis.FloatCmd, len(agentIDs))
	for i, aid := range agentIDs {
		scores[i] = pipe.ZScore(ctx, key, aid)
	}
	// ZSCORE on a missing member returns redis.Nil; Exec surfaces it, so
	// inspect the individual commands instead.
	_, _ = pipe.Exec(ctx)

	var waiting []string
	for i, aid := range agentIDs {
		if score, err := scores[i].Result(); err == nil && score >= cutoff {
			waiting = append(waiting, aid)
		}
	}
	return waiting
}
