// Package presence tracks ephemeral agent state in Redis: which agents are
// live within a project, and which agents hold an open chat stream. All
// operations degrade to no-ops returning empty results when Redis is not
// configured — Postgres stays authoritative for identity.
package presence

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultTTL is how long a presence record survives without a heartbeat.
const DefaultTTL = 1800 * time.Second

// Record is one agent's presence hash.
type Record struct {
	AgentID   string `json:"agent_id"`
	Alias     string `json:"alias"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	LastSeen  string `json:"last_seen"`
}

// Store reads and writes presence state. A nil client disables it.
type Store struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewStore creates a presence store. rdb may be nil.
func NewStore(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, logger: logger}
}

// Enabled reports whether a Redis backend is configured.
func (s *Store) Enabled() bool { return s.rdb != nil }

func presenceKey(agentID string) string {
	return "aweb:presence:" + agentID
}

func projectAgentsIndexKey(projectID string) string {
	return "aweb:idx:project_agents:" + projectID
}

// Update upserts an agent's presence and refreshes the per-project index.
// Returns the last_seen timestamp written.
func (s *Store) Update(ctx context.Context, agentID, alias, projectID, status string) string {
	now := time.Now().UTC().Format(time.RFC3339)
	if s.rdb == nil {
		return now
	}

	key := presenceKey(agentID)
	idxKey := projectAgentsIndexKey(projectID)

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]any{
		"agent_id":   agentID,
		"alias":      alias,
		"project_id": projectID,
		"status":     status,
		"last_seen":  now,
	})
	pipe.Expire(ctx, key, s.ttl)
	// Index TTL is 2x presence TTL so stale members outlive the presence key
	// and get lazily pruned on read.
	pipe.SAdd(ctx, idxKey, agentID)
	pipe.Expire(ctx, idxKey, 2*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("presence update failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	return now
}

// Get fetches one agent's presence record, or nil if absent or expired.
func (s *Store) Get(ctx context.Context, agentID string) *Record {
	if s.rdb == nil {
		return nil
	}
	data, err := s.rdb.HGetAll(ctx, presenceKey(agentID)).Result()
	if err != nil || len(data) == 0 {
		return nil
	}
	return recordFromHash(data)
}

// ListByProject returns all agents with live presence in a project, pruning
// stale index members along the way.
func (s *Store) ListByProject(ctx context.Context, projectID string) []Record {
	if s.rdb == nil {
		return nil
	}
	valid := s.filterValidAgentIDs(ctx, projectAgentsIndexKey(projectID))
	return s.ListByIDs(ctx, valid)
}

// ListByIDs fetches presence records for specific agent ids, skipping absent ones.
func (s *Store) ListByIDs(ctx context.Context, agentIDs []string) []Record {
	if s.rdb == nil || len(agentIDs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(agentIDs))
	for i, aid := range agentIDs {
		cmds[i] = pipe.HGetAll(ctx, presenceKey(aid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("presence batch fetch failed", zap.Error(err))
		return nil
	}

	var out []Record
	for _, cmd := range cmds {
		if data, err := cmd.Result(); err == nil && len(data) > 0 {
			out = append(out, *recordFromHash(data))
		}
	}
	return out
}

// Clear deletes presence for the given agents. Returns the count removed.
func (s *Store) Clear(ctx context.Context, agentIDs []string) int {
	if s.rdb == nil || len(agentIDs) == 0 {
		return 0
	}
	keys := make([]string, len(agentIDs))
	for i, aid := range agentIDs {
		keys[i] = presenceKey(aid)
	}
	n, err := s.rdb.Del(ctx, keys...).Result()
	if err != nil {
		s.logger.Warn("presence clear failed", zap.Error(err))
		return 0
	}
	return int(n)
}

// filterValidAgentIDs returns index members whose presence key still exists,
// removing the rest from the index.
func (s *Store) filterValidAgentIDs(ctx context.Context, idxKey string) []string {
	members, err := s.rdb.SMembers(ctx, idxKey).Result()
	if err != nil || len(members) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	exists := make([]*redis.IntCmd, len(members))
	for i, aid := range members {
		exists[i] = pipe.Exists(ctx, presenceKey(aid))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("presence index scan failed", zap.Error(err))
		return nil
	}

	var valid, stale []string
	for i, aid := range members {
		if exists[i].Val() > 0 {
			valid = append(valid, aid)
		} else {
			stale = append(stale, aid)
		}
	}
	if len(stale) > 0 {
		if err := s.rdb.SRem(ctx, idxKey, toAnySlice(stale)...).Err(); err != nil {
			s.logger.Warn("presence index prune failed", zap.Error(err))
		}
	}
	return valid
}

func recordFromHash(data map[string]string) *Record {
	return &Record{
		AgentID:   data["agent_id"],
		Alias:     data["alias"],
		ProjectID: data["project_id"],
		Status:    data["status"],
		LastSeen:  data["last_seen"],
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
