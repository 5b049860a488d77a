package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/agentmesh/types"
)

// RedisStore is a Redis-based implementation of Store for distributed
// deployments. Reputation scores mutate exclusively through a Lua script
// that applies the delta, clamps and appends the history entry in one
// atomic operation, so concurrent adjusters never lose updates.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// adjustScript applies a clamped delta to a score key and pushes the history
// entry. ARGV: delta, min, max, neutral, history entry JSON (delta and score
// are filled in server-side after clamping). Returns the new score as a
// string to keep float precision.
var adjustScript = redis.NewScript(`
local old = tonumber(redis.call('GET', KEYS[1]))
if old == nil then
  old = tonumber(ARGV[4])
end
local score = old + tonumber(ARGV[1])
local min = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
if score < min then score = min end
if score > max then score = max end
redis.call('SET', KEYS[1], tostring(score))
local entry = cjson.decode(ARGV[5])
entry['delta'] = score - old
entry['score'] = score
redis.call('RPUSH', KEYS[2], cjson.encode(entry))
return tostring(score)
`)

// RedisStoreConfig configures the redis workload store.
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisStore creates a new Redis-based workload store.
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "workload:"}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "workload:"}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) snapshotKey(agentID string) string {
	return s.keyPrefix + "snapshot:" + agentID
}

func (s *RedisStore) scoreKey(agentID string) string {
	return s.keyPrefix + "score:" + agentID
}

func (s *RedisStore) historyKey(agentID string) string {
	return s.keyPrefix + "history:" + agentID
}

func (s *RedisStore) agentsKey() string {
	return s.keyPrefix + "agents"
}

// SaveSnapshot upserts an agent's utilization snapshot.
func (s *RedisStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil || snap.AgentID == "" {
		return types.ErrInvalidInput
	}

	clone := *snap
	if clone.UpdatedAt.IsZero() {
		clone.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(&clone)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.snapshotKey(snap.AgentID), data, 0)
	pipe.SAdd(ctx, s.agentsKey(), snap.AgentID)
	_, err = pipe.Exec(ctx)
	return err
}

// GetSnapshot returns the latest snapshot for an agent.
func (s *RedisStore) GetSnapshot(ctx context.Context, agentID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(agentID)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// ListSnapshots returns the latest snapshot of every tracked agent.
func (s *RedisStore) ListSnapshots(ctx context.Context) ([]*Snapshot, error) {
	agentIDs, err := s.client.SMembers(ctx, s.agentsKey()).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Snapshot, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		snap, err := s.GetSnapshot(ctx, agentID)
		if err != nil {
			continue
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].AgentID < result[j].AgentID
	})
	return result, nil
}

// AdjustReputation applies a clamped delta via the adjust script.
func (s *RedisStore) AdjustReputation(ctx context.Context, agentID string, delta float64, cause string) (float64, error) {
	if agentID == "" {
		return 0, types.ErrInvalidInput
	}

	entry, err := json.Marshal(&ReputationEntry{
		AgentID:   agentID,
		Cause:     cause,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	raw, err := adjustScript.Run(ctx, s.client,
		[]string{s.scoreKey(agentID), s.historyKey(agentID)},
		delta, ReputationMin, ReputationMax, ReputationNeutral, string(entry),
	).Text()
	if err != nil {
		return 0, err
	}
	score, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected score value %q: %w", raw, err)
	}

	s.client.SAdd(ctx, s.agentsKey(), agentID)
	return score, nil
}

// GetReputation returns the agent's current score.
func (s *RedisStore) GetReputation(ctx context.Context, agentID string) (float64, error) {
	raw, err := s.client.Get(ctx, s.scoreKey(agentID)).Result()
	if err == redis.Nil {
		return ReputationNeutral, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(raw, 64)
}

// ListReputations returns the current score of every agent with history.
func (s *RedisStore) ListReputations(ctx context.Context) (map[string]float64, error) {
	agentIDs, err := s.client.SMembers(ctx, s.agentsKey()).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[string]float64, len(agentIDs))
	for _, agentID := range agentIDs {
		raw, err := s.client.Get(ctx, s.scoreKey(agentID)).Result()
		if err != nil {
			continue
		}
		if score, err := strconv.ParseFloat(raw, 64); err == nil {
			result[agentID] = score
		}
	}
	return result, nil
}

// History returns the most recent reputation entries, newest first.
func (s *RedisStore) History(ctx context.Context, agentID string, limit int) ([]*ReputationEntry, error) {
	raws, err := s.client.LRange(ctx, s.historyKey(agentID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*ReputationEntry, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var entry ReputationEntry
		if err := json.Unmarshal([]byte(raws[i]), &entry); err != nil {
			continue
		}
		result = append(result, &entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
