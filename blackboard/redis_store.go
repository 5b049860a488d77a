package blackboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/agentmesh/types"
)

// RedisStore is a Redis-based implementation of Store for distributed
// deployments. Entries are JSON blobs indexed per session; the version
// compare-and-set runs as a Lua script so two concurrent updaters cannot
// both win. Expiring entries are additionally indexed in a sorted set
// scored by expiry time, which makes the sweep a range query.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// updateScript bumps the entry version iff it matches the expected one.
// Returns the new version, -1 on version mismatch, -2 when missing.
var updateScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return -2
end
local entry = cjson.decode(raw)
if entry['version'] ~= tonumber(ARGV[1]) then
  return -1
end
entry['content'] = cjson.decode(ARGV[2])
entry['version'] = entry['version'] + 1
entry['updated_at'] = ARGV[3]
redis.call('SET', KEYS[1], cjson.encode(entry))
return entry['version']
`)

// RedisStoreConfig configures the redis blackboard store.
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisStore creates a new Redis-based blackboard store.
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
	return &RedisStore{client: client, keyPrefix: keyPrefix + "blackboard:"}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "blackboard:"}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) entryKey(entryID string) string {
	return s.keyPrefix + "entry:" + entryID
}

func (s *RedisStore) sessionKey(sessionID string) string {
	return s.keyPrefix + "session:" + sessionID
}

func (s *RedisStore) expiryKey() string {
	return s.keyPrefix + "expiry"
}

// SaveEntry persists a new entry and its index memberships.
func (s *RedisStore) SaveEntry(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.ID == "" {
		return types.ErrInvalidInput
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.entryKey(entry.ID), data, 0)
	pipe.ZAdd(ctx, s.sessionKey(entry.SessionID), redis.Z{
		Score:  float64(entry.CreatedAt.UnixNano()),
		Member: entry.ID,
	})
	if entry.ExpiresAt != nil {
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{
			Score:  float64(entry.ExpiresAt.UnixNano()),
			Member: entry.ID,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetEntry returns an entry by ID, honoring lazy TTL expiry.
func (s *RedisStore) GetEntry(ctx context.Context, entryID string) (*Entry, error) {
	data, err := s.client.Get(ctx, s.entryKey(entryID)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	if entry.Expired(time.Now().UTC()) {
		return nil, types.ErrNotFound
	}
	return &entry, nil
}

// UpdateEntry performs the version compare-and-set via the update script.
func (s *RedisStore) UpdateEntry(ctx context.Context, entryID string, expectedVersion int64, content any) (int64, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal content: %w", err)
	}

	version, err := updateScript.Run(ctx, s.client,
		[]string{s.entryKey(entryID)},
		expectedVersion, string(raw), time.Now().UTC().Format(time.RFC3339Nano),
	).Int64()
	if err != nil {
		return 0, err
	}
	switch version {
	case -2:
		return 0, types.ErrNotFound
	case -1:
		return 0, types.ErrStaleWrite
	}
	return version, nil
}

// ListEntries returns live session entries in read order.
func (s *RedisStore) ListEntries(ctx context.Context, sessionID string, filter Filter) ([]*Entry, error) {
	ids, err := s.client.ZRange(ctx, s.sessionKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Entry, 0, len(ids))
	for _, entryID := range ids {
		entry, err := s.GetEntry(ctx, entryID)
		if err != nil {
			continue
		}
		if matchesEntry(entry, filter) {
			result = append(result, entry)
		}
	}
	orderEntries(result)
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// DeleteEntry removes an entry and its index memberships.
func (s *RedisStore) DeleteEntry(ctx context.Context, entryID string) error {
	data, err := s.client.Get(ctx, s.entryKey(entryID)).Bytes()
	if err == redis.Nil {
		return types.ErrNotFound
	}
	if err != nil {
		return err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.entryKey(entryID))
	pipe.ZRem(ctx, s.sessionKey(entry.SessionID), entryID)
	pipe.ZRem(ctx, s.expiryKey(), entryID)
	_, err = pipe.Exec(ctx)
	return err
}

// Sweep removes entries whose TTL lapsed before now.
func (s *RedisStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, entryID := range ids {
		if err := s.DeleteEntry(ctx, entryID); err == nil {
			count++
		} else {
			// Already gone; drop the stale index entry.
			s.client.ZRem(ctx, s.expiryKey(), entryID)
		}
	}
	return count, nil
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
