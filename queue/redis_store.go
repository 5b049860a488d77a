package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/agentmesh/types"
)

// RedisTaskStore is a Redis-based implementation of TaskStore for
// distributed deployments. Task bodies are JSON blobs; status membership is
// indexed with sorted sets scored by creation time. Claims are dedicated
// lease keys with a server-side TTL, mutated only through Lua scripts so
// that take/renew/release are single atomic operations — the claim key, not
// the task body, is the source of truth for mutual exclusion.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
}

// claimBody is the JSON value stored under a claim key.
type claimBody struct {
	AgentID   string    `json:"agent_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// claimScript takes or extends a lease. Returns 1 when the caller holds the
// lease afterwards, 0 on conflict.
var claimScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return 1
end
local held = cjson.decode(raw)
local want = cjson.decode(ARGV[1])
if held['agent_id'] == want['agent_id'] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// renewScript extends a lease only for its current holder.
var renewScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local held = cjson.decode(raw)
if held['agent_id'] == ARGV[1] then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// releaseScript drops a lease only for its current holder.
var releaseScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local held = cjson.decode(raw)
if held['agent_id'] == ARGV[1] then
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// RedisTaskStoreConfig configures the redis task store.
type RedisTaskStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisTaskStore creates a new Redis-based task store.
func NewRedisTaskStore(cfg RedisTaskStoreConfig) (*RedisTaskStore, error) {
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

	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix + "task:",
	}, nil
}

// NewRedisTaskStoreFromClient wraps an existing client. Used by tests.
func NewRedisTaskStoreFromClient(client *redis.Client, keyPrefix string) *RedisTaskStore {
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisTaskStore{client: client, keyPrefix: keyPrefix + "task:"}
}

// Close closes the store.
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTaskStore) taskKey(taskID string) string {
	return s.keyPrefix + "data:" + taskID
}

func (s *RedisTaskStore) claimKey(taskID string) string {
	return s.keyPrefix + "claim:" + taskID
}

func (s *RedisTaskStore) statusKey(status TaskStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisTaskStore) dependentsKey(taskID string) string {
	return s.keyPrefix + "deps:" + taskID
}

func (s *RedisTaskStore) allTasksKey() string {
	return s.keyPrefix + "all"
}

// SaveTask persists a task to the store.
func (s *RedisTaskStore) SaveTask(ctx context.Context, task *Task) error {
	if task == nil {
		return types.ErrInvalidInput
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	// The claim lives in its own lease key; never persist it in the body.
	stored := *task
	stored.Claim = nil

	oldTask, err := s.getBody(ctx, task.ID)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	score := float64(task.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.taskKey(task.ID), data, 0)
	if oldTask != nil && oldTask.Status != task.Status {
		pipe.ZRem(ctx, s.statusKey(oldTask.Status), task.ID)
	}
	pipe.ZAdd(ctx, s.statusKey(task.Status), redis.Z{Score: score, Member: task.ID})
	pipe.ZAdd(ctx, s.allTasksKey(), redis.Z{Score: score, Member: task.ID})
	for _, dep := range task.DependsOn {
		pipe.SAdd(ctx, s.dependentsKey(dep), task.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// getBody loads the stored task body without claim reconstruction.
func (s *RedisTaskStore) getBody(ctx context.Context, taskID string) (*Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetTask retrieves a task by ID, reconstructing the active claim from the
// lease key and its remaining TTL. An expired lease simply no longer exists,
// which is the lazy expiry the queue relies on.
func (s *RedisTaskStore) GetTask(ctx context.Context, taskID string) (*Task, error) {
	task, err := s.getBody(ctx, taskID)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.Get(ctx, s.claimKey(taskID)).Bytes()
	if err == redis.Nil {
		return task, nil
	}
	if err != nil {
		return nil, err
	}

	ttl, err := s.client.PTTL(ctx, s.claimKey(taskID)).Result()
	if err != nil || ttl <= 0 {
		return task, nil
	}

	var body claimBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return task, nil
	}
	task.Claim = &Claim{
		TaskID:    taskID,
		AgentID:   body.AgentID,
		ClaimedAt: body.ClaimedAt,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	return task, nil
}

// ListTasks retrieves tasks matching the filter criteria.
func (s *RedisTaskStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	var taskIDs []string
	var err error
	if len(filter.Status) == 1 {
		taskIDs, err = s.client.ZRange(ctx, s.statusKey(filter.Status[0]), 0, -1).Result()
	} else {
		taskIDs, err = s.client.ZRange(ctx, s.allTasksKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	result := make([]*Task, 0)
	for _, taskID := range taskIDs {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if matchesFilter(task, filter, now) {
			result = append(result, task)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return page(result, filter.Offset, filter.Limit), nil
}

// NextClaimable returns the claimable candidate set ordered by computed
// priority descending, ties by earliest creation.
func (s *RedisTaskStore) NextClaimable(ctx context.Context, limit int) ([]*Task, error) {
	ids := make([]string, 0)
	for _, status := range []TaskStatus{TaskStatusPending, TaskStatusClaimed, TaskStatusInProgress} {
		statusIDs, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, statusIDs...)
	}

	now := time.Now().UTC()
	result := make([]*Task, 0)
	for _, taskID := range ids {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			continue
		}
		if claimableNow(task, now) {
			result = append(result, task)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].ComputedPriority != result[j].ComputedPriority {
			return result[i].ComputedPriority > result[j].ComputedPriority
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// Claim atomically takes or extends a lease via the claim script.
func (s *RedisTaskStore) Claim(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error) {
	if agentID == "" || lease <= 0 {
		return false, types.ErrInvalidInput
	}

	task, err := s.getBody(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.IsTerminal() || task.Status == TaskStatusBlocked {
		return false, nil
	}

	body, err := json.Marshal(claimBody{AgentID: agentID, ClaimedAt: time.Now().UTC()})
	if err != nil {
		return false, err
	}

	ok, err := claimScript.Run(ctx, s.client,
		[]string{s.claimKey(taskID)},
		string(body), lease.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	if ok != 1 {
		return false, nil
	}

	// Advisory read model: exclusion is enforced by the lease key alone.
	task.Status = TaskStatusClaimed
	if err := s.SaveTask(ctx, task); err != nil {
		return true, err
	}
	return true, nil
}

// Heartbeat renews an active lease held by the agent.
func (s *RedisTaskStore) Heartbeat(ctx context.Context, taskID, agentID string, lease time.Duration) (bool, error) {
	ok, err := renewScript.Run(ctx, s.client,
		[]string{s.claimKey(taskID)},
		agentID, lease.Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return ok == 1, nil
}

// Release drops the agent's claim and returns the task to pending.
func (s *RedisTaskStore) Release(ctx context.Context, taskID, agentID string) (bool, error) {
	ok, err := releaseScript.Run(ctx, s.client,
		[]string{s.claimKey(taskID)},
		agentID,
	).Int()
	if err != nil {
		return false, err
	}
	if ok != 1 {
		return false, nil
	}

	task, err := s.getBody(ctx, taskID)
	if err != nil {
		return true, nil
	}
	if !task.Status.IsTerminal() {
		task.Status = TaskStatusPending
		if err := s.SaveTask(ctx, task); err != nil {
			return true, err
		}
	}
	return true, nil
}

// MarkInProgress transitions a claimed task to in_progress.
func (s *RedisTaskStore) MarkInProgress(ctx context.Context, taskID, agentID string) (bool, error) {
	// Holder check first; renewing with the remaining TTL is not needed
	// because PEXPIRE with the current lease would extend it. GET suffices.
	raw, err := s.client.Get(ctx, s.claimKey(taskID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var body claimBody
	if err := json.Unmarshal(raw, &body); err != nil || body.AgentID != agentID {
		return false, nil
	}

	task, err := s.getBody(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status != TaskStatusClaimed {
		return false, nil
	}
	now := time.Now().UTC()
	task.Status = TaskStatusInProgress
	task.StartedAt = &now
	if err := s.SaveTask(ctx, task); err != nil {
		return false, err
	}
	return true, nil
}

// ExpireLeases normalizes claimed/in_progress tasks whose lease key has
// expired back to pending. Redis evicts the lease itself; this sweep only
// repairs the advisory status read model.
func (s *RedisTaskStore) ExpireLeases(ctx context.Context, now time.Time) (int, error) {
	count := 0
	for _, status := range []TaskStatus{TaskStatusClaimed, TaskStatusInProgress} {
		ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			return count, err
		}
		for _, taskID := range ids {
			exists, err := s.client.Exists(ctx, s.claimKey(taskID)).Result()
			if err != nil || exists > 0 {
				continue
			}
			task, err := s.getBody(ctx, taskID)
			if err != nil {
				continue
			}
			task.Status = TaskStatusPending
			if err := s.SaveTask(ctx, task); err == nil {
				count++
			}
		}
	}
	return count, nil
}

// Dependents returns tasks that depend on the given task.
func (s *RedisTaskStore) Dependents(ctx context.Context, taskID string) ([]*Task, error) {
	ids, err := s.client.SMembers(ctx, s.dependentsKey(taskID)).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			continue
		}
		result = append(result, task)
	}
	return result, nil
}

// DeleteTask removes a task and its index entries.
func (s *RedisTaskStore) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.getBody(ctx, taskID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.taskKey(taskID))
	pipe.Del(ctx, s.claimKey(taskID))
	pipe.ZRem(ctx, s.statusKey(task.Status), taskID)
	pipe.ZRem(ctx, s.allTasksKey(), taskID)
	for _, dep := range task.DependsOn {
		pipe.SRem(ctx, s.dependentsKey(dep), taskID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes terminal tasks older than the specified duration.
// Retention counts from completion, not creation. The status zsets are
// scored by CreatedAt, which never exceeds CompletedAt, so the range scan
// is a superset and the body timestamp decides.
func (s *RedisTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for _, status := range []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled} {
		ids, err := s.client.ZRangeByScore(ctx, s.statusKey(status), &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%d", cutoff.UnixNano()),
		}).Result()
		if err != nil {
			continue
		}
		for _, taskID := range ids {
			task, err := s.getBody(ctx, taskID)
			if err != nil {
				continue
			}
			checkTime := task.UpdatedAt
			if task.CompletedAt != nil {
				checkTime = *task.CompletedAt
			}
			if !checkTime.Before(cutoff) {
				continue
			}
			if err := s.DeleteTask(ctx, taskID); err == nil {
				count++
			}
		}
	}
	return count, nil
}

// Stats returns statistics about the task store.
func (s *RedisTaskStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StatusCounts: make(map[TaskStatus]int64),
		AgentCounts:  make(map[string]int64),
	}

	total, err := s.client.ZCard(ctx, s.allTasksKey()).Result()
	if err == nil {
		stats.TotalTasks = total
	}

	statuses := []TaskStatus{
		TaskStatusPending, TaskStatusClaimed, TaskStatusInProgress,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled,
		TaskStatusBlocked,
	}
	for _, status := range statuses {
		count, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err == nil {
			stats.StatusCounts[status] = count
		}
	}

	oldest, err := s.client.ZRangeWithScores(ctx, s.statusKey(TaskStatusPending), 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		ts := time.Unix(0, int64(oldest[0].Score))
		stats.OldestPendingAge = time.Since(ts)
	}

	// Active claim holders.
	for _, status := range []TaskStatus{TaskStatusClaimed, TaskStatusInProgress} {
		ids, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, taskID := range ids {
			raw, err := s.client.Get(ctx, s.claimKey(taskID)).Bytes()
			if err != nil {
				continue
			}
			var body claimBody
			if json.Unmarshal(raw, &body) == nil {
				stats.AgentCounts[body.AgentID]++
			}
		}
	}

	return stats, nil
}

// Ensure RedisTaskStore implements TaskStore.
var _ TaskStore = (*RedisTaskStore)(nil)
