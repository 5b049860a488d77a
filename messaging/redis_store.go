package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/agentmesh/types"
)

// RedisStore is a Redis-based implementation of Store for distributed
// deployments. Messages are JSON blobs; inbox membership is indexed per
// recipient and priority class in sorted sets scored by creation time, so
// dequeue walks the classes in precedence order and reads each FIFO. State
// transitions run as Lua compare-and-set scripts on the message blob.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// transitionScript moves the message state iff it equals the expected one,
// stamping updated_at and the optional state timestamp field.
var transitionScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return -1
end
local msg = cjson.decode(raw)
if msg['state'] ~= ARGV[1] then
  return 0
end
msg['state'] = ARGV[2]
msg['updated_at'] = ARGV[3]
if ARGV[4] ~= '' then
  msg[ARGV[4]] = ARGV[3]
end
redis.call('SET', KEYS[1], cjson.encode(msg))
return 1
`)

// retryScript re-queues a timed out message while retries remain.
var retryScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return -1
end
local msg = cjson.decode(raw)
local count = msg['retry_count'] or 0
local max = msg['max_retries'] or 0
if msg['state'] ~= 'timeout' or count >= max then
  return 0
end
msg['state'] = 'pending'
msg['retry_count'] = count + 1
msg['ack_deadline'] = ARGV[1]
msg['updated_at'] = ARGV[2]
redis.call('SET', KEYS[1], cjson.encode(msg))
return 1
`)

// receiptScript moves one recipient's receipt state iff it equals the
// expected one.
var receiptScript = redis.NewScript(`
local raw = redis.call('HGET', KEYS[1], ARGV[1])
if not raw then
  return -1
end
local receipt = cjson.decode(raw)
if receipt['state'] ~= ARGV[2] then
  return 0
end
receipt['state'] = ARGV[3]
receipt['updated_at'] = ARGV[4]
redis.call('HSET', KEYS[1], ARGV[1], cjson.encode(receipt))
return 1
`)

// RedisStoreConfig configures the redis message store.
type RedisStoreConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	PoolSize  int    `json:"pool_size" yaml:"pool_size"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// NewRedisStore creates a new Redis-based message store.
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
	return &RedisStore{client: client, keyPrefix: keyPrefix + "msg:"}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests.
func NewRedisStoreFromClient(client *redis.Client, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "agentmesh:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix + "msg:"}
}

// Close closes the store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) messageKey(messageID string) string {
	return s.keyPrefix + "data:" + messageID
}

func (s *RedisStore) inboxKey(agentID string, class PriorityClass) string {
	return s.keyPrefix + "inbox:" + agentID + ":" + string(class)
}

func (s *RedisStore) threadKey(threadID string) string {
	return s.keyPrefix + "thread:" + threadID
}

func (s *RedisStore) conversationKey(conversationID string) string {
	return s.keyPrefix + "conv:" + conversationID
}

func (s *RedisStore) awaitAckKey() string {
	return s.keyPrefix + "await_ack"
}

func (s *RedisStore) allKey() string {
	return s.keyPrefix + "all"
}

func (s *RedisStore) receiptsKey(messageID string) string {
	return s.keyPrefix + "receipts:" + messageID
}

// SaveMessage persists a message and its index memberships.
func (s *RedisStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return types.ErrInvalidInput
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	score := float64(msg.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.messageKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, s.allKey(), redis.Z{Score: score, Member: msg.ID})
	if msg.To != "" {
		pipe.ZAdd(ctx, s.inboxKey(msg.To, msg.Priority), redis.Z{Score: score, Member: msg.ID})
	}
	if msg.ThreadID != "" {
		pipe.ZAdd(ctx, s.threadKey(msg.ThreadID), redis.Z{Score: score, Member: msg.ID})
	}
	if msg.ConversationID != "" {
		pipe.ZAdd(ctx, s.conversationKey(msg.ConversationID), redis.Z{Score: score, Member: msg.ID})
	}
	if msg.RequiresAck && msg.AckDeadline != nil {
		pipe.ZAdd(ctx, s.awaitAckKey(), redis.Z{
			Score:  float64(msg.AckDeadline.UnixNano()),
			Member: msg.ID,
		})
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetMessage returns a message by ID.
func (s *RedisStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	data, err := s.client.Get(ctx, s.messageKey(messageID)).Bytes()
	if err == redis.Nil {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// Transition moves a message between states via the transition script.
func (s *RedisStore) Transition(ctx context.Context, messageID string, from, to MessageState) (bool, error) {
	stampField := ""
	switch to {
	case StateDelivered:
		stampField = "delivered_at"
	case StateRead:
		stampField = "read_at"
	case StateAcknowledged:
		stampField = "acked_at"
	}

	res, err := transitionScript.Run(ctx, s.client,
		[]string{s.messageKey(messageID)},
		string(from), string(to), time.Now().UTC().Format(time.RFC3339Nano), stampField,
	).Int()
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, types.ErrNotFound
	}
	if res != 1 {
		return false, nil
	}

	// Reads and terminals leave the inbox; acked messages leave the ack
	// index.
	if to != StateDelivered {
		if msg, err := s.GetMessage(ctx, messageID); err == nil && msg.To != "" {
			s.client.ZRem(ctx, s.inboxKey(msg.To, msg.Priority), messageID)
		}
	}
	if to.IsTerminal() {
		s.client.ZRem(ctx, s.awaitAckKey(), messageID)
	}
	return true, nil
}

// Retry re-queues a timed out message via the retry script.
func (s *RedisStore) Retry(ctx context.Context, messageID string, deadline time.Time) (bool, error) {
	res, err := retryScript.Run(ctx, s.client,
		[]string{s.messageKey(messageID)},
		deadline.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, types.ErrNotFound
	}
	if res != 1 {
		return false, nil
	}

	// Back into the indexes the timeout removed it from.
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return true, nil
	}
	pipe := s.client.Pipeline()
	if msg.To != "" {
		pipe.ZAdd(ctx, s.inboxKey(msg.To, msg.Priority), redis.Z{
			Score:  float64(msg.CreatedAt.UnixNano()),
			Member: msg.ID,
		})
	}
	pipe.ZAdd(ctx, s.awaitAckKey(), redis.Z{
		Score:  float64(deadline.UnixNano()),
		Member: msg.ID,
	})
	_, err = pipe.Exec(ctx)
	return true, err
}

// Inbox walks the agent's class indexes in precedence order.
func (s *RedisStore) Inbox(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	result := make([]*Message, 0)
	for _, class := range priorityOrder {
		ids, err := s.client.ZRange(ctx, s.inboxKey(agentID, class), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, messageID := range ids {
			msg, err := s.GetMessage(ctx, messageID)
			if err != nil {
				s.client.ZRem(ctx, s.inboxKey(agentID, class), messageID)
				continue
			}
			if msg.State != StatePending && msg.State != StateDelivered {
				// Lazily drop index entries that progressed past the inbox.
				s.client.ZRem(ctx, s.inboxKey(agentID, class), messageID)
				continue
			}
			if msg.To == "" && !s.receiptInboxable(ctx, messageID, agentID) {
				s.client.ZRem(ctx, s.inboxKey(agentID, class), messageID)
				continue
			}
			result = append(result, msg)
			if limit > 0 && len(result) >= limit {
				return result, nil
			}
		}
	}
	return result, nil
}

// receiptInboxable reports whether the recipient's broadcast receipt still
// belongs in its inbox.
func (s *RedisStore) receiptInboxable(ctx context.Context, messageID, agentID string) bool {
	raw, err := s.client.HGet(ctx, s.receiptsKey(messageID), agentID).Result()
	if err != nil {
		return false
	}
	var receipt Receipt
	if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
		return false
	}
	return receipt.State == StatePending || receipt.State == StateDelivered
}

// ListThread returns a thread's messages oldest first.
func (s *RedisStore) ListThread(ctx context.Context, threadID string) ([]*Message, error) {
	return s.listIndex(ctx, s.threadKey(threadID))
}

// ListConversation returns a conversation's messages oldest first.
func (s *RedisStore) ListConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.listIndex(ctx, s.conversationKey(conversationID))
}

func (s *RedisStore) listIndex(ctx context.Context, key string) ([]*Message, error) {
	ids, err := s.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Message, 0, len(ids))
	for _, messageID := range ids {
		msg, err := s.GetMessage(ctx, messageID)
		if err != nil {
			continue
		}
		result = append(result, msg)
	}
	return result, nil
}

// ListAwaitingAck returns ack-requiring messages past their deadline.
func (s *RedisStore) ListAwaitingAck(ctx context.Context, now time.Time) ([]*Message, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.awaitAckKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Message, 0, len(ids))
	for _, messageID := range ids {
		msg, err := s.GetMessage(ctx, messageID)
		if err != nil || msg.State.IsTerminal() {
			s.client.ZRem(ctx, s.awaitAckKey(), messageID)
			continue
		}
		result = append(result, msg)
	}
	sortByCreation(result)
	return result, nil
}

// SaveReceipt upserts a broadcast receipt. A pending or delivered receipt
// also indexes the broadcast into that recipient's inbox so it can be
// dequeued like a direct message.
func (s *RedisStore) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	if receipt == nil || receipt.MessageID == "" || receipt.AgentID == "" {
		return types.ErrInvalidInput
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := s.client.HSet(ctx, s.receiptsKey(receipt.MessageID), receipt.AgentID, data).Err(); err != nil {
		return err
	}
	if receipt.State == StatePending || receipt.State == StateDelivered {
		if msg, err := s.GetMessage(ctx, receipt.MessageID); err == nil && msg.To == "" {
			s.client.ZAdd(ctx, s.inboxKey(receipt.AgentID, msg.Priority), redis.Z{
				Score:  float64(msg.CreatedAt.UnixNano()),
				Member: msg.ID,
			})
		}
	}
	return nil
}

// TransitionReceipt moves one recipient's receipt state via the receipt
// script.
func (s *RedisStore) TransitionReceipt(ctx context.Context, messageID, agentID string, from, to MessageState) (bool, error) {
	res, err := receiptScript.Run(ctx, s.client,
		[]string{s.receiptsKey(messageID)},
		agentID, string(from), string(to), time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return false, err
	}
	if res == -1 {
		return false, types.ErrNotFound
	}
	if res != 1 {
		return false, nil
	}

	// Mirror the message index rules on the recipient's inbox: a receipt
	// re-queued to pending goes back in, one that progressed past
	// delivered comes out.
	if msg, err := s.GetMessage(ctx, messageID); err == nil && msg.To == "" {
		switch {
		case to == StatePending:
			s.client.ZAdd(ctx, s.inboxKey(agentID, msg.Priority), redis.Z{
				Score:  float64(msg.CreatedAt.UnixNano()),
				Member: msg.ID,
			})
		case to != StateDelivered:
			s.client.ZRem(ctx, s.inboxKey(agentID, msg.Priority), messageID)
		}
	}
	return true, nil
}

// ListReceipts returns all receipts of a broadcast message.
func (s *RedisStore) ListReceipts(ctx context.Context, messageID string) ([]*Receipt, error) {
	raws, err := s.client.HGetAll(ctx, s.receiptsKey(messageID)).Result()
	if err != nil {
		return nil, err
	}
	result := make([]*Receipt, 0, len(raws))
	for _, raw := range raws {
		var receipt Receipt
		if err := json.Unmarshal([]byte(raw), &receipt); err != nil {
			continue
		}
		result = append(result, &receipt)
	}
	sortReceipts(result)
	return result, nil
}

// Cleanup removes terminal messages older than the duration.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	ids, err := s.client.ZRange(ctx, s.allKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, messageID := range ids {
		msg, err := s.GetMessage(ctx, messageID)
		if err != nil {
			s.client.ZRem(ctx, s.allKey(), messageID)
			continue
		}
		if !msg.State.IsTerminal() || !msg.UpdatedAt.Before(cutoff) {
			continue
		}
		receipts, _ := s.ListReceipts(ctx, messageID)
		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.messageKey(messageID))
		pipe.Del(ctx, s.receiptsKey(messageID))
		pipe.ZRem(ctx, s.allKey(), messageID)
		pipe.ZRem(ctx, s.awaitAckKey(), messageID)
		if msg.To != "" {
			pipe.ZRem(ctx, s.inboxKey(msg.To, msg.Priority), messageID)
		}
		for _, receipt := range receipts {
			pipe.ZRem(ctx, s.inboxKey(receipt.AgentID, msg.Priority), messageID)
		}
		if msg.ThreadID != "" {
			pipe.ZRem(ctx, s.threadKey(msg.ThreadID), messageID)
		}
		if msg.ConversationID != "" {
			pipe.ZRem(ctx, s.conversationKey(msg.ConversationID), messageID)
		}
		if _, err := pipe.Exec(ctx); err == nil {
			count++
		}
	}
	return count, nil
}

// Ensure RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
