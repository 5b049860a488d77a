package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/types"
)

// MemoryStore is an in-memory implementation of Store for single-process
// deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	receipts map[string]map[string]*Receipt // messageID -> agentID -> receipt
	closed   bool
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
		receipts: make(map[string]map[string]*Receipt),
	}
}

// Close closes the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return types.ErrStoreClosed
	}
	return nil
}

// SaveMessage persists a message.
func (s *MemoryStore) SaveMessage(ctx context.Context, msg *Message) error {
	if msg == nil || msg.ID == "" {
		return types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}
	s.messages[msg.ID] = cloneMessage(msg)
	return nil
}

// GetMessage returns a message by ID.
func (s *MemoryStore) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	msg, ok := s.messages[messageID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return cloneMessage(msg), nil
}

// Transition moves a message between states under the write lock.
func (s *MemoryStore) Transition(ctx context.Context, messageID string, from, to MessageState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	msg, ok := s.messages[messageID]
	if !ok {
		return false, types.ErrNotFound
	}
	if msg.State != from {
		return false, nil
	}
	stampTransition(msg, to, time.Now().UTC())
	return true, nil
}

// Retry re-queues a timed out message when retries remain.
func (s *MemoryStore) Retry(ctx context.Context, messageID string, deadline time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	msg, ok := s.messages[messageID]
	if !ok {
		return false, types.ErrNotFound
	}
	if msg.State != StateTimeout || msg.RetryCount >= msg.MaxRetries {
		return false, nil
	}
	msg.State = StatePending
	msg.RetryCount++
	msg.AckDeadline = &deadline
	msg.UpdatedAt = time.Now().UTC()
	return true, nil
}

// Inbox returns deliverable messages for the agent in dequeue order.
func (s *MemoryStore) Inbox(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	result := make([]*Message, 0)
	for _, msg := range s.messages {
		switch {
		case msg.To == agentID:
			if msg.State != StatePending && msg.State != StateDelivered {
				continue
			}
		case msg.To == "":
			// A broadcast stays in a recipient's inbox while that
			// recipient's own receipt has not progressed past delivered.
			receipt, ok := s.receipts[msg.ID][agentID]
			if !ok || msg.State.IsTerminal() {
				continue
			}
			if receipt.State != StatePending && receipt.State != StateDelivered {
				continue
			}
		default:
			continue
		}
		result = append(result, cloneMessage(msg))
	}
	orderInbox(result)
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

// ListThread returns a thread's messages oldest first.
func (s *MemoryStore) ListThread(ctx context.Context, threadID string) ([]*Message, error) {
	return s.listBy(func(msg *Message) bool { return msg.ThreadID == threadID })
}

// ListConversation returns a conversation's messages oldest first.
func (s *MemoryStore) ListConversation(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.listBy(func(msg *Message) bool { return msg.ConversationID == conversationID })
}

func (s *MemoryStore) listBy(match func(*Message) bool) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	result := make([]*Message, 0)
	for _, msg := range s.messages {
		if match(msg) {
			result = append(result, cloneMessage(msg))
		}
	}
	sortByCreation(result)
	return result, nil
}

// ListAwaitingAck returns ack-requiring messages past their deadline.
func (s *MemoryStore) ListAwaitingAck(ctx context.Context, now time.Time) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	result := make([]*Message, 0)
	for _, msg := range s.messages {
		if !msg.RequiresAck || msg.State.IsTerminal() {
			continue
		}
		if msg.AckDeadline != nil && !now.Before(*msg.AckDeadline) {
			result = append(result, cloneMessage(msg))
		}
	}
	sortByCreation(result)
	return result, nil
}

// SaveReceipt upserts a broadcast receipt.
func (s *MemoryStore) SaveReceipt(ctx context.Context, receipt *Receipt) error {
	if receipt == nil || receipt.MessageID == "" || receipt.AgentID == "" {
		return types.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.ErrStoreClosed
	}

	if s.receipts[receipt.MessageID] == nil {
		s.receipts[receipt.MessageID] = make(map[string]*Receipt)
	}
	clone := *receipt
	s.receipts[receipt.MessageID][receipt.AgentID] = &clone
	return nil
}

// TransitionReceipt moves one recipient's receipt state.
func (s *MemoryStore) TransitionReceipt(ctx context.Context, messageID, agentID string, from, to MessageState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, types.ErrStoreClosed
	}

	receipt, ok := s.receipts[messageID][agentID]
	if !ok {
		return false, types.ErrNotFound
	}
	if receipt.State != from {
		return false, nil
	}
	receipt.State = to
	receipt.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListReceipts returns all receipts of a broadcast message.
func (s *MemoryStore) ListReceipts(ctx context.Context, messageID string) ([]*Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, types.ErrStoreClosed
	}

	byAgent := s.receipts[messageID]
	result := make([]*Receipt, 0, len(byAgent))
	for _, receipt := range byAgent {
		clone := *receipt
		result = append(result, &clone)
	}
	sortReceipts(result)
	return result, nil
}

// Cleanup removes terminal messages older than the duration.
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, types.ErrStoreClosed
	}

	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	for messageID, msg := range s.messages {
		if msg.State.IsTerminal() && msg.UpdatedAt.Before(cutoff) {
			delete(s.messages, messageID)
			delete(s.receipts, messageID)
			count++
		}
	}
	return count, nil
}

func cloneMessage(m *Message) *Message {
	data, err := json.Marshal(m)
	if err != nil {
		clone := *m
		return &clone
	}
	var clone Message
	if err := json.Unmarshal(data, &clone); err != nil {
		c := *m
		return &c
	}
	return &clone
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
