package messaging

import (
	"context"
	"sort"
	"time"
)

// Store persists messages, broadcast receipts and their state transitions.
//
// Transition is a conditional state move: it succeeds only when the stored
// state still equals from, so two concurrent movers cannot both win. Legal
// transitions are the caller's job (CanTransition); atomicity is the
// store's. Retry is the one privileged operation that moves timeout back to
// pending while bumping the retry counter.
type Store interface {
	// SaveMessage persists a message.
	SaveMessage(ctx context.Context, msg *Message) error

	// GetMessage returns a message by ID.
	GetMessage(ctx context.Context, messageID string) (*Message, error)

	// Transition moves a message from one state to another iff the stored
	// state equals from. Timestamps for delivered/read/acknowledged are
	// stamped on success. Returns false without error when the precondition
	// no longer holds.
	Transition(ctx context.Context, messageID string, from, to MessageState) (bool, error)

	// Retry re-queues a timed out message: state back to pending,
	// RetryCount+1, AckDeadline pushed to deadline. Fails the precondition
	// when the message is not in timeout or retries are exhausted.
	Retry(ctx context.Context, messageID string, deadline time.Time) (bool, error)

	// Inbox returns undelivered and unread messages addressed to the agent
	// in dequeue order: strict priority class precedence, FIFO within.
	Inbox(ctx context.Context, agentID string, limit int) ([]*Message, error)

	// ListThread returns a thread's messages oldest first.
	ListThread(ctx context.Context, threadID string) ([]*Message, error)

	// ListConversation returns a conversation's messages oldest first.
	ListConversation(ctx context.Context, conversationID string) ([]*Message, error)

	// ListAwaitingAck returns ack-requiring messages whose deadline passed
	// and whose state still allows timing out.
	ListAwaitingAck(ctx context.Context, now time.Time) ([]*Message, error)

	// SaveReceipt upserts a broadcast receipt.
	SaveReceipt(ctx context.Context, receipt *Receipt) error

	// TransitionReceipt moves one recipient's receipt state iff it equals
	// from.
	TransitionReceipt(ctx context.Context, messageID, agentID string, from, to MessageState) (bool, error)

	// ListReceipts returns all receipts of a broadcast message.
	ListReceipts(ctx context.Context, messageID string) ([]*Receipt, error)

	// Cleanup removes terminal messages older than the duration. Returns
	// the count removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}

// orderInbox sorts by priority class precedence, FIFO within a class.
func orderInbox(msgs []*Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority.rank() != msgs[j].Priority.rank() {
			return msgs[i].Priority.rank() < msgs[j].Priority.rank()
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

// sortByCreation orders messages oldest first, ties by ID for determinism.
func sortByCreation(msgs []*Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func sortReceipts(receipts []*Receipt) {
	sort.Slice(receipts, func(i, j int) bool {
		return receipts[i].AgentID < receipts[j].AgentID
	})
}

// stampTransition records the timestamp that belongs to the target state.
func stampTransition(msg *Message, to MessageState, now time.Time) {
	msg.State = to
	msg.UpdatedAt = now
	switch to {
	case StateDelivered:
		msg.DeliveredAt = &now
	case StateRead:
		msg.ReadAt = &now
	case StateAcknowledged:
		msg.AckedAt = &now
	}
}
