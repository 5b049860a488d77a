// Package messaging implements agent-to-agent messaging with delivery
// states, acknowledgement deadlines, priority-class inboxes, threads and
// broadcasts. State only moves forward; the timeout sweep is the single
// place a message re-enters the queue, and only while its retry budget
// lasts.
package messaging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/types"
)

// MessengerConfig configures messaging defaults.
type MessengerConfig struct {
	// DefaultAckTimeout applies when an ack-requiring message carries none.
	DefaultAckTimeout time.Duration `json:"default_ack_timeout" yaml:"default_ack_timeout"`

	// DefaultMaxRetries applies when an ack-requiring message carries none.
	DefaultMaxRetries int `json:"default_max_retries" yaml:"default_max_retries"`
}

// DefaultMessengerConfig returns the default messaging configuration.
func DefaultMessengerConfig() MessengerConfig {
	return MessengerConfig{
		DefaultAckTimeout: 30 * time.Second,
		DefaultMaxRetries: 3,
	}
}

// SweepResult summarizes one timeout sweep pass.
type SweepResult struct {
	// TimedOut is how many messages passed their ack deadline this pass.
	TimedOut int `json:"timed_out"`

	// Retried is how many of those re-entered the queue.
	Retried int `json:"retried"`

	// Failed is how many exhausted their retry budget.
	Failed int `json:"failed"`
}

// Messenger is the messaging API over a Store.
type Messenger struct {
	store  Store
	config MessengerConfig
	logger *zap.Logger
}

// NewMessenger creates a messenger over the given store.
func NewMessenger(store Store, config MessengerConfig, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultAckTimeout <= 0 {
		config.DefaultAckTimeout = DefaultMessengerConfig().DefaultAckTimeout
	}
	return &Messenger{
		store:  store,
		config: config,
		logger: logger.With(zap.String("component", "messenger")),
	}
}

// Send validates and persists a message. A reply inherits the thread and
// conversation of the message it answers.
func (m *Messenger) Send(ctx context.Context, msg *Message) (string, error) {
	if msg == nil {
		return "", types.NewError(types.ErrCodeValidation, "message is nil")
	}
	if msg.RequiresAck {
		if msg.AckTimeout <= 0 {
			msg.AckTimeout = m.config.DefaultAckTimeout
		}
		if msg.MaxRetries == 0 {
			msg.MaxRetries = m.config.DefaultMaxRetries
		}
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}

	if msg.ReplyTo != "" {
		parent, err := m.store.GetMessage(ctx, msg.ReplyTo)
		if err != nil {
			return "", types.Errorf(types.ErrCodeValidation, "reply target %s not found", msg.ReplyTo)
		}
		msg.ThreadID = parent.ThreadID
		if msg.ConversationID == "" {
			msg.ConversationID = parent.ConversationID
		}
	}
	if msg.ThreadID == "" {
		msg.ThreadID = msg.ID
	}
	if msg.RequiresAck {
		deadline := msg.CreatedAt.Add(msg.AckTimeout)
		msg.AckDeadline = &deadline
	}

	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return "", err
	}
	m.logger.Debug("message sent",
		zap.String("message_id", msg.ID),
		zap.String("from", msg.From),
		zap.String("to", msg.To),
		zap.String("priority", string(msg.Priority)),
	)
	return msg.ID, nil
}

// Broadcast stores one logical message and a pending receipt per recipient.
// Each recipient's delivery progress is tracked on its receipt.
func (m *Messenger) Broadcast(ctx context.Context, msg *Message, recipients []string) (string, error) {
	if msg == nil {
		return "", types.NewError(types.ErrCodeValidation, "message is nil")
	}
	if len(recipients) == 0 {
		return "", types.NewError(types.ErrCodeValidation, "broadcast needs at least one recipient")
	}
	msg.Type = MessageTypeBroadcast
	msg.To = ""

	id, err := m.Send(ctx, msg)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	for _, agentID := range recipients {
		receipt := &Receipt{
			MessageID: id,
			AgentID:   agentID,
			State:     StatePending,
			UpdatedAt: now,
		}
		if err := m.store.SaveReceipt(ctx, receipt); err != nil {
			return id, err
		}
	}
	m.logger.Debug("broadcast sent",
		zap.String("message_id", id),
		zap.Int("recipients", len(recipients)),
	)
	return id, nil
}

// Get returns a message by ID.
func (m *Messenger) Get(ctx context.Context, messageID string) (*Message, error) {
	return m.store.GetMessage(ctx, messageID)
}

// MarkDelivered advances a message to delivered.
func (m *Messenger) MarkDelivered(ctx context.Context, messageID string) error {
	return m.advance(ctx, messageID, StateDelivered)
}

// MarkRead advances a message to read.
func (m *Messenger) MarkRead(ctx context.Context, messageID string) error {
	return m.advance(ctx, messageID, StateRead)
}

// Acknowledge advances an ack-requiring message to acknowledged.
func (m *Messenger) Acknowledge(ctx context.Context, messageID string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !msg.RequiresAck {
		return types.Errorf(types.ErrCodeValidation, "message %s does not require ack", messageID)
	}
	return m.advanceFrom(ctx, msg, StateAcknowledged)
}

// Cancel withdraws a message that has not reached a terminal state.
func (m *Messenger) Cancel(ctx context.Context, messageID string) error {
	return m.advance(ctx, messageID, StateCancelled)
}

// Fail marks a message failed with a reason.
func (m *Messenger) Fail(ctx context.Context, messageID, reason string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := m.advanceFrom(ctx, msg, StateFailed); err != nil {
		return err
	}
	return m.recordError(ctx, messageID, reason)
}

func (m *Messenger) advance(ctx context.Context, messageID string, to MessageState) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	return m.advanceFrom(ctx, msg, to)
}

// advanceFrom applies a validated conditional transition. A concurrent mover
// that wins the race surfaces as a validation error on re-read.
func (m *Messenger) advanceFrom(ctx context.Context, msg *Message, to MessageState) error {
	if !CanTransition(msg.State, to) {
		return types.Errorf(types.ErrCodeValidation,
			"illegal transition %s -> %s for message %s", msg.State, to, msg.ID)
	}
	ok, err := m.store.Transition(ctx, msg.ID, msg.State, to)
	if err != nil {
		return err
	}
	if !ok {
		return types.Errorf(types.ErrCodeValidation,
			"message %s moved concurrently, re-read and retry", msg.ID)
	}
	return nil
}

func (m *Messenger) recordError(ctx context.Context, messageID, reason string) error {
	msg, err := m.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	msg.Error = reason
	return m.store.SaveMessage(ctx, msg)
}

// ReceiptDelivered advances one broadcast recipient's receipt to delivered.
func (m *Messenger) ReceiptDelivered(ctx context.Context, messageID, agentID string) error {
	return m.advanceReceipt(ctx, messageID, agentID, StateDelivered)
}

// ReceiptRead advances one broadcast recipient's receipt to read.
func (m *Messenger) ReceiptRead(ctx context.Context, messageID, agentID string) error {
	return m.advanceReceipt(ctx, messageID, agentID, StateRead)
}

// ReceiptAcknowledged advances one broadcast recipient's receipt to
// acknowledged.
func (m *Messenger) ReceiptAcknowledged(ctx context.Context, messageID, agentID string) error {
	return m.advanceReceipt(ctx, messageID, agentID, StateAcknowledged)
}

func (m *Messenger) advanceReceipt(ctx context.Context, messageID, agentID string, to MessageState) error {
	receipts, err := m.store.ListReceipts(ctx, messageID)
	if err != nil {
		return err
	}
	for _, receipt := range receipts {
		if receipt.AgentID != agentID {
			continue
		}
		if !CanTransition(receipt.State, to) {
			return types.Errorf(types.ErrCodeValidation,
				"illegal transition %s -> %s for receipt %s/%s", receipt.State, to, messageID, agentID)
		}
		ok, err := m.store.TransitionReceipt(ctx, messageID, agentID, receipt.State, to)
		if err != nil {
			return err
		}
		if !ok {
			return types.Errorf(types.ErrCodeValidation,
				"receipt %s/%s moved concurrently, re-read and retry", messageID, agentID)
		}
		return nil
	}
	return types.ErrNotFound
}

// Receipts returns all receipts of a broadcast message.
func (m *Messenger) Receipts(ctx context.Context, messageID string) ([]*Receipt, error) {
	return m.store.ListReceipts(ctx, messageID)
}

// Inbox returns the agent's deliverable messages in dequeue order.
func (m *Messenger) Inbox(ctx context.Context, agentID string, limit int) ([]*Message, error) {
	return m.store.Inbox(ctx, agentID, limit)
}

// Thread returns a thread's messages oldest first.
func (m *Messenger) Thread(ctx context.Context, threadID string) ([]*Message, error) {
	return m.store.ListThread(ctx, threadID)
}

// Conversation aggregates a conversation's participants and message count.
func (m *Messenger) Conversation(ctx context.Context, conversationID string) (*Conversation, error) {
	msgs, err := m.store.ListConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, types.ErrNotFound
	}

	seen := make(map[string]struct{})
	participants := make([]string, 0)
	add := func(agentID string) {
		if agentID == "" {
			return
		}
		if _, ok := seen[agentID]; ok {
			return
		}
		seen[agentID] = struct{}{}
		participants = append(participants, agentID)
	}
	var last time.Time
	for _, msg := range msgs {
		add(msg.From)
		add(msg.To)
		if msg.CreatedAt.After(last) {
			last = msg.CreatedAt
		}
	}
	return &Conversation{
		ID:            conversationID,
		Participants:  participants,
		MessageCount:  len(msgs),
		LastMessageAt: last,
	}, nil
}

// SweepTimeouts times out overdue ack-requiring messages, re-queues those
// with retry budget left and terminally fails the rest. Idempotent.
func (m *Messenger) SweepTimeouts(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := time.Now().UTC()

	overdue, err := m.store.ListAwaitingAck(ctx, now)
	if err != nil {
		return result, err
	}

	for _, msg := range overdue {
		// A broadcast times out per recipient: every receipt that has not
		// been acknowledged moves to timeout alongside the message, and
		// retries re-queue those receipts with it.
		var stale []*Receipt
		if msg.To == "" {
			var allAcked bool
			stale, allAcked = m.timeoutBroadcastReceipts(ctx, msg.ID)
			if allAcked {
				m.store.Transition(ctx, msg.ID, msg.State, StateAcknowledged)
				continue
			}
		}

		ok, err := m.store.Transition(ctx, msg.ID, msg.State, StateTimeout)
		if err != nil || !ok {
			continue
		}
		result.TimedOut++

		if msg.RetryCount < msg.MaxRetries {
			deadline := now.Add(msg.AckTimeout)
			retried, err := m.store.Retry(ctx, msg.ID, deadline)
			if err == nil && retried {
				result.Retried++
				for _, receipt := range stale {
					m.store.TransitionReceipt(ctx, msg.ID, receipt.AgentID, StateTimeout, StatePending)
				}
				m.logger.Debug("message retried",
					zap.String("message_id", msg.ID),
					zap.Int("retry", msg.RetryCount+1),
				)
			}
			continue
		}

		// Budget exhausted: timeout becomes the terminal failure. The
		// store transition is called directly because the public state
		// machine has no edge out of timeout.
		if ok, err := m.store.Transition(ctx, msg.ID, StateTimeout, StateFailed); err == nil && ok {
			result.Failed++
			for _, receipt := range stale {
				m.store.TransitionReceipt(ctx, msg.ID, receipt.AgentID, StateTimeout, StateFailed)
			}
			reason := fmt.Sprintf("ack timeout after %d retries", msg.RetryCount)
			if err := m.recordError(ctx, msg.ID, reason); err != nil {
				m.logger.Warn("failed to record timeout reason",
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
			}
			m.logger.Info("message failed",
				zap.String("message_id", msg.ID),
				zap.String("reason", reason),
			)
		}
	}
	return result, nil
}

// timeoutBroadcastReceipts moves every unacknowledged live receipt of a
// broadcast to timeout. It returns the receipts it moved and whether every
// recipient had already acknowledged.
func (m *Messenger) timeoutBroadcastReceipts(ctx context.Context, messageID string) ([]*Receipt, bool) {
	receipts, err := m.store.ListReceipts(ctx, messageID)
	if err != nil {
		return nil, false
	}

	timedOut := make([]*Receipt, 0)
	allAcked := len(receipts) > 0
	for _, receipt := range receipts {
		if receipt.State == StateAcknowledged {
			continue
		}
		allAcked = false
		if receipt.State.IsTerminal() {
			continue
		}
		if ok, err := m.store.TransitionReceipt(ctx, messageID, receipt.AgentID, receipt.State, StateTimeout); err == nil && ok {
			timedOut = append(timedOut, receipt)
		}
	}
	return timedOut, allAcked
}

// Cleanup removes terminal messages past the retention window.
func (m *Messenger) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return m.store.Cleanup(ctx, olderThan)
}
