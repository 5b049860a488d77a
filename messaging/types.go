package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/types"
)

// MessageType indicates the kind of agent-to-agent message.
type MessageType string

const (
	// MessageTypeTask is a task request message.
	MessageTypeTask MessageType = "task"
	// MessageTypeResult is a task result message.
	MessageTypeResult MessageType = "result"
	// MessageTypeError is an error message.
	MessageTypeError MessageType = "error"
	// MessageTypeStatus is a status update message.
	MessageTypeStatus MessageType = "status"
	// MessageTypeBroadcast is a fan-out message to many recipients.
	MessageTypeBroadcast MessageType = "broadcast"
)

// IsValid checks whether the type is a known message type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeTask, MessageTypeResult, MessageTypeError,
		MessageTypeStatus, MessageTypeBroadcast:
		return true
	default:
		return false
	}
}

// String returns the string representation of the message type.
func (t MessageType) String() string {
	return string(t)
}

// MessageState is the delivery state of a message. States only move
// forward: pending, delivered, read, acknowledged, with failed, timeout and
// cancelled as terminals. The single backward edge, timeout back to pending,
// exists only for the retry sweep.
type MessageState string

const (
	// StatePending means the message awaits delivery.
	StatePending MessageState = "pending"
	// StateDelivered means the recipient's transport accepted the message.
	StateDelivered MessageState = "delivered"
	// StateRead means the recipient consumed the message.
	StateRead MessageState = "read"
	// StateAcknowledged means the recipient explicitly acknowledged.
	// Terminal.
	StateAcknowledged MessageState = "acknowledged"
	// StateFailed is the terminal failure state.
	StateFailed MessageState = "failed"
	// StateTimeout means the ack deadline passed. Terminal unless retried.
	StateTimeout MessageState = "timeout"
	// StateCancelled means the sender withdrew the message. Terminal.
	StateCancelled MessageState = "cancelled"
)

// IsTerminal returns true for states with no outgoing transitions. A timed
// out message counts as terminal here; the retry sweep bypasses this check
// deliberately.
func (s MessageState) IsTerminal() bool {
	switch s {
	case StateAcknowledged, StateFailed, StateTimeout, StateCancelled:
		return true
	default:
		return false
	}
}

// progressRank orders the forward delivery chain. Terminals are not ranked.
func progressRank(s MessageState) int {
	switch s {
	case StatePending:
		return 0
	case StateDelivered:
		return 1
	case StateRead:
		return 2
	case StateAcknowledged:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether a message may move from one state to
// another. Forward moves along the delivery chain and moves into failure
// terminals are allowed; everything else, including any regression, is not.
func CanTransition(from, to MessageState) bool {
	if from == to {
		return false
	}
	switch from {
	case StateAcknowledged, StateFailed, StateTimeout, StateCancelled:
		return false
	}
	switch to {
	case StateFailed, StateTimeout, StateCancelled:
		return true
	}
	fromRank, toRank := progressRank(from), progressRank(to)
	return fromRank >= 0 && toRank > fromRank
}

// PriorityClass orders inbox dequeue. Higher classes strictly precede lower
// ones; within a class messages are FIFO.
type PriorityClass string

const (
	// PriorityCritical preempts everything else.
	PriorityCritical PriorityClass = "critical"
	// PriorityHigh precedes normal traffic.
	PriorityHigh PriorityClass = "high"
	// PriorityNormal is the default class.
	PriorityNormal PriorityClass = "normal"
	// PriorityLow yields to normal traffic.
	PriorityLow PriorityClass = "low"
	// PriorityBackground runs only when nothing else is waiting.
	PriorityBackground PriorityClass = "background"
)

// priorityOrder lists classes in strict dequeue precedence.
var priorityOrder = []PriorityClass{
	PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBackground,
}

// IsValid checks whether the class is known.
func (p PriorityClass) IsValid() bool {
	for _, c := range priorityOrder {
		if c == p {
			return true
		}
	}
	return false
}

// rank returns the dequeue precedence, lower dequeues first.
func (p PriorityClass) rank() int {
	for i, c := range priorityOrder {
		if c == p {
			return i
		}
	}
	return len(priorityOrder)
}

// Message is one agent-to-agent message.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// Type indicates the message kind.
	Type MessageType `json:"type"`

	// From is the sender agent.
	From string `json:"from"`

	// To is the recipient agent. Empty for broadcasts; recipients are
	// tracked as receipts instead.
	To string `json:"to,omitempty"`

	// SessionID scopes the message to a coordination session.
	SessionID string `json:"session_id,omitempty"`

	// ConversationID groups messages into a conversation.
	ConversationID string `json:"conversation_id,omitempty"`

	// ThreadID groups a reply chain. A reply inherits the thread of the
	// message it answers; a fresh message starts its own thread.
	ThreadID string `json:"thread_id,omitempty"`

	// ReplyTo is the ID of the message this one answers.
	ReplyTo string `json:"reply_to,omitempty"`

	// Priority is the dequeue class.
	Priority PriorityClass `json:"priority"`

	// Payload contains the message data.
	Payload any `json:"payload,omitempty"`

	// State is the current delivery state.
	State MessageState `json:"state"`

	// RequiresAck marks the message as needing explicit acknowledgement.
	RequiresAck bool `json:"requires_ack,omitempty"`

	// AckTimeout is how long after creation an acknowledgement may take.
	AckTimeout time.Duration `json:"ack_timeout,omitempty"`

	// AckDeadline is the current acknowledgement deadline. Pushed forward
	// on retry.
	AckDeadline *time.Time `json:"ack_deadline,omitempty"`

	// RetryCount is how many times the timeout sweep has re-queued this
	// message.
	RetryCount int `json:"retry_count,omitempty"`

	// MaxRetries bounds the timeout sweep's re-queues.
	MaxRetries int `json:"max_retries,omitempty"`

	// Error holds the failure reason for failed messages.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the message was sent.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the message last changed state.
	UpdatedAt time.Time `json:"updated_at"`

	// DeliveredAt is when the message was delivered.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	// ReadAt is when the message was read.
	ReadAt *time.Time `json:"read_at,omitempty"`

	// AckedAt is when the message was acknowledged.
	AckedAt *time.Time `json:"acked_at,omitempty"`
}

// NewMessage creates a message with a generated ID in the pending state.
// A message without a reply target starts its own thread.
func NewMessage(msgType MessageType, from, to string, payload any) *Message {
	id := uuid.NewString()
	return &Message{
		ID:        id,
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Priority:  PriorityNormal,
		State:     StatePending,
		ThreadID:  id,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

// Validate checks required fields.
func (m *Message) Validate() error {
	if m.ID == "" {
		return types.NewError(types.ErrCodeValidation, "message id is required")
	}
	if !m.Type.IsValid() {
		return types.Errorf(types.ErrCodeValidation, "invalid message type %q", m.Type)
	}
	if m.From == "" {
		return types.NewError(types.ErrCodeValidation, "sender is required")
	}
	if m.To == "" && m.Type != MessageTypeBroadcast {
		return types.NewError(types.ErrCodeValidation, "recipient is required")
	}
	if !m.Priority.IsValid() {
		return types.Errorf(types.ErrCodeValidation, "invalid priority class %q", m.Priority)
	}
	if m.RequiresAck && m.AckTimeout <= 0 {
		return types.NewError(types.ErrCodeValidation, "requires_ack needs a positive ack_timeout")
	}
	return nil
}

// Receipt tracks one recipient's delivery state for a broadcast. The
// logical message is stored once; per-recipient progress lives here.
type Receipt struct {
	// MessageID is the broadcast message.
	MessageID string `json:"message_id"`

	// AgentID is the recipient.
	AgentID string `json:"agent_id"`

	// State is this recipient's delivery state.
	State MessageState `json:"state"`

	// UpdatedAt is when the receipt last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation is the aggregate view over a conversation's messages.
type Conversation struct {
	// ID is the conversation identifier.
	ID string `json:"id"`

	// Participants is the distinct set of senders and recipients.
	Participants []string `json:"participants"`

	// MessageCount is the number of messages exchanged.
	MessageCount int `json:"message_count"`

	// LastMessageAt is the creation time of the newest message.
	LastMessageAt time.Time `json:"last_message_at"`
}
