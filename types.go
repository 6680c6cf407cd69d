package tern

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the given value.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return fmt.Errorf("result has no data")
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Message Lifecycle
// ============================================================================

// MessageStatus is the lifecycle state of a message.
//
// Local sends move Pending → Sent → Delivered → Read; a failed publish moves
// Pending → Failed, and retry re-enters Pending with the same temporary id.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusFailed    MessageStatus = "failed"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusEdited    MessageStatus = "edited"
	StatusDeleted   MessageStatus = "deleted"
)

// tempIDPrefix marks locally-generated identifiers that have not yet been
// resolved to a durable server id.
const tempIDPrefix = "local-"

// Message is a single message within a conversation.
//
// ID is either a temporary local identifier (while Status is Pending or
// Failed) or the durable server identifier after confirmation. A temporary
// id resolves to exactly one durable id, never re-mapped.
type Message struct {
	ID               string         `json:"id"`
	ConversationID   string         `json:"conversationId"`
	SenderID         string         `json:"senderId"`
	Content          string         `json:"content"`
	MediaRef         string         `json:"mediaRef,omitempty"`
	Status           MessageStatus  `json:"status"`
	CorrelationToken string         `json:"correlationToken,omitempty"`
	ClientTS         time.Time      `json:"clientTs"`
	ServerTS         time.Time      `json:"serverTs,omitempty"`
	EditedAt         time.Time      `json:"editedAt,omitempty"`
	DeletedAt        time.Time      `json:"deletedAt,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Pending reports whether the message still carries a temporary identifier.
func (m *Message) Pending() bool {
	return m.Status == StatusPending || m.Status == StatusFailed
}

// orderKey returns the timestamp that positions the message within its
// conversation: the server timestamp once assigned, the client timestamp
// until then. Identifier is the tiebreak.
func (m *Message) orderKey() time.Time {
	if !m.ServerTS.IsZero() {
		return m.ServerTS
	}
	return m.ClientTS
}

// orderBefore reports whether m sorts strictly before other in the
// per-conversation total order.
func (m *Message) orderBefore(other *Message) bool {
	a, b := m.orderKey(), other.orderKey()
	if !a.Equal(b) {
		return a.Before(b)
	}
	return m.ID < other.ID
}

// clone returns a copy safe to hand outside the engine.
func (m *Message) clone() *Message {
	c := *m
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is the denormalized view of a chat thread.
type Conversation struct {
	ID             string    `json:"id"`
	Participants   []string  `json:"participants"`
	LastMessage    *Message  `json:"lastMessage,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	LastActivityAt time.Time `json:"lastActivityAt"`
}

func (c *Conversation) clone() *Conversation {
	cp := *c
	cp.Participants = append([]string(nil), c.Participants...)
	if c.LastMessage != nil {
		cp.LastMessage = c.LastMessage.clone()
	}
	return &cp
}

// ReadReceipt records that a reader has seen a message. Applying the same
// receipt twice has no additional effect.
type ReadReceipt struct {
	MessageID string    `json:"messageId"`
	ReaderID  string    `json:"readerId"`
	ReadAt    time.Time `json:"readAt"`
}

// SubmitResult is the server acknowledgement of a durable send.
type SubmitResult struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Error Taxonomy
// ============================================================================

var (
	// ErrTransportFailure marks connect/publish failures. Retryable; a failed
	// publish surfaces as message state, never as a panic into the caller.
	ErrTransportFailure = errors.New("transport failure")

	// ErrMalformedEvent marks a wire envelope that failed decoding. Dropped
	// and logged, never partially applied.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrReconciliationConflict marks an edit/delete whose target is unknown
	// after the buffering window has elapsed.
	ErrReconciliationConflict = errors.New("reconciliation conflict")

	// ErrStaleCorrelation marks a confirmation whose correlation token is no
	// longer tracked; the event is treated as a fresh remote message.
	ErrStaleCorrelation = errors.New("stale correlation")

	// ErrMessagePending is returned for edits and deletes against a message
	// whose send is still awaiting confirmation; its temporary identifier
	// cannot be addressed on the server.
	ErrMessagePending = errors.New("message awaiting confirmation")

	// ErrConversationOpen is returned when a second channel is requested for
	// a conversation that already holds an active handle.
	ErrConversationOpen = errors.New("conversation already open")

	// ErrConversationClosed is returned for operations against a
	// conversation the engine is not watching.
	ErrConversationClosed = errors.New("conversation not open")

	// ErrEngineClosed is returned once the engine has shut down.
	ErrEngineClosed = errors.New("engine closed")
)

// ============================================================================
// Client Option Types
// ============================================================================

// SendOptions configures outgoing messages.
type SendOptions struct {
	MediaRef string
	Metadata map[string]any
}

// PageOptions configures history pagination.
type PageOptions struct {
	Limit  int
	Before string
}
