package tern

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Wire Envelope
// ============================================================================

// Envelope is the wire format for all channel events.
//
// Unknown Type values must round-trip without crashing either end: they
// decode to UnknownEvent and can be re-encoded verbatim.
type Envelope struct {
	Type              string          `json:"type"`
	ConversationScope string          `json:"conversationScope"`
	Payload           json.RawMessage `json:"payload"`
	OccurredAt        int64           `json:"occurredAt"` // unix milliseconds
}

// Wire event type tags.
const (
	EventTypeNewMessage     = "new_message"
	EventTypeMessageEdited  = "message_edited"
	EventTypeMessageDeleted = "message_deleted"
	EventTypeMessagesRead   = "messages_read"
	EventTypeTyping         = "typing"
	EventTypeStopTyping     = "stop_typing"
)

// ============================================================================
// Domain Events
// ============================================================================

// Event is a decoded channel event scoped to one conversation.
type Event interface {
	Conversation() string
	OccurredAt() time.Time
}

type eventBase struct {
	conversationID string
	occurredAt     time.Time
}

func (e eventBase) Conversation() string  { return e.conversationID }
func (e eventBase) OccurredAt() time.Time { return e.occurredAt }

// NewMessageEvent announces a confirmed message. When the message echoes a
// local send it carries the client-supplied correlation token.
type NewMessageEvent struct {
	eventBase
	ID               string
	SenderID         string
	Content          string
	MediaRef         string
	CorrelationToken string
	ServerTS         time.Time
}

// MessageEditedEvent announces an edit to a confirmed message.
type MessageEditedEvent struct {
	eventBase
	ID       string
	Content  string
	EditedAt time.Time
}

// MessageDeletedEvent announces deletion of a confirmed message.
type MessageDeletedEvent struct {
	eventBase
	ID        string
	DeletedAt time.Time
}

// MessagesReadEvent carries a batch of read receipts from one reader.
type MessagesReadEvent struct {
	eventBase
	ReaderID   string
	MessageIDs []string
	ReadAt     time.Time
}

// TypingEvent announces that a remote user started (or refreshed) typing.
type TypingEvent struct {
	eventBase
	UserID string
}

// StopTypingEvent announces that a remote user stopped typing. Absence of
// this event is expected; expiry timers are the authoritative mechanism.
type StopTypingEvent struct {
	eventBase
	UserID string
}

// UnknownEvent is the no-op marker for event types this client does not
// understand. It preserves the raw envelope for forward compatibility.
type UnknownEvent struct {
	eventBase
	Raw Envelope
}

// ============================================================================
// Wire Payloads
// ============================================================================

type wireMessage struct {
	ID               string `json:"id"`
	SenderID         string `json:"senderId"`
	Content          string `json:"content"`
	MediaRef         string `json:"mediaRef,omitempty"`
	CorrelationToken string `json:"correlationToken,omitempty"`
	ServerTS         int64  `json:"serverTs,omitempty"`
}

type wireEdit struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	EditedAt int64  `json:"editedAt,omitempty"`
}

type wireDelete struct {
	ID        string `json:"id"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
}

type wireRead struct {
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
	ReadAt     int64    `json:"readAt,omitempty"`
}

type wireTyping struct {
	UserID string `json:"userId"`
}

func millisToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// ============================================================================
// Decode
// ============================================================================

// DecodeEvent translates a wire envelope into a typed domain event.
//
// Envelopes with an unknown type decode to UnknownEvent so older clients
// stay forward-compatible. Envelopes missing required fields for their tag
// are rejected with ErrMalformedEvent and must not be partially applied.
func DecodeEvent(env Envelope) (Event, error) {
	if env.ConversationScope == "" && env.Type != "" && isKnownEventType(env.Type) {
		return nil, fmt.Errorf("%w: %s missing conversationScope", ErrMalformedEvent, env.Type)
	}

	base := eventBase{
		conversationID: env.ConversationScope,
		occurredAt:     millisToTime(env.OccurredAt),
	}

	switch env.Type {
	case EventTypeNewMessage:
		var p wireMessage
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: new_message payload: %v", ErrMalformedEvent, err)
		}
		if p.ID == "" || p.SenderID == "" {
			return nil, fmt.Errorf("%w: new_message missing id or senderId", ErrMalformedEvent)
		}
		return &NewMessageEvent{
			eventBase:        base,
			ID:               p.ID,
			SenderID:         p.SenderID,
			Content:          p.Content,
			MediaRef:         p.MediaRef,
			CorrelationToken: p.CorrelationToken,
			ServerTS:         millisToTime(p.ServerTS),
		}, nil

	case EventTypeMessageEdited:
		var p wireEdit
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: message_edited payload: %v", ErrMalformedEvent, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: message_edited missing id", ErrMalformedEvent)
		}
		return &MessageEditedEvent{
			eventBase: base,
			ID:        p.ID,
			Content:   p.Content,
			EditedAt:  millisToTime(p.EditedAt),
		}, nil

	case EventTypeMessageDeleted:
		var p wireDelete
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: message_deleted payload: %v", ErrMalformedEvent, err)
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: message_deleted missing id", ErrMalformedEvent)
		}
		return &MessageDeletedEvent{
			eventBase: base,
			ID:        p.ID,
			DeletedAt: millisToTime(p.DeletedAt),
		}, nil

	case EventTypeMessagesRead:
		var p wireRead
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: messages_read payload: %v", ErrMalformedEvent, err)
		}
		if p.ReaderID == "" || len(p.MessageIDs) == 0 {
			return nil, fmt.Errorf("%w: messages_read missing readerId or messageIds", ErrMalformedEvent)
		}
		return &MessagesReadEvent{
			eventBase:  base,
			ReaderID:   p.ReaderID,
			MessageIDs: p.MessageIDs,
			ReadAt:     millisToTime(p.ReadAt),
		}, nil

	case EventTypeTyping, EventTypeStopTyping:
		var p wireTyping
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, env.Type, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: %s missing userId", ErrMalformedEvent, env.Type)
		}
		if env.Type == EventTypeTyping {
			return &TypingEvent{eventBase: base, UserID: p.UserID}, nil
		}
		return &StopTypingEvent{eventBase: base, UserID: p.UserID}, nil

	default:
		return &UnknownEvent{eventBase: base, Raw: env}, nil
	}
}

func isKnownEventType(t string) bool {
	switch t {
	case EventTypeNewMessage, EventTypeMessageEdited, EventTypeMessageDeleted,
		EventTypeMessagesRead, EventTypeTyping, EventTypeStopTyping:
		return true
	}
	return false
}

// ============================================================================
// Encode
// ============================================================================

// EncodeEvent translates a typed domain event back into a wire envelope.
func EncodeEvent(ev Event) (Envelope, error) {
	env := Envelope{
		ConversationScope: ev.Conversation(),
		OccurredAt:        timeToMillis(ev.OccurredAt()),
	}

	var payload any
	switch e := ev.(type) {
	case *NewMessageEvent:
		env.Type = EventTypeNewMessage
		payload = wireMessage{
			ID:               e.ID,
			SenderID:         e.SenderID,
			Content:          e.Content,
			MediaRef:         e.MediaRef,
			CorrelationToken: e.CorrelationToken,
			ServerTS:         timeToMillis(e.ServerTS),
		}
	case *MessageEditedEvent:
		env.Type = EventTypeMessageEdited
		payload = wireEdit{ID: e.ID, Content: e.Content, EditedAt: timeToMillis(e.EditedAt)}
	case *MessageDeletedEvent:
		env.Type = EventTypeMessageDeleted
		payload = wireDelete{ID: e.ID, DeletedAt: timeToMillis(e.DeletedAt)}
	case *MessagesReadEvent:
		env.Type = EventTypeMessagesRead
		payload = wireRead{ReaderID: e.ReaderID, MessageIDs: e.MessageIDs, ReadAt: timeToMillis(e.ReadAt)}
	case *TypingEvent:
		env.Type = EventTypeTyping
		payload = wireTyping{UserID: e.UserID}
	case *StopTypingEvent:
		env.Type = EventTypeStopTyping
		payload = wireTyping{UserID: e.UserID}
	case *UnknownEvent:
		// Round-trip unchanged.
		return e.Raw, nil
	default:
		return Envelope{}, fmt.Errorf("unsupported event type %T", ev)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", env.Type, err)
	}
	env.Payload = data
	return env, nil
}

func marshalEnvelope(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

func unmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrMalformedEvent, err)
	}
	return env, nil
}
