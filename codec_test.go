package tern

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(t *testing.T, typ, conv string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{
		Type:              typ,
		ConversationScope: conv,
		Payload:           data,
		OccurredAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
}

func TestDecodeEvent(t *testing.T) {
	t.Run("new message", func(t *testing.T) {
		env := envelope(t, EventTypeNewMessage, "conv-1", wireMessage{
			ID:       "msg-1",
			SenderID: "user-2",
			Content:  "hi",
			ServerTS: 1700000000000,
		})
		ev, err := DecodeEvent(env)
		require.NoError(t, err)

		msg, ok := ev.(*NewMessageEvent)
		require.True(t, ok)
		assert.Equal(t, "conv-1", msg.Conversation())
		assert.Equal(t, "msg-1", msg.ID)
		assert.Equal(t, "user-2", msg.SenderID)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, time.UnixMilli(1700000000000).UTC(), msg.ServerTS)
	})

	t.Run("echo carries correlation token", func(t *testing.T) {
		env := envelope(t, EventTypeNewMessage, "conv-1", wireMessage{
			ID: "msg-1", SenderID: "me", CorrelationToken: "tok-9",
		})
		ev, err := DecodeEvent(env)
		require.NoError(t, err)
		assert.Equal(t, "tok-9", ev.(*NewMessageEvent).CorrelationToken)
	})

	t.Run("edit and delete", func(t *testing.T) {
		ev, err := DecodeEvent(envelope(t, EventTypeMessageEdited, "conv-1", wireEdit{
			ID: "msg-1", Content: "fixed", EditedAt: 1700000001000,
		}))
		require.NoError(t, err)
		edit := ev.(*MessageEditedEvent)
		assert.Equal(t, "fixed", edit.Content)

		ev, err = DecodeEvent(envelope(t, EventTypeMessageDeleted, "conv-1", wireDelete{ID: "msg-1"}))
		require.NoError(t, err)
		assert.Equal(t, "msg-1", ev.(*MessageDeletedEvent).ID)
	})

	t.Run("read batch", func(t *testing.T) {
		ev, err := DecodeEvent(envelope(t, EventTypeMessagesRead, "conv-1", wireRead{
			ReaderID: "user-2", MessageIDs: []string{"a", "b"},
		}))
		require.NoError(t, err)
		read := ev.(*MessagesReadEvent)
		assert.Equal(t, "user-2", read.ReaderID)
		assert.Equal(t, []string{"a", "b"}, read.MessageIDs)
	})

	t.Run("typing pair", func(t *testing.T) {
		ev, err := DecodeEvent(envelope(t, EventTypeTyping, "conv-1", wireTyping{UserID: "u"}))
		require.NoError(t, err)
		assert.IsType(t, &TypingEvent{}, ev)

		ev, err = DecodeEvent(envelope(t, EventTypeStopTyping, "conv-1", wireTyping{UserID: "u"}))
		require.NoError(t, err)
		assert.IsType(t, &StopTypingEvent{}, ev)
	})
}

func TestDecodeEventMalformed(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"message missing id", envelope(t, EventTypeNewMessage, "conv-1", wireMessage{SenderID: "u"})},
		{"message missing sender", envelope(t, EventTypeNewMessage, "conv-1", wireMessage{ID: "m"})},
		{"edit missing id", envelope(t, EventTypeMessageEdited, "conv-1", wireEdit{Content: "x"})},
		{"delete missing id", envelope(t, EventTypeMessageDeleted, "conv-1", wireDelete{})},
		{"read missing reader", envelope(t, EventTypeMessagesRead, "conv-1", wireRead{MessageIDs: []string{"a"}})},
		{"read missing ids", envelope(t, EventTypeMessagesRead, "conv-1", wireRead{ReaderID: "u"})},
		{"typing missing user", envelope(t, EventTypeTyping, "conv-1", wireTyping{})},
		{"missing scope", Envelope{Type: EventTypeNewMessage, Payload: json.RawMessage(`{"id":"m","senderId":"u"}`)}},
		{"payload not json", Envelope{Type: EventTypeNewMessage, ConversationScope: "conv-1", Payload: json.RawMessage(`{"id":`)}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEvent(tc.env)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedEvent), "want ErrMalformedEvent, got %v", err)
		})
	}
}

func TestDecodeEventUnknownType(t *testing.T) {
	env := Envelope{
		Type:              "reaction_added",
		ConversationScope: "conv-1",
		Payload:           json.RawMessage(`{"emoji":"+1"}`),
		OccurredAt:        1700000000000,
	}
	ev, err := DecodeEvent(env)
	require.NoError(t, err)

	unknown, ok := ev.(*UnknownEvent)
	require.True(t, ok)
	assert.Equal(t, "conv-1", unknown.Conversation())

	// Unknown envelopes round-trip untouched.
	out, err := EncodeEvent(unknown)
	require.NoError(t, err)
	assert.Equal(t, env, out)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	in := &NewMessageEvent{
		eventBase:        eventBase{conversationID: "conv-1", occurredAt: at},
		ID:               "msg-1",
		SenderID:         "user-2",
		Content:          "hello",
		CorrelationToken: "tok-1",
		ServerTS:         at,
	}

	env, err := EncodeEvent(in)
	require.NoError(t, err)
	assert.Equal(t, EventTypeNewMessage, env.Type)

	ev, err := DecodeEvent(env)
	require.NoError(t, err)
	assert.Equal(t, in, ev)
}
