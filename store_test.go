package tern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, sec, 0, time.UTC)
}

func storeMsg(id, conv string, clientTS, serverTS time.Time) *Message {
	return &Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       "user-1",
		Content:        "m " + id,
		Status:         StatusDelivered,
		ClientTS:       clientTS,
		ServerTS:       serverTS,
	}
}

func messageIDs(s *Store, conv string) []string {
	msgs := s.Messages(conv)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestStoreInsertTotalOrder(t *testing.T) {
	t.Run("insertion position by timestamp not arrival", func(t *testing.T) {
		s := NewStore()
		s.InsertMessage(storeMsg("c", "conv", ts(3), ts(3)))
		s.InsertMessage(storeMsg("a", "conv", ts(1), ts(1)))
		s.InsertMessage(storeMsg("b", "conv", ts(2), ts(2)))

		assert.Equal(t, []string{"a", "b", "c"}, messageIDs(s, "conv"))
	})

	t.Run("client timestamp orders unconfirmed messages", func(t *testing.T) {
		s := NewStore()
		s.InsertMessage(storeMsg("srv", "conv", ts(1), ts(1)))
		pending := storeMsg("local-x", "conv", ts(2), time.Time{})
		pending.Status = StatusPending
		s.InsertMessage(pending)
		s.InsertMessage(storeMsg("late", "conv", ts(3), ts(3)))

		assert.Equal(t, []string{"srv", "local-x", "late"}, messageIDs(s, "conv"))
	})

	t.Run("identifier breaks timestamp ties", func(t *testing.T) {
		s := NewStore()
		s.InsertMessage(storeMsg("b", "conv", ts(1), ts(1)))
		s.InsertMessage(storeMsg("a", "conv", ts(1), ts(1)))

		assert.Equal(t, []string{"a", "b"}, messageIDs(s, "conv"))
	})
}

func TestStoreResolveID(t *testing.T) {
	t.Run("swaps identifier in place", func(t *testing.T) {
		s := NewStore()
		pending := storeMsg("local-1", "conv", ts(2), time.Time{})
		pending.Status = StatusPending
		s.InsertMessage(pending)

		out := s.ResolveID("local-1", "srv-9", ts(2), StatusSent)
		require.NotNil(t, out)
		assert.Equal(t, "srv-9", out.ID)
		assert.Equal(t, StatusSent, out.Status)

		assert.Nil(t, s.Message("local-1"))
		require.NotNil(t, s.Message("srv-9"))
		assert.Equal(t, []string{"srv-9"}, messageIDs(s, "conv"))
	})

	t.Run("unknown temporary id", func(t *testing.T) {
		s := NewStore()
		assert.Nil(t, s.ResolveID("local-nope", "srv-1", ts(1), StatusSent))
	})

	t.Run("server timestamp may reposition the row", func(t *testing.T) {
		s := NewStore()
		s.InsertMessage(storeMsg("a", "conv", ts(1), ts(1)))
		pending := storeMsg("local-1", "conv", ts(5), time.Time{})
		pending.Status = StatusPending
		s.InsertMessage(pending)
		s.InsertMessage(storeMsg("z", "conv", ts(10), ts(10)))
		require.Equal(t, []string{"a", "local-1", "z"}, messageIDs(s, "conv"))

		// Server stamped it after z.
		s.ResolveID("local-1", "srv-1", ts(20), StatusSent)
		assert.Equal(t, []string{"a", "z", "srv-1"}, messageIDs(s, "conv"))
	})
}

func TestStoreUpdateMessage(t *testing.T) {
	s := NewStore()
	s.InsertMessage(storeMsg("m1", "conv", ts(1), ts(1)))

	var changes []Change
	unsub := s.Observe(func(ch Change) { changes = append(changes, ch) })
	defer unsub()

	ok := s.UpdateMessage("m1", func(m *Message) {
		m.Content = "edited"
		m.Status = StatusEdited
	})
	require.True(t, ok)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeMessageUpdated, changes[0].Kind)
	assert.Equal(t, "edited", changes[0].Message.Content)

	// Deletion surfaces as a removal to observers.
	s.UpdateMessage("m1", func(m *Message) { m.Status = StatusDeleted })
	require.Len(t, changes, 2)
	assert.Equal(t, ChangeMessageRemoved, changes[1].Kind)

	assert.False(t, s.UpdateMessage("ghost", func(m *Message) {}))
}

func TestStoreSummary(t *testing.T) {
	s := NewStore()
	s.InsertMessage(storeMsg("a", "conv", ts(1), ts(1)))
	s.InsertMessage(storeMsg("b", "conv", ts(2), ts(2)))

	conv := s.Conversation("conv")
	require.NotNil(t, conv)
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "b", conv.LastMessage.ID)
	assert.Equal(t, ts(2), conv.LastActivityAt)

	// A deleted tail falls back to the previous message.
	s.UpdateMessage("b", func(m *Message) { m.Status = StatusDeleted })
	conv = s.Conversation("conv")
	require.NotNil(t, conv.LastMessage)
	assert.Equal(t, "a", conv.LastMessage.ID)
}

func TestStoreReadsReturnCopies(t *testing.T) {
	s := NewStore()
	s.InsertMessage(storeMsg("a", "conv", ts(1), ts(1)))

	got := s.Message("a")
	got.Content = "mutated"
	assert.Equal(t, "m a", s.Message("a").Content)

	msgs := s.Messages("conv")
	msgs[0].Content = "mutated again"
	assert.Equal(t, "m a", s.Message("a").Content)
}

func TestStoreUnreadAndTyping(t *testing.T) {
	s := NewStore()

	var changes []Change
	unsub := s.Observe(func(ch Change) { changes = append(changes, ch) })
	defer unsub()

	s.SetUnread("conv", 2)
	assert.Equal(t, 2, s.Unread("conv"))

	// Clamped at zero, and unchanged values do not re-emit.
	s.SetUnread("conv", -1)
	assert.Equal(t, 0, s.Unread("conv"))
	n := len(changes)
	s.SetUnread("conv", 0)
	assert.Equal(t, n, len(changes))

	s.SetTyping("conv", []string{"u1", "u2"})
	assert.Equal(t, []string{"u1", "u2"}, s.Typing("conv"))
	s.SetTyping("conv", nil)
	assert.Empty(t, s.Typing("conv"))
}

func TestStoreObserveUnsubscribe(t *testing.T) {
	s := NewStore()
	calls := 0
	unsub := s.Observe(func(Change) { calls++ })

	s.InsertMessage(storeMsg("a", "conv", ts(1), ts(1)))
	require.Equal(t, 1, calls)

	unsub()
	s.InsertMessage(storeMsg("b", "conv", ts(2), ts(2)))
	assert.Equal(t, 1, calls)
}
