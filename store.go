package tern

import (
	"sort"
	"sync"
	"time"
)

// ============================================================================
// Projection Changes
// ============================================================================

// ChangeKind classifies a store change for the presentation layer.
type ChangeKind string

const (
	ChangeMessageAdded        ChangeKind = "message.added"
	ChangeMessageUpdated      ChangeKind = "message.updated"
	ChangeMessageRemoved      ChangeKind = "message.removed"
	ChangeTypingChanged       ChangeKind = "typing.changed"
	ChangeUnreadChanged       ChangeKind = "unread.changed"
	ChangeConversationUpdated ChangeKind = "conversation.updated"
)

// Change is one read-only store update delivered to observers.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	Message        *Message // set for message kinds; always a copy
	Typing         []string // set for ChangeTypingChanged
	Unread         int      // set for ChangeUnreadChanged
}

// ============================================================================
// Store
// ============================================================================

// Store is the authoritative in-memory snapshot of conversations and
// messages. The reconciler is its only writer; every other component sees it
// through read methods or the observable change feed.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*Conversation
	msgs   map[string][]*Message // per conversation, total order
	byID   map[string]*Message
	typing map[string][]string

	obsMu     sync.RWMutex
	observers map[int]func(Change)
	nextObsID int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		convs:     make(map[string]*Conversation),
		msgs:      make(map[string][]*Message),
		byID:      make(map[string]*Message),
		typing:    make(map[string][]string),
		observers: make(map[int]func(Change)),
	}
}

// Observe registers a change observer and returns an unsubscribe func.
// Observers receive copies; mutating them does not affect the store.
//
// Observers run synchronously on the engine's event loop. They must return
// quickly and must not call engine methods that wait on the loop, such as
// History, Conversations, or ConnectionState, which would deadlock.
func (s *Store) Observe(fn func(Change)) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Store) emit(ch Change) {
	s.obsMu.RLock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.RUnlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// ============================================================================
// Reads
// ============================================================================

// Conversation returns a copy of the conversation, or nil.
func (s *Store) Conversation(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[id]; ok {
		return c.clone()
	}
	return nil
}

// Conversations returns copies of all conversations, most recent first.
func (s *Store) Conversations() []*Conversation {
	s.mu.RLock()
	out := make([]*Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, c.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out
}

// Messages returns copies of a conversation's messages in total order.
func (s *Store) Messages(conversationID string) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.msgs[conversationID]
	out := make([]*Message, 0, len(list))
	for _, m := range list {
		out = append(out, m.clone())
	}
	return out
}

// Message returns a copy of a single message, or nil.
func (s *Store) Message(id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.byID[id]; ok {
		return m.clone()
	}
	return nil
}

// Typing returns the remote users currently typing in a conversation.
func (s *Store) Typing(conversationID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.typing[conversationID]...)
}

// ============================================================================
// Writes (reconciler only)
// ============================================================================

func (s *Store) ensureConversation(id string) *Conversation {
	if c, ok := s.convs[id]; ok {
		return c
	}
	c := &Conversation{ID: id}
	s.convs[id] = c
	return c
}

// UpsertConversation merges participant and activity data.
func (s *Store) UpsertConversation(conv Conversation) {
	s.mu.Lock()
	c := s.ensureConversation(conv.ID)
	if len(conv.Participants) > 0 {
		c.Participants = append([]string(nil), conv.Participants...)
	}
	if conv.LastActivityAt.After(c.LastActivityAt) {
		c.LastActivityAt = conv.LastActivityAt
	}
	out := c.clone()
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeConversationUpdated, ConversationID: conv.ID, Unread: out.UnreadCount})
}

// InsertMessage places a message at its total-order position, never at the
// tail by arrival. The caller guarantees the id is not already present.
func (s *Store) InsertMessage(m *Message) {
	s.mu.Lock()
	list := s.msgs[m.ConversationID]
	pos := sort.Search(len(list), func(i int) bool {
		return m.orderBefore(list[i])
	})
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = m
	s.msgs[m.ConversationID] = list
	s.byID[m.ID] = m
	s.refreshSummaryLocked(m.ConversationID)
	out := m.clone()
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessageAdded, ConversationID: m.ConversationID, Message: out})
}

// UpdateMessage mutates an existing message via fn and re-emits it.
func (s *Store) UpdateMessage(id string, fn func(*Message)) bool {
	s.mu.Lock()
	m, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	fn(m)
	s.reorderLocked(m)
	s.refreshSummaryLocked(m.ConversationID)
	out := m.clone()
	s.mu.Unlock()

	kind := ChangeMessageUpdated
	if out.Status == StatusDeleted {
		kind = ChangeMessageRemoved
	}
	s.emit(Change{Kind: kind, ConversationID: out.ConversationID, Message: out})
	return true
}

// ResolveID swaps a temporary identifier for its durable one in place. The
// row keeps its position unless the newly-assigned server timestamp moves it
// under the total order; either way no duplicate row appears.
func (s *Store) ResolveID(tempID, durableID string, serverTS time.Time, status MessageStatus) *Message {
	s.mu.Lock()
	m, ok := s.byID[tempID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.byID, tempID)
	m.ID = durableID
	m.ServerTS = serverTS
	// A tombstoned row keeps its tombstone; the id swap alone records which
	// durable message the delete applies to.
	if m.Status != StatusDeleted {
		m.Status = status
	}
	s.byID[durableID] = m
	s.reorderLocked(m)
	s.refreshSummaryLocked(m.ConversationID)
	out := m.clone()
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeMessageUpdated, ConversationID: out.ConversationID, Message: out})
	return out
}

// SetUnread records a conversation's unread count.
func (s *Store) SetUnread(conversationID string, n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	c := s.ensureConversation(conversationID)
	if c.UnreadCount == n {
		s.mu.Unlock()
		return
	}
	c.UnreadCount = n
	s.mu.Unlock()
	s.emit(Change{Kind: ChangeUnreadChanged, ConversationID: conversationID, Unread: n})
}

// Unread returns the current unread count.
func (s *Store) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.UnreadCount
	}
	return 0
}

// SetTyping records the remote typers snapshot for a conversation.
func (s *Store) SetTyping(conversationID string, users []string) {
	s.mu.Lock()
	if len(users) == 0 {
		delete(s.typing, conversationID)
	} else {
		s.typing[conversationID] = append([]string(nil), users...)
	}
	s.mu.Unlock()
	s.emit(Change{
		Kind:           ChangeTypingChanged,
		ConversationID: conversationID,
		Typing:         append([]string(nil), users...),
	})
}

// reorderLocked moves m to its total-order position after a timestamp
// change. No-op when the position is already correct.
func (s *Store) reorderLocked(m *Message) {
	list := s.msgs[m.ConversationID]
	idx := -1
	for i, cur := range list {
		if cur == m {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	inOrder := (idx == 0 || list[idx-1].orderBefore(m)) &&
		(idx == len(list)-1 || m.orderBefore(list[idx+1]))
	if inOrder {
		return
	}
	list = append(list[:idx], list[idx+1:]...)
	pos := sort.Search(len(list), func(i int) bool {
		return m.orderBefore(list[i])
	})
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = m
	s.msgs[m.ConversationID] = list
}

// refreshSummaryLocked recomputes the denormalized last-message summary.
func (s *Store) refreshSummaryLocked(conversationID string) {
	c := s.ensureConversation(conversationID)
	list := s.msgs[conversationID]
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Status == StatusDeleted {
			continue
		}
		c.LastMessage = list[i].clone()
		if key := list[i].orderKey(); key.After(c.LastActivityAt) {
			c.LastActivityAt = key
		}
		return
	}
	c.LastMessage = nil
}
