package tern

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// defaultBufferWindow bounds how long an edit/delete for an unknown target
// is held before it is discarded as a dropped update.
const defaultBufferWindow = 10 * time.Second

// bufferedUpdate is an edit/delete that arrived before the creation of its
// target message.
type bufferedUpdate struct {
	event    Event
	deadline time.Time
}

// reconciler merges locally-pending actions with confirmed and remote events
// into one ordered message list per conversation. It is the store's only
// writer; every method runs on the engine's event loop.
type reconciler struct {
	store   *Store
	log     Logger
	metrics *Metrics
	selfID  string
	now     func() time.Time

	bufferWindow time.Duration

	// correlation token → temporary id, for matching echoes of own sends.
	pending map[string]string
	// durable id → updates waiting for the creation event.
	buffered map[string][]bufferedUpdate
	// message id → readers applied, for idempotent receipts.
	readSet map[string]map[string]bool
}

func newReconciler(store *Store, selfID string, log Logger, metrics *Metrics, now func() time.Time) *reconciler {
	return &reconciler{
		store:        store,
		log:          log,
		metrics:      metrics,
		selfID:       selfID,
		now:          now,
		bufferWindow: defaultBufferWindow,
		pending:      make(map[string]string),
		buffered:     make(map[string][]bufferedUpdate),
		readSet:      make(map[string]map[string]bool),
	}
}

// ============================================================================
// Local Actions
// ============================================================================

// localSend creates the optimistic entry for a user send. The message enters
// the store as Pending immediately; publishing happens off the loop.
func (r *reconciler) localSend(conversationID, content string, opts *SendOptions) *Message {
	m := &Message{
		ID:               tempIDPrefix + uuid.NewString(),
		ConversationID:   conversationID,
		SenderID:         r.selfID,
		Content:          content,
		Status:           StatusPending,
		CorrelationToken: uuid.NewString(),
		ClientTS:         r.now().UTC(),
	}
	if opts != nil {
		m.MediaRef = opts.MediaRef
		m.Metadata = opts.Metadata
	}
	r.pending[m.CorrelationToken] = m.ID
	r.store.InsertMessage(m)
	return m.clone()
}

// markFailed transitions a pending send to Failed after a publish error.
// Other pending messages stay untouched and individually retryable.
func (r *reconciler) markFailed(tempID string) {
	r.store.UpdateMessage(tempID, func(m *Message) {
		if m.Status == StatusPending {
			m.Status = StatusFailed
		}
	})
}

// retry re-enters the Pending branch for a failed send. The temporary id and
// correlation token are reused so the server can deduplicate the attempt.
func (r *reconciler) retry(tempID string) *Message {
	var out *Message
	r.store.UpdateMessage(tempID, func(m *Message) {
		if m.Status == StatusFailed {
			m.Status = StatusPending
			out = m.clone()
		}
	})
	return out
}

// applyAck consumes the durable-send acknowledgement (the HTTP response of
// submitMessage). An unknown token is a stale correlation: logged and left
// for the echo event to insert as a fresh remote message.
func (r *reconciler) applyAck(token, durableID string, serverTS time.Time) {
	tempID, ok := r.pending[token]
	if !ok {
		r.log.Debugf("ack for untracked correlation %s (%v)", token, ErrStaleCorrelation)
		return
	}
	delete(r.pending, token)
	if r.store.ResolveID(tempID, durableID, serverTS.UTC(), StatusSent) != nil {
		r.reapplyBuffered(durableID)
	}
}

// ============================================================================
// Remote Events
// ============================================================================

// apply routes a decoded event. Unknown events are counted and skipped.
func (r *reconciler) apply(ev Event) {
	switch e := ev.(type) {
	case *NewMessageEvent:
		r.applyNewMessage(e)
	case *MessageEditedEvent:
		r.applyEdit(e)
	case *MessageDeletedEvent:
		r.applyDelete(e)
	case *MessagesReadEvent:
		r.applyRead(e)
	case *UnknownEvent:
		r.metrics.eventsUnknown.Inc()
	}
}

func (r *reconciler) applyNewMessage(ev *NewMessageEvent) {
	// Echo of an own send: resolve the pending entry in place.
	if ev.CorrelationToken != "" {
		if tempID, ok := r.pending[ev.CorrelationToken]; ok {
			delete(r.pending, ev.CorrelationToken)
			if m := r.store.ResolveID(tempID, ev.ID, ev.ServerTS, StatusDelivered); m != nil {
				r.reapplyBuffered(ev.ID)
				return
			}
		}
	}

	// Redelivery of a known message: merge fields, never a duplicate row.
	if existing := r.store.Message(ev.ID); existing != nil {
		r.store.UpdateMessage(ev.ID, func(m *Message) {
			if m.ServerTS.IsZero() {
				m.ServerTS = ev.ServerTS
			}
			if m.Status == StatusSent {
				m.Status = StatusDelivered
			}
			if ev.Content != "" && m.Status != StatusEdited && m.Status != StatusDeleted {
				m.Content = ev.Content
			}
		})
		return
	}

	// Fresh remote message (or an own send this process no longer tracks,
	// e.g. after a restart): insert directly by durable identifier.
	m := &Message{
		ID:             ev.ID,
		ConversationID: ev.Conversation(),
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		MediaRef:       ev.MediaRef,
		Status:         StatusDelivered,
		ClientTS:       ev.OccurredAt(),
		ServerTS:       ev.ServerTS,
	}
	r.store.InsertMessage(m)
	if ev.SenderID != r.selfID {
		r.store.SetUnread(ev.Conversation(), r.store.Unread(ev.Conversation())+1)
	}
	r.reapplyBuffered(ev.ID)
}

func (r *reconciler) applyEdit(ev *MessageEditedEvent) {
	if r.store.Message(ev.ID) == nil {
		r.buffer(ev.ID, ev)
		return
	}
	r.store.UpdateMessage(ev.ID, func(m *Message) {
		if m.Status == StatusDeleted {
			return
		}
		m.Content = ev.Content
		m.EditedAt = ev.EditedAt
		m.Status = StatusEdited
	})
}

func (r *reconciler) applyDelete(ev *MessageDeletedEvent) {
	if r.store.Message(ev.ID) == nil {
		r.buffer(ev.ID, ev)
		return
	}
	r.store.UpdateMessage(ev.ID, func(m *Message) {
		if m.Status == StatusDeleted {
			return
		}
		m.Status = StatusDeleted
		m.DeletedAt = ev.DeletedAt
		m.Content = ""
	})
}

func (r *reconciler) applyRead(ev *MessagesReadEvent) {
	newlySeen := 0
	for _, id := range ev.MessageIDs {
		readers := r.readSet[id]
		if readers != nil && readers[ev.ReaderID] {
			continue // idempotent replay
		}
		msg := r.store.Message(id)
		if msg == nil {
			continue
		}
		if readers == nil {
			readers = make(map[string]bool)
			r.readSet[id] = readers
		}
		readers[ev.ReaderID] = true

		if msg.SenderID == r.selfID && ev.ReaderID != r.selfID {
			r.store.UpdateMessage(id, func(m *Message) {
				if m.Status == StatusDelivered || m.Status == StatusSent {
					m.Status = StatusRead
				}
			})
		}
		if ev.ReaderID == r.selfID && msg.SenderID != r.selfID {
			newlySeen++
		}
	}
	if newlySeen > 0 {
		conv := ev.Conversation()
		r.store.SetUnread(conv, r.store.Unread(conv)-newlySeen)
	}
}

// ============================================================================
// Resync
// ============================================================================

// applyResync merges a resynchronization page. The fetch returns messages in
// total order and the merge is idempotent, so replaying an overlap is safe.
func (r *reconciler) applyResync(conversationID string, msgs []Message) {
	for i := range msgs {
		m := msgs[i]

		if m.CorrelationToken != "" {
			if tempID, ok := r.pending[m.CorrelationToken]; ok {
				delete(r.pending, m.CorrelationToken)
				if r.store.ResolveID(tempID, m.ID, m.ServerTS, StatusDelivered) != nil {
					r.reapplyBuffered(m.ID)
					continue
				}
			}
		}

		if existing := r.store.Message(m.ID); existing != nil {
			r.store.UpdateMessage(m.ID, func(cur *Message) {
				if cur.Status != StatusDeleted {
					cur.Content = m.Content
				}
				cur.ServerTS = m.ServerTS
				// A replayed page may lag the live feed; status only moves
				// forward along the lifecycle, never back.
				if m.Status != "" && statusRank(m.Status) > statusRank(cur.Status) {
					cur.Status = m.Status
				}
				if !m.EditedAt.IsZero() {
					cur.EditedAt = m.EditedAt
				}
				if !m.DeletedAt.IsZero() {
					cur.DeletedAt = m.DeletedAt
				}
			})
			continue
		}

		ins := m
		ins.ConversationID = conversationID
		if ins.Status == "" {
			ins.Status = StatusDelivered
		}
		r.store.InsertMessage(&ins)
		if ins.SenderID != r.selfID && ins.Status != StatusDeleted {
			r.store.SetUnread(conversationID, r.store.Unread(conversationID)+1)
		}
		r.reapplyBuffered(ins.ID)
	}
}

// ============================================================================
// Out-of-order Buffer
// ============================================================================

// buffer holds an edit/delete whose target creation has not been seen yet.
func (r *reconciler) buffer(targetID string, ev Event) {
	r.buffered[targetID] = append(r.buffered[targetID], bufferedUpdate{
		event:    ev,
		deadline: r.now().Add(r.bufferWindow),
	})
	r.metrics.updatesBuffered.Inc()
}

// reapplyBuffered replays updates that were waiting for targetID, in event
// time order, then discards them.
func (r *reconciler) reapplyBuffered(targetID string) {
	updates := r.buffered[targetID]
	if len(updates) == 0 {
		return
	}
	delete(r.buffered, targetID)
	sort.SliceStable(updates, func(i, j int) bool {
		return updates[i].event.OccurredAt().Before(updates[j].event.OccurredAt())
	})
	for _, u := range updates {
		r.apply(u.event)
	}
}

// expireBuffered drops updates whose window has elapsed. The drop is logged
// and counted, never fatal, and never applied to an unrelated message.
func (r *reconciler) expireBuffered() {
	now := r.now()
	for id, updates := range r.buffered {
		kept := updates[:0]
		for _, u := range updates {
			if u.deadline.After(now) {
				kept = append(kept, u)
				continue
			}
			r.log.Warnf("dropping unresolved update for %s (%v)", id, ErrReconciliationConflict)
			r.metrics.updatesDropped.Inc()
		}
		if len(kept) == 0 {
			delete(r.buffered, id)
		} else {
			r.buffered[id] = kept
		}
	}
}

// hasPending reports whether a correlation token is still tracked.
func (r *reconciler) hasPending(token string) bool {
	_, ok := r.pending[token]
	return ok
}

// statusRank orders the message lifecycle so merges only promote a status,
// never regress it. Pending and Failed share the lowest rank; Deleted is
// terminal.
func statusRank(s MessageStatus) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	case StatusEdited:
		return 4
	case StatusDeleted:
		return 5
	default:
		return 0
	}
}
