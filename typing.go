package tern

import (
	"sort"
	"time"
)

const (
	// typingIdle is the local quiet period after which stop_typing is
	// published. Publishing on every keystroke is explicitly disallowed.
	typingIdle = 3 * time.Second

	// typingExpiry is how long a remote user stays "typing" without a
	// refresh. The timer is the authoritative liveness mechanism; the
	// stop_typing event is only an optimization.
	typingExpiry = 3 * time.Second
)

// typingCoordinator tracks who is typing, per conversation. All methods run
// on the engine loop; scheduled callbacks are posted back onto it.
type typingCoordinator struct {
	store    *Store
	schedule func(time.Duration, func()) timer
	publish  func(conversationID string, typing bool)

	local  map[string]*localTyping
	remote map[string]map[string]timer
}

// localTyping is the announce/debounce state for the local user.
type localTyping struct {
	announced bool
	idle      timer
}

func newTypingCoordinator(store *Store, schedule func(time.Duration, func()) timer, publish func(string, bool)) *typingCoordinator {
	return &typingCoordinator{
		store:    store,
		schedule: schedule,
		publish:  publish,
		local:    make(map[string]*localTyping),
		remote:   make(map[string]map[string]timer),
	}
}

// ============================================================================
// Local Side
// ============================================================================

// localInput registers user input. The first input after quiet announces
// typing once; further input only refreshes the idle timer.
func (t *typingCoordinator) localInput(conversationID string) {
	lt := t.local[conversationID]
	if lt == nil {
		lt = &localTyping{}
		t.local[conversationID] = lt
	}
	if !lt.announced {
		lt.announced = true
		t.publish(conversationID, true)
	}
	if lt.idle != nil {
		lt.idle.Stop()
	}
	lt.idle = t.schedule(typingIdle, func() {
		t.localStop(conversationID, true)
	})
}

// localStop ends the local announce, publishing stop_typing when one was
// outstanding. Called on idle expiry, on send, and on conversation close.
func (t *typingCoordinator) localStop(conversationID string, announce bool) {
	lt := t.local[conversationID]
	if lt == nil {
		return
	}
	if lt.idle != nil {
		lt.idle.Stop()
		lt.idle = nil
	}
	if lt.announced {
		lt.announced = false
		if announce {
			t.publish(conversationID, false)
		}
	}
}

// ============================================================================
// Remote Side
// ============================================================================

// applyRemote records a typing/stop_typing event for (conversation, user).
// A repeated typing event resets the expiry window.
func (t *typingCoordinator) applyRemote(conversationID, userID string, active bool) {
	users := t.remote[conversationID]
	if active {
		if users == nil {
			users = make(map[string]timer)
			t.remote[conversationID] = users
		}
		if old := users[userID]; old != nil {
			old.Stop()
		}
		users[userID] = t.schedule(typingExpiry, func() {
			t.expire(conversationID, userID)
		})
		t.store.SetTyping(conversationID, t.snapshot(conversationID))
		return
	}

	if users == nil {
		return
	}
	if old := users[userID]; old != nil {
		old.Stop()
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	t.store.SetTyping(conversationID, t.snapshot(conversationID))
}

// expire fires when a typing announcement went quiet without stop_typing.
func (t *typingCoordinator) expire(conversationID, userID string) {
	users := t.remote[conversationID]
	if users == nil {
		return
	}
	if _, ok := users[userID]; !ok {
		return
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(t.remote, conversationID)
	}
	t.store.SetTyping(conversationID, t.snapshot(conversationID))
}

// clearRemote drops all remote typing state for a conversation. Used on
// disconnect, when remote liveness can no longer be trusted.
func (t *typingCoordinator) clearRemote(conversationID string) {
	users := t.remote[conversationID]
	if users == nil {
		return
	}
	for _, tm := range users {
		tm.Stop()
	}
	delete(t.remote, conversationID)
	t.store.SetTyping(conversationID, nil)
}

// clearAll drops local and remote state. Used on conversation close so no
// timer outlives its conversation.
func (t *typingCoordinator) clearAll(conversationID string) {
	t.localStop(conversationID, false)
	delete(t.local, conversationID)
	t.clearRemote(conversationID)
}

func (t *typingCoordinator) snapshot(conversationID string) []string {
	users := t.remote[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
