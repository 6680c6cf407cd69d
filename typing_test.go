package tern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typingPublish struct {
	conversationID string
	typing         bool
}

func newTestTyping() (*typingCoordinator, *Store, *fakeClock, *[]typingPublish) {
	store := NewStore()
	clk := newFakeClock()
	published := &[]typingPublish{}
	tc := newTypingCoordinator(store, clk.AfterFunc, func(conv string, typing bool) {
		*published = append(*published, typingPublish{conv, typing})
	})
	return tc, store, clk, published
}

func TestTypingLocalAnnounceOnce(t *testing.T) {
	tc, _, clk, published := newTestTyping()

	// A burst of keystrokes announces exactly once.
	tc.localInput("conv")
	clk.Advance(time.Second)
	tc.localInput("conv")
	clk.Advance(time.Second)
	tc.localInput("conv")

	require.Len(t, *published, 1)
	assert.Equal(t, typingPublish{"conv", true}, (*published)[0])

	// Quiet for the idle window publishes the stop.
	clk.Advance(typingIdle)
	require.Len(t, *published, 2)
	assert.Equal(t, typingPublish{"conv", false}, (*published)[1])

	// The next keystroke announces again.
	tc.localInput("conv")
	require.Len(t, *published, 3)
	assert.Equal(t, typingPublish{"conv", true}, (*published)[2])
}

func TestTypingLocalStopOnSend(t *testing.T) {
	tc, _, clk, published := newTestTyping()

	tc.localInput("conv")
	tc.localStop("conv", true)

	require.Len(t, *published, 2)
	assert.Equal(t, typingPublish{"conv", false}, (*published)[1])

	// The idle timer was cancelled; nothing more fires.
	clk.Advance(typingIdle * 2)
	assert.Len(t, *published, 2)

	// Stop without an outstanding announce publishes nothing.
	tc.localStop("conv", true)
	assert.Len(t, *published, 2)
}

func TestTypingRemoteExpiry(t *testing.T) {
	tc, store, clk, _ := newTestTyping()

	tc.applyRemote("conv", "them", true)
	assert.Equal(t, []string{"them"}, store.Typing("conv"))

	// A refresh before expiry extends the window.
	clk.Advance(typingExpiry - time.Second)
	tc.applyRemote("conv", "them", true)
	clk.Advance(typingExpiry - time.Second)
	assert.Equal(t, []string{"them"}, store.Typing("conv"))

	// Silence past the window expires the indicator without a stop event.
	clk.Advance(time.Second)
	assert.Empty(t, store.Typing("conv"))
}

func TestTypingRemoteStopEvent(t *testing.T) {
	tc, store, clk, _ := newTestTyping()

	tc.applyRemote("conv", "a", true)
	tc.applyRemote("conv", "b", true)
	assert.Equal(t, []string{"a", "b"}, store.Typing("conv"))

	tc.applyRemote("conv", "a", false)
	assert.Equal(t, []string{"b"}, store.Typing("conv"))

	// The stop cancelled a's timer; only b expires later.
	clk.Advance(typingExpiry)
	assert.Empty(t, store.Typing("conv"))

	// Stop for an unknown user is a no-op.
	tc.applyRemote("conv", "ghost", false)
	assert.Empty(t, store.Typing("conv"))
}

func TestTypingClearRemoteOnDisconnect(t *testing.T) {
	tc, store, clk, _ := newTestTyping()

	tc.applyRemote("conv", "a", true)
	tc.applyRemote("conv", "b", true)
	tc.clearRemote("conv")
	assert.Empty(t, store.Typing("conv"))

	// Cancelled timers stay quiet.
	clk.Advance(typingExpiry * 2)
	assert.Empty(t, store.Typing("conv"))
}

func TestTypingClearAllOnClose(t *testing.T) {
	tc, store, clk, published := newTestTyping()

	tc.localInput("conv")
	tc.applyRemote("conv", "them", true)
	require.Len(t, *published, 1)

	tc.clearAll("conv")
	assert.Empty(t, store.Typing("conv"))
	// Close is silent: no stop_typing publish on teardown.
	assert.Len(t, *published, 1)

	clk.Advance(typingExpiry * 2)
	assert.Len(t, *published, 1)
}
