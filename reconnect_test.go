package tern

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectorBackoff(t *testing.T) {
	t.Run("delay grows exponentially with jitter", func(t *testing.T) {
		r := newReconnector(time.Second, 30*time.Second, 0)

		first := r.nextDelay()
		assert.GreaterOrEqual(t, first, time.Second)
		assert.Less(t, first, 1500*time.Millisecond)

		second := r.nextDelay()
		assert.GreaterOrEqual(t, second, 2*time.Second)
		assert.Less(t, second, 2500*time.Millisecond)
	})

	t.Run("delay is capped", func(t *testing.T) {
		r := newReconnector(time.Second, 5*time.Second, 0)
		for i := 0; i < 10; i++ {
			assert.LessOrEqual(t, r.nextDelay(), 5*time.Second)
		}
	})

	t.Run("stable connection resets the attempt counter", func(t *testing.T) {
		r := newReconnector(time.Second, 30*time.Second, 0)
		for i := 0; i < 4; i++ {
			r.nextDelay()
		}

		// Connected for over a minute: the next outage starts fresh.
		r.connectedAt = time.Now().Add(-61 * time.Second)
		delay := r.nextDelay()
		assert.Less(t, delay, 1500*time.Millisecond)
	})

	t.Run("attempt budget", func(t *testing.T) {
		r := newReconnector(time.Millisecond, time.Millisecond, 2)
		assert.True(t, r.shouldReconnect())
		r.nextDelay()
		assert.True(t, r.shouldReconnect())
		r.nextDelay()
		assert.False(t, r.shouldReconnect())

		r.reset()
		assert.True(t, r.shouldReconnect())
	})
}

func TestSupervisorRecovers(t *testing.T) {
	var downs, ups, redials int32
	failFirst := int32(2)

	sup := newSupervisor("conv",
		newReconnector(time.Millisecond, 4*time.Millisecond, 0),
		func(ctx context.Context) error {
			atomic.AddInt32(&redials, 1)
			if atomic.AddInt32(&failFirst, -1) >= 0 {
				return errors.New("still unreachable")
			}
			return nil
		},
		nopLogger{},
	)
	sup.onDown = func() { atomic.AddInt32(&downs, 1) }
	sup.onReconnected = func() { atomic.AddInt32(&ups, 1) }
	defer sup.stop()

	require.Equal(t, StateConnected, sup.State())

	sup.handleChannelState(StateDisconnected)
	// Duplicate disconnect signals during recovery are ignored.
	sup.handleChannelState(StateDisconnected)

	waitFor(t, func() bool { return sup.State() == StateConnected }, "supervisor to recover")
	assert.Equal(t, int32(1), atomic.LoadInt32(&downs))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ups))
	assert.Equal(t, int32(3), atomic.LoadInt32(&redials), "two failures then one success")
}

func TestSupervisorCatchesDropDuringRedial(t *testing.T) {
	var downs, ups, redials int32
	// The first redial succeeds but the new connection dies before the
	// supervisor records it; only the live channel state shows the loss.
	deadAfterRedial := int32(1)

	sup := newSupervisor("conv",
		newReconnector(time.Millisecond, 4*time.Millisecond, 0),
		func(ctx context.Context) error {
			atomic.AddInt32(&redials, 1)
			return nil
		},
		nopLogger{},
	)
	sup.channelState = func() ConnState {
		if atomic.AddInt32(&deadAfterRedial, -1) >= 0 {
			return StateDisconnected
		}
		return StateConnected
	}
	sup.onDown = func() { atomic.AddInt32(&downs, 1) }
	sup.onReconnected = func() { atomic.AddInt32(&ups, 1) }
	defer sup.stop()

	sup.handleChannelState(StateDisconnected)

	waitFor(t, func() bool { return atomic.LoadInt32(&ups) == 1 }, "second recovery to complete")
	assert.Equal(t, StateConnected, sup.State())
	assert.Equal(t, int32(2), atomic.LoadInt32(&downs), "the mid-redial drop counts as a loss")
	assert.Equal(t, int32(2), atomic.LoadInt32(&redials))
}

func TestSupervisorGivesUp(t *testing.T) {
	var gaveUp int32

	sup := newSupervisor("conv",
		newReconnector(time.Millisecond, 2*time.Millisecond, 3),
		func(ctx context.Context) error { return errors.New("unreachable") },
		nopLogger{},
	)
	sup.onGaveUp = func() { atomic.AddInt32(&gaveUp, 1) }
	defer sup.stop()

	sup.handleChannelState(StateDisconnected)

	waitFor(t, func() bool { return atomic.LoadInt32(&gaveUp) == 1 }, "supervisor to exhaust its budget")
	assert.NotEqual(t, StateConnected, sup.State())
}

func TestSupervisorStopHaltsRecovery(t *testing.T) {
	var redials int32

	sup := newSupervisor("conv",
		newReconnector(50*time.Millisecond, 100*time.Millisecond, 0),
		func(ctx context.Context) error {
			atomic.AddInt32(&redials, 1)
			return errors.New("unreachable")
		},
		nopLogger{},
	)

	sup.handleChannelState(StateDisconnected)
	sup.stop()
	sup.stop() // idempotent

	time.Sleep(150 * time.Millisecond) // let any in-flight attempt drain
	before := atomic.LoadInt32(&redials)
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, before, atomic.LoadInt32(&redials), "no redial after stop")

	// Signals after stop are ignored.
	sup.handleChannelState(StateDisconnected)
}
