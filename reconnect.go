package tern

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// ============================================================================
// Backoff
// ============================================================================

// reconnector computes exponential backoff with a cap and jitter. The
// attempt counter resets after the connection has been stable for a minute,
// so a flaky link does not permanently slow recovery.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration, maxAttempts int) *reconnector {
	if base == 0 {
		base = time.Second
	}
	if max == 0 {
		max = 30 * time.Second
	}
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: maxAttempts}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}

// ============================================================================
// Reconnection Supervisor
// ============================================================================

// supervisor watches one conversation channel and drives the
// Connected → Disconnected → Reconnecting → Connected state machine.
//
// Transitions are driven by real transport signals; timers only pace the
// retry attempts. There is no unbounded retry loop: after maxAttempts the
// supervisor gives up and stays Disconnected.
type supervisor struct {
	conversationID string
	recon          *reconnector
	redial         func(ctx context.Context) error
	log            Logger

	// onDown fires once per connection loss, before any retry. The engine
	// clears remote typing state here: liveness cannot be trusted offline.
	onDown func()
	// onReconnected fires once per successful reconnect. The engine issues
	// exactly one resync fetch for the conversation here.
	onReconnected func()
	// onGaveUp fires when the retry budget is exhausted.
	onGaveUp func()

	// channelState, when set, reads the live channel state. A disconnect
	// landing between a successful redial and the supervisor recording it
	// arrives while the state is still Reconnecting and is ignored; this
	// re-check catches it.
	channelState func() ConnState

	mu      sync.Mutex
	state   ConnState
	stopped bool
	stopCh  chan struct{}
}

func newSupervisor(conversationID string, recon *reconnector, redial func(ctx context.Context) error, log Logger) *supervisor {
	recon.markConnected()
	return &supervisor{
		conversationID: conversationID,
		recon:          recon,
		redial:         redial,
		log:            log,
		state:          StateConnected,
		stopCh:         make(chan struct{}),
	}
}

// State returns the supervisor's view of the connection.
func (s *supervisor) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// handleChannelState consumes transport state transitions. Only a loss of an
// established connection starts a recovery loop; transitions caused by the
// supervisor's own redial attempts are ignored.
func (s *supervisor) handleChannelState(cs ConnState) {
	if cs != StateDisconnected {
		return
	}
	s.mu.Lock()
	if s.stopped || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	if s.onDown != nil {
		s.onDown()
	}
	go s.recoverLoop()
}

func (s *supervisor) recoverLoop() {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.log.Infof("channel %s down, reconnecting in %s (attempt %d)",
			s.conversationID, delay, s.recon.attempt)

		select {
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.state = StateReconnecting
		s.mu.Unlock()

		if err := s.redial(context.Background()); err != nil {
			s.log.Warnf("channel %s redial failed: %v", s.conversationID, err)
			continue
		}

		s.recon.markConnected()
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		s.state = StateConnected
		s.mu.Unlock()

		// The fresh connection may already be down again; its disconnect
		// signal was discarded while the state was still Reconnecting.
		if s.channelState != nil && s.channelState() == StateDisconnected {
			s.handleChannelState(StateDisconnected)
			return
		}

		if s.onReconnected != nil {
			s.onReconnected()
		}
		return
	}

	s.log.Errorf("channel %s gave up after %d reconnect attempts",
		s.conversationID, s.recon.attempt)
	if s.onGaveUp != nil {
		s.onGaveUp()
	}
}

// stop halts recovery. Safe to call multiple times.
func (s *supervisor) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
}
