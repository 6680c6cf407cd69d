package tern

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Connection State
// ============================================================================

// ConnState represents the state of a conversation channel.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
)

// ============================================================================
// Transport Contract
// ============================================================================

// Channel is one bidirectional event stream scoped to a single conversation.
//
// Incoming envelopes are delivered to subscribers in the order received from
// the network; any reordering is the reconciler's job. A publish failure is
// reported to the caller and never retried at this layer, so a retry cannot
// produce duplicate sends.
type Channel interface {
	// Publish sends an envelope upstream. Errors wrap ErrTransportFailure.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe registers a handler for incoming envelopes. Handlers run
	// sequentially in network order.
	Subscribe(fn func(Envelope))
	// OnState registers a handler for connection-state transitions.
	// Disconnects surface here as a state change, not as an error.
	OnState(fn func(ConnState))
	// State returns the current connection state.
	State() ConnState
	// Redial re-establishes a dropped connection. Used by the reconnection
	// supervisor; callers outside the engine rarely need it.
	Redial(ctx context.Context) error
	// Close tears the channel down. Idempotent.
	Close() error
}

// Transport opens event channels. At most one active channel per
// conversation per process.
type Transport interface {
	Connect(ctx context.Context, conversationID string) (Channel, error)
}

// ============================================================================
// WebSocket Transport
// ============================================================================

// WSTransport opens one WebSocket per conversation against the chat gateway.
type WSTransport struct {
	baseURL      string
	token        string
	dialTimeout  time.Duration
	writeTimeout time.Duration
	pingInterval time.Duration

	mu     sync.Mutex
	active map[string]*wsChannel
}

// WSTransportConfig configures a WSTransport.
type WSTransportConfig struct {
	BaseURL      string
	Token        string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (c *WSTransportConfig) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 25 * time.Second
	}
}

// NewWSTransport creates a WebSocket transport.
func NewWSTransport(cfg WSTransportConfig) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		token:        cfg.Token,
		dialTimeout:  cfg.DialTimeout,
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		active:       make(map[string]*wsChannel),
	}
}

func (t *WSTransport) wsURL(conversationID string) string {
	u := strings.Replace(t.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws/conversations/" + conversationID
	if t.token != "" {
		u += "?token=" + t.token
	}
	return u
}

// Connect opens the channel for a conversation. A second Connect while the
// first channel is still active returns ErrConversationOpen.
func (t *WSTransport) Connect(ctx context.Context, conversationID string) (Channel, error) {
	t.mu.Lock()
	if _, ok := t.active[conversationID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationOpen, conversationID)
	}
	ch := &wsChannel{
		transport:      t,
		conversationID: conversationID,
		state:          StateDisconnected,
	}
	t.active[conversationID] = ch
	t.mu.Unlock()

	if err := ch.dial(ctx); err != nil {
		t.release(conversationID)
		return nil, err
	}
	return ch, nil
}

func (t *WSTransport) release(conversationID string) {
	t.mu.Lock()
	delete(t.active, conversationID)
	t.mu.Unlock()
}

// wsChannel is the per-conversation WebSocket handle.
type wsChannel struct {
	transport      *WSTransport
	conversationID string

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ConnState
	intentionalClose bool
	cancelFn         context.CancelFunc

	handlerMu     sync.RWMutex
	subscribers   []func(Envelope)
	stateHandlers []func(ConnState)
}

func (c *wsChannel) Subscribe(fn func(Envelope)) {
	c.handlerMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.handlerMu.Unlock()
}

func (c *wsChannel) OnState(fn func(ConnState)) {
	c.handlerMu.Lock()
	c.stateHandlers = append(c.stateHandlers, fn)
	c.handlerMu.Unlock()
}

func (c *wsChannel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsChannel) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := append([]func(ConnState){}, c.stateHandlers...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (c *wsChannel) dial(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.intentionalClose = false
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, c.transport.dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, c.transport.wsURL(c.conversationID), nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, c.conversationID, err)
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancelFn = cancelConn
	c.mu.Unlock()
	c.setState(StateConnected)

	go c.readLoop(connCtx, conn)
	go c.heartbeatLoop(connCtx, conn)
	return nil
}

// Redial re-establishes a dropped connection.
func (c *wsChannel) Redial(ctx context.Context) error {
	return c.dial(ctx)
}

// Publish sends an envelope on the channel. A timeout or write error is
// reported to the caller; this layer never retries on its own.
func (c *wsChannel) Publish(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if conn == nil || !connected {
		return fmt.Errorf("%w: publish on %s: not connected", ErrTransportFailure, c.conversationID)
	}

	writeCtx, cancel := context.WithTimeout(ctx, c.transport.writeTimeout)
	defer cancel()

	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("%w: publish on %s: %v", ErrTransportFailure, c.conversationID, err)
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	c.intentionalClose = true
	if c.cancelFn != nil {
		c.cancelFn()
		c.cancelFn = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.transport.release(c.conversationID)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client close")
	}
	return nil
}

func (c *wsChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			intentional := c.intentionalClose
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()
			if !intentional {
				c.setState(StateDisconnected)
			}
			return
		}

		env, err := unmarshalEnvelope(data)
		if err != nil {
			// Frame-level garbage: skip. Payload validation happens in the codec.
			continue
		}

		c.handlerMu.RLock()
		subs := append([]func(Envelope){}, c.subscribers...)
		c.handlerMu.RUnlock()
		for _, fn := range subs {
			fn(env)
		}
	}
}

func (c *wsChannel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.transport.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.transport.writeTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Liveness lost; force the read loop to surface a disconnect.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// ============================================================================
// Polling Transport
// ============================================================================

// PollTransport is the fallback transport for environments where WebSockets
// are unavailable. It polls the event feed and publishes over plain HTTP,
// behind the same Channel contract as the WebSocket transport.
type PollTransport struct {
	client   *Client
	interval time.Duration

	mu     sync.Mutex
	active map[string]*pollChannel
}

// NewPollTransport creates a polling transport backed by the API client.
func NewPollTransport(client *Client, interval time.Duration) *PollTransport {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollTransport{
		client:   client,
		interval: interval,
		active:   make(map[string]*pollChannel),
	}
}

// Connect starts polling the conversation's event feed.
func (t *PollTransport) Connect(ctx context.Context, conversationID string) (Channel, error) {
	t.mu.Lock()
	if _, ok := t.active[conversationID]; ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrConversationOpen, conversationID)
	}
	ch := &pollChannel{
		transport:      t,
		conversationID: conversationID,
		state:          StateDisconnected,
		stopCh:         make(chan struct{}),
	}
	t.active[conversationID] = ch
	t.mu.Unlock()

	if err := ch.Redial(ctx); err != nil {
		t.mu.Lock()
		delete(t.active, conversationID)
		t.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// consecutive poll failures before the channel reports a disconnect.
const pollFailureLimit = 3

type pollChannel struct {
	transport      *PollTransport
	conversationID string

	mu       sync.Mutex
	state    ConnState
	cursor   string
	failures int
	stopCh   chan struct{}
	running  bool
	closed   bool

	handlerMu     sync.RWMutex
	subscribers   []func(Envelope)
	stateHandlers []func(ConnState)
}

func (c *pollChannel) Subscribe(fn func(Envelope)) {
	c.handlerMu.Lock()
	c.subscribers = append(c.subscribers, fn)
	c.handlerMu.Unlock()
}

func (c *pollChannel) OnState(fn func(ConnState)) {
	c.handlerMu.Lock()
	c.stateHandlers = append(c.stateHandlers, fn)
	c.handlerMu.Unlock()
}

func (c *pollChannel) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *pollChannel) setState(s ConnState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.handlerMu.RLock()
	handlers := append([]func(ConnState){}, c.stateHandlers...)
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

func (c *pollChannel) Redial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: poll channel closed", ErrTransportFailure)
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	// Probe once so Connect fails fast when the feed is unreachable.
	c.mu.Unlock()
	envs, cursor, err := c.transport.client.FetchEvents(ctx, c.conversationID, c.currentCursor())
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("%w: poll probe %s: %v", ErrTransportFailure, c.conversationID, err)
	}

	c.mu.Lock()
	c.cursor = cursor
	c.failures = 0
	c.running = true
	c.mu.Unlock()
	c.setState(StateConnected)
	c.deliver(envs)

	go c.pollLoop()
	return nil
}

func (c *pollChannel) currentCursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *pollChannel) Publish(ctx context.Context, env Envelope) error {
	if c.State() != StateConnected {
		return fmt.Errorf("%w: publish on %s: not connected", ErrTransportFailure, c.conversationID)
	}
	if err := c.transport.client.PublishEnvelope(ctx, c.conversationID, env); err != nil {
		return fmt.Errorf("%w: publish on %s: %v", ErrTransportFailure, c.conversationID, err)
	}
	return nil
}

func (c *pollChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.setState(StateDisconnected)
	c.transport.mu.Lock()
	delete(c.transport.active, c.conversationID)
	c.transport.mu.Unlock()
	return nil
}

func (c *pollChannel) pollLoop() {
	ticker := time.NewTicker(c.transport.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.transport.interval)
			envs, cursor, err := c.transport.client.FetchEvents(ctx, c.conversationID, c.currentCursor())
			cancel()

			if err != nil {
				c.mu.Lock()
				c.failures++
				failed := c.failures >= pollFailureLimit
				if failed {
					c.running = false
				}
				c.mu.Unlock()
				if failed {
					c.setState(StateDisconnected)
					return
				}
				continue
			}

			c.mu.Lock()
			c.failures = 0
			c.cursor = cursor
			c.mu.Unlock()
			c.deliver(envs)
		}
	}
}

func (c *pollChannel) deliver(envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	c.handlerMu.RLock()
	subs := append([]func(Envelope){}, c.subscribers...)
	c.handlerMu.RUnlock()
	for _, env := range envs {
		for _, fn := range subs {
			fn(env)
		}
	}
}
