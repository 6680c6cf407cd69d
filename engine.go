package tern

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"
)

// Logger is the logging surface the engine writes to. The gommon logger
// satisfies it; so does anything with printf-style leveled methods.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// bufferSweepInterval paces the GC of out-of-order edit/delete buffers.
const bufferSweepInterval = 5 * time.Second

// publishTimeout bounds fire-and-forget channel publishes.
const publishTimeout = 10 * time.Second

// maxReconnectAttempts is the supervisor's retry budget per outage.
const maxReconnectAttempts = 10

// ============================================================================
// Engine
// ============================================================================

// Engine is the conversation synchronization engine. It reconciles the
// independently-arriving sources of truth (local optimistic writes, server
// acknowledgements, channel events) into the Store's single ordered view
// per conversation.
//
// All state mutations run on one event loop, so the Store needs no caller
// coordination; concurrency comes only from the event sources feeding the
// loop (UI actions, network callbacks, timers).
type Engine struct {
	client    *Client
	transport Transport
	store     *Store
	cache     Cache
	log       Logger
	metrics   *Metrics
	clock     clock
	selfID    string
	session   string

	tasks      chan func()
	done       chan struct{}
	closeOnce  sync.Once
	loopExited chan struct{}

	// Loop-owned state. Never touched off-loop.
	rec      *reconciler
	typing   *typingCoordinator
	receipts *receiptBatcher
	convs    map[string]*conversationState
	sweep    timer
}

// conversationState is the engine's per-open-conversation bookkeeping.
type conversationState struct {
	channel Channel
	sup     *supervisor
	cursor  string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTransport overrides the default WebSocket transport, e.g. with
// NewPollTransport for environments without WebSocket support.
func WithTransport(t Transport) EngineOption {
	return func(e *Engine) { e.transport = t }
}

// WithLogger overrides the default gommon logger.
func WithLogger(l Logger) EngineOption {
	return func(e *Engine) { e.log = l }
}

// WithCache overrides the default in-memory read-through cache.
func WithCache(c Cache) EngineOption {
	return func(e *Engine) { e.cache = c }
}

// WithMetrics installs registered metrics counters.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func withClock(c clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// NewEngine creates and starts an engine for the given user. The returned
// engine is running; call Close to stop it.
func NewEngine(client *Client, selfID string, opts ...EngineOption) *Engine {
	session := cuid2.Generate()
	e := &Engine{
		client:     client,
		store:      NewStore(),
		cache:      NewMemoryCache(),
		log:        log.New("tern-" + session),
		clock:      systemClock{},
		selfID:     selfID,
		session:    session,
		tasks:      make(chan func(), 256),
		done:       make(chan struct{}),
		loopExited: make(chan struct{}),
		convs:      make(map[string]*conversationState),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.transport == nil {
		e.transport = NewWSTransport(WSTransportConfig{
			BaseURL: client.baseURL,
			Token:   client.token,
		})
	}
	if e.metrics == nil {
		e.metrics = NewMetrics(nil)
	}

	e.rec = newReconciler(e.store, selfID, e.log, e.metrics, e.clock.Now)
	e.typing = newTypingCoordinator(e.store, e.schedule, e.publishTyping)
	e.receipts = newReceiptBatcher(e.schedule, e.emitReceipts)

	go e.loop()
	e.sweep = e.schedule(bufferSweepInterval, e.sweepBuffers)
	return e
}

// Store exposes the observable conversation snapshot. Presentation code
// subscribes via Store().Observe and reads via the Store getters; it must
// never mutate engine state directly. See Store.Observe for the reentrancy
// restriction on observers.
func (e *Engine) Store() *Store { return e.store }

// Session returns the engine instance id, used to tag diagnostics.
func (e *Engine) Session() string { return e.session }

// ============================================================================
// Event Loop
// ============================================================================

func (e *Engine) loop() {
	defer close(e.loopExited)
	for {
		select {
		case fn := <-e.tasks:
			fn()
		case <-e.done:
			// Drain whatever is already queued, then stop.
			for {
				select {
				case fn := <-e.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// post enqueues work onto the loop.
func (e *Engine) post(fn func()) error {
	select {
	case <-e.done:
		return ErrEngineClosed
	case e.tasks <- fn:
		return nil
	}
}

// call enqueues work and waits for it to run.
func (e *Engine) call(fn func()) error {
	ran := make(chan struct{})
	if err := e.post(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-ran:
		return nil
	case <-e.loopExited:
		select {
		case <-ran:
			return nil
		default:
			return ErrEngineClosed
		}
	}
}

// schedule arms a timer whose callback is posted back onto the loop, keeping
// the single-writer discipline for timer-driven work.
func (e *Engine) schedule(d time.Duration, fn func()) timer {
	return e.clock.AfterFunc(d, func() {
		_ = e.post(fn)
	})
}

func (e *Engine) sweepBuffers() {
	e.rec.expireBuffered()
	select {
	case <-e.done:
	default:
		e.sweep = e.schedule(bufferSweepInterval, e.sweepBuffers)
	}
}

// Close shuts the engine down: every open conversation is closed (flushing
// its receipt batch), timers are cancelled, and the loop drains.
func (e *Engine) Close() error {
	err := e.call(func() {
		for id := range e.convs {
			e.closeConversationLocked(id)
		}
		if e.sweep != nil {
			e.sweep.Stop()
		}
	})
	if err != nil {
		return err
	}
	e.closeOnce.Do(func() { close(e.done) })
	<-e.loopExited
	return nil
}

// ============================================================================
// Conversation Lifecycle
// ============================================================================

// Open attaches the engine to a conversation: one transport channel, one
// supervisor, live event delivery into the loop.
func (e *Engine) Open(ctx context.Context, conversationID string) error {
	var already bool
	if err := e.call(func() {
		_, already = e.convs[conversationID]
	}); err != nil {
		return err
	}
	if already {
		return fmt.Errorf("%w: %s", ErrConversationOpen, conversationID)
	}

	ch, err := e.transport.Connect(ctx, conversationID)
	if err != nil {
		return err
	}

	return e.call(func() {
		if _, dup := e.convs[conversationID]; dup {
			// Lost a race with a concurrent Open; keep the first channel.
			ch.Close()
			return
		}
		cs := &conversationState{channel: ch}
		e.convs[conversationID] = cs

		sup := newSupervisor(conversationID,
			newReconnector(0, 0, maxReconnectAttempts),
			ch.Redial,
			e.log,
		)
		sup.onDown = func() {
			_ = e.post(func() {
				// Remote liveness cannot be trusted while offline.
				e.typing.clearRemote(conversationID)
			})
		}
		sup.onReconnected = func() {
			_ = e.post(func() {
				e.metrics.reconnects.Inc()
				e.resync(conversationID)
			})
		}
		sup.channelState = ch.State
		cs.sup = sup

		ch.OnState(sup.handleChannelState)
		ch.Subscribe(func(env Envelope) {
			_ = e.post(func() {
				e.applyEnvelope(conversationID, env)
			})
		})

		e.store.UpsertConversation(Conversation{ID: conversationID})
	})
}

// CloseConversation detaches a conversation: the unflushed receipt batch is
// flushed (never dropped), typing timers are cancelled, the channel closes.
func (e *Engine) CloseConversation(conversationID string) error {
	return e.call(func() {
		e.closeConversationLocked(conversationID)
	})
}

func (e *Engine) closeConversationLocked(conversationID string) {
	cs, ok := e.convs[conversationID]
	if !ok {
		return
	}
	// The closing batch must reach the server before the channel goes away,
	// so delivery is synchronous here rather than fire-and-forget.
	if ids := e.receipts.take(conversationID); len(ids) > 0 {
		ev := e.readEvent(conversationID, ids)
		e.rec.applyRead(ev)
		e.publishReceiptsSync(cs.channel, conversationID, ids, ev)
	}
	e.typing.clearAll(conversationID)
	cs.sup.stop()
	cs.channel.Close()
	delete(e.convs, conversationID)
}

// publishReceiptsSync delivers a closing read batch on the caller's
// goroutine. When the channel publish fails the durable mark-read endpoint
// is the fallback, so the batch is never dropped.
func (e *Engine) publishReceiptsSync(ch Channel, conversationID string, ids []string, ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	env, err := EncodeEvent(ev)
	if err == nil {
		if err = ch.Publish(ctx, env); err == nil {
			e.metrics.publishes.Inc()
			return
		}
	}
	e.log.Warnf("closing receipt publish on %s failed, using mark-read: %v", conversationID, err)
	if err := e.client.MarkRead(ctx, conversationID, ids); err != nil {
		e.metrics.publishFailures.Inc()
		e.log.Errorf("mark-read fallback on %s failed: %v", conversationID, err)
		return
	}
	e.metrics.publishes.Inc()
}

// ConnectionState reports the supervisor's view of a conversation's channel.
func (e *Engine) ConnectionState(conversationID string) ConnState {
	var state ConnState = StateDisconnected
	_ = e.call(func() {
		if cs, ok := e.convs[conversationID]; ok {
			state = cs.sup.State()
		}
	})
	return state
}

// ============================================================================
// Local Actions
// ============================================================================

// Send creates an optimistic Pending entry, visible immediately, then
// submits the message durably off the loop. The acknowledgement (or the
// channel echo, whichever lands first) resolves the temporary id in place.
func (e *Engine) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	var msg *Message
	err := e.call(func() {
		if _, ok := e.convs[conversationID]; !ok {
			return
		}
		msg = e.rec.localSend(conversationID, content, opts)
		// Sending ends the local typing announce.
		e.typing.localStop(conversationID, true)
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationClosed, conversationID)
	}

	go e.submit(ctx, msg.clone())
	return msg, nil
}

// Retry re-submits a failed send. The message keeps its temporary id and
// correlation token; other pending messages are unaffected.
func (e *Engine) Retry(ctx context.Context, messageID string) (*Message, error) {
	var msg *Message
	err := e.call(func() {
		msg = e.rec.retry(messageID)
	})
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %s is not retryable", messageID)
	}
	go e.submit(ctx, msg.clone())
	return msg, nil
}

// submit performs the durable send and feeds the outcome back to the loop.
func (e *Engine) submit(ctx context.Context, msg *Message) {
	payload := MessagePayload{Content: msg.Content, MediaRef: msg.MediaRef, Metadata: msg.Metadata}
	res, err := e.client.SubmitMessage(ctx, msg.ConversationID, payload, msg.CorrelationToken)
	if err != nil {
		e.metrics.publishFailures.Inc()
		e.log.Warnf("submit %s failed: %v", msg.ID, err)
		_ = e.post(func() {
			e.rec.markFailed(msg.ID)
		})
		return
	}
	e.metrics.publishes.Inc()
	_ = e.post(func() {
		e.rec.applyAck(msg.CorrelationToken, res.ID, res.Timestamp)
		e.cache.Invalidate(messagesCacheKey(msg.ConversationID))
	})
}

// Edit applies a local edit optimistically and pushes it to the server.
// Messages still awaiting confirmation carry a temporary id the server
// cannot address, so edits against them are rejected.
func (e *Engine) Edit(ctx context.Context, conversationID, messageID, content string) error {
	var known, unconfirmed bool
	err := e.call(func() {
		if m := e.store.Message(messageID); m != nil && m.Pending() {
			unconfirmed = true
			return
		}
		known = e.store.UpdateMessage(messageID, func(m *Message) {
			if m.Status == StatusDeleted {
				return
			}
			m.Content = content
			m.EditedAt = e.clock.Now().UTC()
			m.Status = StatusEdited
		})
	})
	if err != nil {
		return err
	}
	if unconfirmed {
		return fmt.Errorf("edit %s: %w", messageID, ErrMessagePending)
	}
	if !known {
		return fmt.Errorf("edit: unknown message %s", messageID)
	}
	go func() {
		if err := e.client.EditMessage(ctx, conversationID, messageID, content); err != nil {
			e.log.Warnf("edit %s failed, resyncing: %v", messageID, err)
			_ = e.post(func() { e.resync(conversationID) })
		}
	}()
	return nil
}

// Delete applies a local delete optimistically and pushes it to the server.
// Like Edit, it rejects messages still awaiting confirmation: tombstoning a
// row whose send is in flight would be undone by the acknowledgement.
func (e *Engine) Delete(ctx context.Context, conversationID, messageID string) error {
	var known, unconfirmed bool
	err := e.call(func() {
		if m := e.store.Message(messageID); m != nil && m.Pending() {
			unconfirmed = true
			return
		}
		known = e.store.UpdateMessage(messageID, func(m *Message) {
			m.Status = StatusDeleted
			m.DeletedAt = e.clock.Now().UTC()
			m.Content = ""
		})
	})
	if err != nil {
		return err
	}
	if unconfirmed {
		return fmt.Errorf("delete %s: %w", messageID, ErrMessagePending)
	}
	if !known {
		return fmt.Errorf("delete: unknown message %s", messageID)
	}
	go func() {
		if err := e.client.DeleteMessage(ctx, conversationID, messageID); err != nil {
			e.log.Warnf("delete %s failed, resyncing: %v", messageID, err)
			_ = e.post(func() { e.resync(conversationID) })
		}
	}()
	return nil
}

// TypingInput registers local keyboard activity. The coordinator announces
// at most once per quiet period; keystrokes never publish directly.
func (e *Engine) TypingInput(conversationID string) {
	_ = e.post(func() {
		if _, ok := e.convs[conversationID]; ok {
			e.typing.localInput(conversationID)
		}
	})
}

// MarkVisible records that messages became visible to the user. Receipts
// coalesce into a single batched acknowledgement.
func (e *Engine) MarkVisible(conversationID string, messageIDs ...string) {
	_ = e.post(func() {
		for _, id := range messageIDs {
			e.receipts.markVisible(conversationID, id)
		}
	})
}

// FlushReceipts forces the pending receipt batch out, e.g. on focus loss.
func (e *Engine) FlushReceipts(conversationID string) {
	_ = e.post(func() {
		e.receipts.flush(conversationID)
	})
}

// ============================================================================
// Inbound Events
// ============================================================================

func (e *Engine) applyEnvelope(conversationID string, env Envelope) {
	ev, err := DecodeEvent(env)
	if err != nil {
		e.metrics.eventsMalformed.Inc()
		e.log.Warnf("dropping envelope on %s: %v", conversationID, err)
		return
	}
	e.metrics.eventsApplied.Inc()

	switch t := ev.(type) {
	case *TypingEvent:
		if t.UserID != e.selfID {
			e.typing.applyRemote(t.Conversation(), t.UserID, true)
		}
		return
	case *StopTypingEvent:
		if t.UserID != e.selfID {
			e.typing.applyRemote(t.Conversation(), t.UserID, false)
		}
		return
	case *NewMessageEvent:
		if cs, ok := e.convs[conversationID]; ok && !t.ServerTS.IsZero() {
			cs.cursor = strconv.FormatInt(t.ServerTS.UnixMilli(), 10)
		}
	}

	e.rec.apply(ev)
	// The live event is authoritative; stale cached listings must not win.
	e.cache.Invalidate(messagesCacheKey(conversationID))
	e.cache.Invalidate(conversationsCacheKey())
}

// Ingest feeds an externally-delivered envelope (e.g. a webhook push) into
// the loop. Envelopes for conversations the engine is not watching are
// dropped.
func (e *Engine) Ingest(env Envelope) error {
	return e.post(func() {
		if _, ok := e.convs[env.ConversationScope]; !ok {
			e.log.Debugf("ingest: dropping %s for unwatched conversation %s",
				env.Type, env.ConversationScope)
			return
		}
		e.applyEnvelope(env.ConversationScope, env)
	})
}

// resync closes the gap after a reconnect with one bounded fetch for the
// conversation, then live delivery resumes.
func (e *Engine) resync(conversationID string) {
	cs, ok := e.convs[conversationID]
	if !ok {
		return
	}
	e.metrics.resyncs.Inc()
	cursor := cs.cursor

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msgs, next, err := e.client.FetchMessagesSince(ctx, conversationID, cursor)
		if err != nil {
			e.log.Errorf("resync %s failed: %v", conversationID, err)
			return
		}
		_ = e.post(func() {
			cur, ok := e.convs[conversationID]
			if !ok {
				return
			}
			e.rec.applyResync(conversationID, msgs)
			if next != "" {
				cur.cursor = next
			}
			e.cache.Invalidate(messagesCacheKey(conversationID))
		})
	}()
}

// ============================================================================
// Outbound Side Channels
// ============================================================================

// publishTyping sends typing/stop_typing, fire-and-forget. Loss is
// acceptable: remote expiry timers are the authoritative mechanism.
func (e *Engine) publishTyping(conversationID string, active bool) {
	cs, ok := e.convs[conversationID]
	if !ok {
		return
	}
	var ev Event
	base := eventBase{conversationID: conversationID, occurredAt: e.clock.Now().UTC()}
	if active {
		ev = &TypingEvent{eventBase: base, UserID: e.selfID}
	} else {
		ev = &StopTypingEvent{eventBase: base, UserID: e.selfID}
	}
	e.publishAsync(cs.channel, ev)
}

// emitReceipts publishes one batched messages_read for the newly-visible
// identifiers and applies it locally so the unread count reacts at once.
func (e *Engine) emitReceipts(conversationID string, messageIDs []string) {
	ev := e.readEvent(conversationID, messageIDs)
	e.rec.applyRead(ev)
	if cs, ok := e.convs[conversationID]; ok {
		e.publishAsync(cs.channel, ev)
	}
}

func (e *Engine) readEvent(conversationID string, messageIDs []string) *MessagesReadEvent {
	now := e.clock.Now().UTC()
	return &MessagesReadEvent{
		eventBase:  eventBase{conversationID: conversationID, occurredAt: now},
		ReaderID:   e.selfID,
		MessageIDs: messageIDs,
		ReadAt:     now,
	}
}

// ============================================================================
// Cached Listings
// ============================================================================

// Conversations lists the user's conversations, read-through cached. Open
// conversations are overlaid with the live store view, which always wins.
func (e *Engine) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if data, ok := e.cache.Get(conversationsCacheKey()); ok {
		if err := json.Unmarshal(data, &convs); err == nil {
			return e.overlayLive(convs)
		}
		e.cache.Invalidate(conversationsCacheKey())
	}

	convs, err := e.client.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(convs); err == nil {
		e.cache.Put(conversationsCacheKey(), data, cacheTTL)
	}
	return e.overlayLive(convs)
}

func (e *Engine) overlayLive(convs []Conversation) ([]Conversation, error) {
	err := e.call(func() {
		for i := range convs {
			if _, open := e.convs[convs[i].ID]; !open {
				continue
			}
			if live := e.store.Conversation(convs[i].ID); live != nil {
				convs[i] = *live
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return convs, nil
}

// History returns a page of a conversation's messages. Open conversations
// are served from the store; closed ones go through the cache to HTTP.
func (e *Engine) History(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	var live []Message
	var open bool
	if err := e.call(func() {
		if _, open = e.convs[conversationID]; open {
			for _, m := range e.store.Messages(conversationID) {
				live = append(live, *m)
			}
		}
	}); err != nil {
		return nil, err
	}
	if open {
		return live, nil
	}

	key := messagesCacheKey(conversationID)
	if opts == nil {
		if data, ok := e.cache.Get(key); ok {
			var msgs []Message
			if err := json.Unmarshal(data, &msgs); err == nil {
				return msgs, nil
			}
			e.cache.Invalidate(key)
		}
	}

	msgs, err := e.client.History(ctx, conversationID, opts)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		if data, err := json.Marshal(msgs); err == nil {
			e.cache.Put(key, data, cacheTTL)
		}
	}
	return msgs, nil
}

func (e *Engine) publishAsync(ch Channel, ev Event) {
	env, err := EncodeEvent(ev)
	if err != nil {
		e.log.Errorf("encode outbound event: %v", err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := ch.Publish(ctx, env); err != nil {
			e.metrics.publishFailures.Inc()
			e.log.Debugf("publish %s dropped: %v", env.Type, err)
			return
		}
		e.metrics.publishes.Inc()
	}()
}
