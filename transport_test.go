package tern

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pollFeed is a scriptable event feed the poll transport can run against.
// Each fetch pops the next queued page; an empty queue yields an empty page.
type pollFeed struct {
	mu        sync.Mutex
	pages     [][]Envelope
	cursorSeq int
	failing   bool
	published []Envelope
}

func (f *pollFeed) push(envs ...Envelope) {
	f.mu.Lock()
	f.pages = append(f.pages, envs)
	f.mu.Unlock()
}

func (f *pollFeed) setFailing(failing bool) {
	f.mu.Lock()
	f.failing = failing
	f.mu.Unlock()
}

func (f *pollFeed) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *pollFeed) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.failing {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Method == http.MethodPost {
			var env Envelope
			json.NewDecoder(r.Body).Decode(&env)
			f.published = append(f.published, env)
			json.NewEncoder(w).Encode(Result{OK: true, Data: json.RawMessage(`{}`)})
			return
		}

		var page []Envelope
		if len(f.pages) > 0 {
			page = f.pages[0]
			f.pages = f.pages[1:]
		}
		f.cursorSeq++
		w.Write(okResult(t, map[string]any{
			"events": page,
			"cursor": "cur-" + string(rune('0'+f.cursorSeq%10)),
		}))
	}
}

func newPollHarness(t *testing.T, interval time.Duration) (*pollFeed, *PollTransport) {
	t.Helper()
	feed := &pollFeed{}
	srv := httptest.NewServer(feed.handler(t))
	t.Cleanup(srv.Close)
	client := NewClient("tk", WithBaseURL(srv.URL))
	return feed, NewPollTransport(client, interval)
}

func typingEnvelope(userID string) Envelope {
	raw, _ := json.Marshal(map[string]string{"userId": userID})
	return Envelope{
		Type:              EventTypeTyping,
		ConversationScope: "conv-1",
		Payload:           raw,
		OccurredAt:        timeToMillis(time.Now()),
	}
}

func TestPollChannelDeliversEvents(t *testing.T) {
	feed, transport := newPollHarness(t, 20*time.Millisecond)

	// First page is consumed by the connect probe.
	feed.push(typingEnvelope("alice"))

	ch, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, StateConnected, ch.State())

	var mu sync.Mutex
	var got []Envelope
	ch.Subscribe(func(env Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})

	// Subscribers registered after Connect only see later pages.
	feed.push(typingEnvelope("bob"))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, "polled event delivery")

	mu.Lock()
	defer mu.Unlock()
	var payload struct {
		UserID string `json:"userId"`
	}
	require.NoError(t, json.Unmarshal(got[0].Payload, &payload))
	assert.Equal(t, "bob", payload.UserID)
}

func TestPollChannelPublish(t *testing.T) {
	feed, transport := newPollHarness(t, 50*time.Millisecond)

	ch, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, ch.Publish(context.Background(), typingEnvelope("me")))
	assert.Equal(t, 1, feed.publishedCount())
}

func TestPollChannelDisconnectsAfterRepeatedFailures(t *testing.T) {
	feed, transport := newPollHarness(t, 10*time.Millisecond)

	ch, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)
	defer ch.Close()

	var mu sync.Mutex
	var states []ConnState
	ch.OnState(func(s ConnState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	feed.setFailing(true)
	waitFor(t, func() bool {
		return ch.State() == StateDisconnected
	}, "poll channel disconnect")

	mu.Lock()
	assert.Contains(t, states, StateDisconnected)
	mu.Unlock()

	// Publishing on a down channel fails without touching the feed.
	published := feed.publishedCount()
	err = ch.Publish(context.Background(), typingEnvelope("me"))
	assert.True(t, errors.Is(err, ErrTransportFailure))
	assert.Equal(t, published, feed.publishedCount())

	// Redial recovers once the feed is healthy again.
	feed.setFailing(false)
	require.NoError(t, ch.Redial(context.Background()))
	assert.Equal(t, StateConnected, ch.State())
}

func TestPollTransportRejectsDuplicateConnect(t *testing.T) {
	_, transport := newPollHarness(t, 50*time.Millisecond)

	ch, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)

	_, err = transport.Connect(context.Background(), "conv-1")
	assert.True(t, errors.Is(err, ErrConversationOpen))

	// Closing releases the slot for a fresh connect.
	require.NoError(t, ch.Close())
	ch2, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)
	ch2.Close()
}

func TestPollTransportConnectFailsWhenFeedUnreachable(t *testing.T) {
	feed, transport := newPollHarness(t, 50*time.Millisecond)
	feed.setFailing(true)

	_, err := transport.Connect(context.Background(), "conv-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransportFailure))

	// The failed connect must not leave a stale registration behind.
	feed.setFailing(false)
	ch, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)
	ch.Close()
}

func TestPollChannelCloseStopsPolling(t *testing.T) {
	feed, transport := newPollHarness(t, 10*time.Millisecond)

	ch, err := transport.Connect(context.Background(), "conv-1")
	require.NoError(t, err)

	var mu sync.Mutex
	delivered := 0
	ch.Subscribe(func(Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	feed.push(typingEnvelope("alice"))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()

	err = ch.Redial(context.Background())
	assert.True(t, errors.Is(err, ErrTransportFailure))
}
