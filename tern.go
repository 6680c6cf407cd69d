// Package tern is a client-side synchronization engine for real-time
// conversations. It keeps an in-memory conversation store consistent with a
// chat backend across three event sources: local optimistic writes, durable
// send acknowledgements, and live channel events.
//
// Example:
//
//	client := tern.NewClient("tk-...", tern.WithBaseURL("https://chat.example.com"))
//	engine := tern.NewEngine(client, "user-42")
//	defer engine.Close()
//
//	engine.Open(ctx, "conv-7")
//	msg, _ := engine.Send(ctx, "conv-7", "hello", nil)
//
//	unsub := engine.Store().Observe(func(ch tern.Change) { ... })
//	defer unsub()
package tern

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL = "https://chat.tern.im"
	DefaultTimeout = 30 * time.Second
)

// cacheTTL bounds how long HTTP listings are served from cache. Live channel
// events invalidate early; the TTL only covers conversations nothing is
// watching.
const cacheTTL = 30 * time.Second

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP API client. It is safe for concurrent use.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates an API client authenticated by the given token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the auth token, e.g. after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API origin.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// do issues a request and unwraps the standard response envelope.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK {
		if result.Error != nil {
			return nil, result.Error
		}
		return nil, fmt.Errorf("%s %s: request rejected", method, path)
	}
	return &result, nil
}

func pageQuery(opts *PageOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = strconv.Itoa(opts.Limit)
	}
	if opts.Before != "" {
		q["before"] = opts.Before
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// ============================================================================
// Messages
// ============================================================================

// MessagePayload is the body of a durable send.
type MessagePayload struct {
	Content  string         `json:"content"`
	MediaRef string         `json:"mediaRef,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SubmitMessage performs the durable send. The correlation token ties the
// acknowledgement (and the later channel echo) back to the optimistic local
// entry; the server treats a repeated token as the same message.
func (c *Client) SubmitMessage(ctx context.Context, conversationID string, payload MessagePayload, correlationToken string) (*SubmitResult, error) {
	body := map[string]interface{}{
		"content":          payload.Content,
		"correlationToken": correlationToken,
	}
	if payload.MediaRef != "" {
		body["mediaRef"] = payload.MediaRef
	}
	if payload.Metadata != nil {
		body["metadata"] = payload.Metadata
	}
	res, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/messages", body, nil)
	if err != nil {
		return nil, err
	}
	var ack struct {
		ID        string `json:"id"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := res.Decode(&ack); err != nil {
		return nil, fmt.Errorf("failed to decode submit ack: %w", err)
	}
	if ack.ID == "" {
		return nil, fmt.Errorf("submit ack missing id")
	}
	return &SubmitResult{ID: ack.ID, Timestamp: millisToTime(ack.Timestamp)}, nil
}

// EditMessage replaces the content of a confirmed message.
func (c *Client) EditMessage(ctx context.Context, conversationID, messageID, content string) error {
	_, err := c.do(ctx, "PATCH", "/api/chat/conversations/"+conversationID+"/messages/"+messageID,
		map[string]string{"content": content}, nil)
	return err
}

// DeleteMessage tombstones a confirmed message.
func (c *Client) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	_, err := c.do(ctx, "DELETE", "/api/chat/conversations/"+conversationID+"/messages/"+messageID, nil, nil)
	return err
}

// MarkRead records read receipts durably over HTTP. The engine normally
// publishes receipts on the live channel; this is the offline path.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	_, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/read",
		map[string]interface{}{"messageIds": messageIDs}, nil)
	return err
}

// History fetches a page of a conversation's confirmed messages, newest page
// first when Before is set.
func (c *Client) History(ctx context.Context, conversationID string, opts *PageOptions) ([]Message, error) {
	res, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages", nil, pageQuery(opts))
	if err != nil {
		return nil, err
	}
	var page struct {
		Messages []Message `json:"messages"`
	}
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return page.Messages, nil
}

// FetchMessagesSince fetches every message confirmed after the cursor. Used
// to close the gap after a reconnect; a full page plus the next cursor.
func (c *Client) FetchMessagesSince(ctx context.Context, conversationID, cursor string) ([]Message, string, error) {
	var query map[string]string
	if cursor != "" {
		query = map[string]string{"cursor": cursor}
	}
	res, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/messages/sync", nil, query)
	if err != nil {
		return nil, "", err
	}
	var page struct {
		Messages []Message `json:"messages"`
		Cursor   string    `json:"cursor"`
	}
	if err := res.Decode(&page); err != nil {
		return nil, "", fmt.Errorf("failed to decode sync page: %w", err)
	}
	return page.Messages, page.Cursor, nil
}

// ============================================================================
// Event Feed (polling transport)
// ============================================================================

// FetchEvents fetches the raw event feed past the cursor. Backs the polling
// transport; WebSocket clients never call it.
func (c *Client) FetchEvents(ctx context.Context, conversationID, cursor string) ([]Envelope, string, error) {
	var query map[string]string
	if cursor != "" {
		query = map[string]string{"cursor": cursor}
	}
	res, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID+"/events", nil, query)
	if err != nil {
		return nil, "", err
	}
	var page struct {
		Events []Envelope `json:"events"`
		Cursor string     `json:"cursor"`
	}
	if err := res.Decode(&page); err != nil {
		return nil, "", fmt.Errorf("failed to decode event feed: %w", err)
	}
	return page.Events, page.Cursor, nil
}

// PublishEnvelope posts one event envelope over HTTP. Backs the polling
// transport's publish side.
func (c *Client) PublishEnvelope(ctx context.Context, conversationID string, env Envelope) error {
	_, err := c.do(ctx, "POST", "/api/chat/conversations/"+conversationID+"/events", env, nil)
	return err
}

// ============================================================================
// Conversations
// ============================================================================

// ListConversations fetches the caller's conversation listing.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.do(ctx, "GET", "/api/chat/conversations", nil, nil)
	if err != nil {
		return nil, err
	}
	var page struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := res.Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return page.Conversations, nil
}

// GetConversation fetches one conversation by id.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, error) {
	res, err := c.do(ctx, "GET", "/api/chat/conversations/"+conversationID, nil, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

// CreateDirect opens (or returns the existing) direct conversation with a
// user.
func (c *Client) CreateDirect(ctx context.Context, userID string) (*Conversation, error) {
	res, err := c.do(ctx, "POST", "/api/chat/conversations/direct",
		map[string]string{"userId": userID}, nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}
