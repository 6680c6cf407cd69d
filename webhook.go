package tern

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ============================================================================
// Event Webhook
// ============================================================================

// The backend can push conversation events to a server-side consumer over
// HTTPS instead of a socket. The body is a single wire Envelope; the
// X-Tern-Signature header carries an HMAC-SHA256 of the raw body.

// WebhookHandlerFunc is the callback signature for handling pushed events.
type WebhookHandlerFunc func(env Envelope) error

// VerifyWebhookSignature verifies an event push signature using HMAC-SHA256.
// Uses constant-time comparison to prevent timing attacks.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := signature
	if strings.HasPrefix(sig, "sha256=") {
		sig = sig[7:]
	}
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParseWebhookEnvelope parses a raw push body into a wire Envelope.
func ParseWebhookEnvelope(body string) (Envelope, error) {
	env, err := unmarshalEnvelope([]byte(body))
	if err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: webhook envelope missing type", ErrMalformedEvent)
	}
	if env.ConversationScope == "" {
		return Envelope{}, fmt.Errorf("%w: webhook envelope missing conversationScope", ErrMalformedEvent)
	}
	return env, nil
}

// EventWebhook handles push verification, parsing, and dispatch.
type EventWebhook struct {
	secret  string
	onEvent WebhookHandlerFunc
}

// NewEventWebhook creates a webhook receiver.
func NewEventWebhook(secret string, onEvent WebhookHandlerFunc) (*EventWebhook, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if onEvent == nil {
		return nil, fmt.Errorf("webhook handler is required")
	}
	return &EventWebhook{
		secret:  secret,
		onEvent: onEvent,
	}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *EventWebhook) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle processes one push (verify + parse + dispatch). Returns the status
// code and response body for the caller to write.
func (w *EventWebhook) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "invalid signature"}
	}

	env, err := ParseWebhookEnvelope(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	if err := w.onEvent(env); err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes event pushes.
//
// Example:
//
//	wh, _ := tern.NewEventWebhook("secret", engine.Ingest)
//	http.Handle("/events", wh.HTTPHandler())
func (w *EventWebhook) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			json.NewEncoder(rw).Encode(map[string]string{"error": "method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			rw.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(rw).Encode(map[string]string{"error": "failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get("X-Tern-Signature"))
		rw.WriteHeader(statusCode)
		json.NewEncoder(rw).Encode(data)
	})
}

// HTTPHandlerFunc returns an http.HandlerFunc for convenience.
func (w *EventWebhook) HTTPHandlerFunc() http.HandlerFunc {
	return w.HTTPHandler().ServeHTTP
}
