package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chatsync-Signature"

// ============================================================================
// Webhook Types
// ============================================================================

// WebhookPayload is a database webhook body: one row change.
type WebhookPayload struct {
	Type      Operation       `json:"type"`
	Table     string          `json:"table"`
	Schema    string          `json:"schema"`
	Record    json.RawMessage `json:"record"`
	OldRecord json.RawMessage `json:"old_record"`
}

// Event converts the payload into a ChangeEvent.
func (p *WebhookPayload) Event() ChangeEvent {
	return ChangeEvent{Operation: p.Type, Table: p.Table, NewRow: p.Record, OldRow: p.OldRecord}
}

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies a webhook signature using HMAC-SHA256.
// The signature may carry a "sha256=" prefix.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := SignWebhookBody(body, secret)
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// SignWebhookBody returns the hex HMAC-SHA256 of body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookPayload parses and checks a raw webhook body.
func ParseWebhookPayload(body string) (*WebhookPayload, error) {
	var payload WebhookPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}

	switch payload.Type {
	case OpInsert, OpUpdate, OpDelete:
	case "":
		return nil, fmt.Errorf("missing type field in webhook payload")
	default:
		return nil, fmt.Errorf("unknown webhook type: %s", payload.Type)
	}
	if payload.Table == "" {
		return nil, fmt.Errorf("missing table field in webhook payload")
	}
	if payload.Schema != "" && payload.Schema != "public" {
		return nil, fmt.Errorf("unexpected schema: %s", payload.Schema)
	}
	if isEmptyRow(payload.Record) && isEmptyRow(payload.OldRecord) {
		return nil, fmt.Errorf("webhook payload carries no row")
	}
	return &payload, nil
}

func isEmptyRow(row json.RawMessage) bool {
	s := strings.TrimSpace(string(row))
	return s == "" || s == "null" || s == "{}"
}

// ============================================================================
// WebhookChannel
// ============================================================================

type webhookSub struct {
	sub     *Subscription
	onEvent func(ChangeEvent)
}

// WebhookChannel is a Realtime fed by signed database webhooks instead of a
// websocket. Each verified change is delivered to every subscription whose
// scope matches it.
type WebhookChannel struct {
	secret string
	log    *slog.Logger

	mu   sync.RWMutex
	subs map[string]webhookSub
}

// NewWebhookChannel creates a channel that accepts bodies signed with secret.
func NewWebhookChannel(secret string, log *slog.Logger) (*WebhookChannel, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = discardLogger()
	}
	return &WebhookChannel{
		secret: secret,
		log:    log,
		subs:   make(map[string]webhookSub),
	}, nil
}

// Subscribe registers onEvent for changes inside scope.
func (w *WebhookChannel) Subscribe(_ context.Context, scope Scope, onEvent func(ChangeEvent)) (*Subscription, error) {
	sub := &Subscription{ID: uuid.NewString(), Scope: scope}
	w.mu.Lock()
	w.subs[sub.ID] = webhookSub{sub: sub, onEvent: onEvent}
	w.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown subscriptions are ignored.
func (w *WebhookChannel) Unsubscribe(_ context.Context, sub *Subscription) error {
	if sub == nil {
		return nil
	}
	w.mu.Lock()
	delete(w.subs, sub.ID)
	w.mu.Unlock()
	return nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookChannel) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Dispatch delivers ev to every matching subscription and returns how many
// received it.
func (w *WebhookChannel) Dispatch(ev ChangeEvent) int {
	w.mu.RLock()
	var targets []func(ChangeEvent)
	for _, s := range w.subs {
		if s.sub.Scope.Matches(ev) {
			targets = append(targets, s.onEvent)
		}
	}
	w.mu.RUnlock()

	for _, fn := range targets {
		fn(ev)
	}
	return len(targets)
}

// Handle processes a webhook request (verify + parse + dispatch).
// Returns the status code and response body for the caller to write.
func (w *WebhookChannel) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	payload, err := ParseWebhookPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered := w.Dispatch(payload.Event())
	w.log.Debug("webhook dispatched", "table", payload.Table, "type", payload.Type, "subscriptions", delivered)
	return http.StatusOK, map[string]any{"ok": true, "delivered": delivered}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	wh, _ := chatsync.NewWebhookChannel("secret", nil)
//	http.Handle("/hooks/db", wh.HTTPHandler())
func (w *WebhookChannel) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
