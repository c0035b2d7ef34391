package chatsync

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	jww "github.com/spf13/jwalterweatherman"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the request body.
const WebhookSignatureHeader = "X-Chatsync-Signature"

// maxWebhookBody bounds the request body read by the handler.
const maxWebhookBody = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifyWebhookSignature verifies an HMAC-SHA256 signature of body, with or
// without a "sha256=" prefix, in constant time.
func VerifyWebhookSignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
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

// SignWebhookBody returns the signature header value for body.
func SignWebhookBody(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookEvents decodes a webhook body holding one change event or an
// array of them.
func ParseWebhookEvents(body string) ([]ChangeEvent, error) {
	trimmed := bytes.TrimSpace([]byte(body))
	var events []ChangeEvent
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
	} else {
		var ev ChangeEvent
		if err := json.Unmarshal(trimmed, &ev); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
		events = []ChangeEvent{ev}
	}

	for i, ev := range events {
		if ev.Table == "" || ev.Type == "" {
			return nil, fmt.Errorf("event %d: missing table or eventType", i)
		}
		if len(ev.New) == 0 && len(ev.Old) == 0 {
			return nil, fmt.Errorf("event %d: missing row", i)
		}
	}
	return events, nil
}

// ============================================================================
// WebhookFeed
// ============================================================================

// WebhookFeed is a Feed whose events are pushed to an HTTP endpoint the
// application serves. Each request is signed with a shared secret.
type WebhookFeed struct {
	*Hub
	secret string
}

// NewWebhookFeed creates a webhook receiver verifying requests with secret.
func NewWebhookFeed(secret string) (*WebhookFeed, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	return &WebhookFeed{Hub: NewHub(), secret: secret}, nil
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookFeed) Verify(body, signature string) bool {
	return VerifyWebhookSignature(body, signature, w.secret)
}

// Handle verifies and publishes a webhook request. It returns the status
// code and response body for the caller to write.
func (w *WebhookFeed) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	events, err := ParseWebhookEvents(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	delivered := 0
	for _, ev := range events {
		delivered += w.Publish(ev)
	}
	jww.DEBUG.Printf("[chatsync webhook] %d events, %d deliveries", len(events), delivered)
	return http.StatusOK, map[string]int{"events": len(events), "delivered": delivered}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	feed, _ := chatsync.NewWebhookFeed("secret")
//	http.Handle("/hooks/chat", feed.HTTPHandler())
func (w *WebhookFeed) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		defer r.Body.Close()
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(WebhookSignatureHeader))
		if statusCode != http.StatusOK {
			jww.WARN.Printf("[chatsync webhook] rejected request from %s: %d", r.RemoteAddr, statusCode)
		}
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, data any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(data)
}
