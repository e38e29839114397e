package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// WebhookReceiver is a test double for the downstream webhook consumer. It
// records every payload it receives and answers with a configurable status.
type WebhookReceiver struct {
	Server *httptest.Server

	mu       sync.Mutex
	status   int
	payloads []map[string]any
	headers  []http.Header
}

// NewWebhookReceiver starts a receiver answering with the given status.
// It is shut down automatically at the end of the test.
func NewWebhookReceiver(t *testing.T, status int) *WebhookReceiver {
	t.Helper()

	r := &WebhookReceiver{status: status}
	r.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			t.Errorf("webhook receiver got undecodable payload: %v", err)
		}

		r.mu.Lock()
		r.payloads = append(r.payloads, payload)
		r.headers = append(r.headers, req.Header.Clone())
		code := r.status
		r.mu.Unlock()

		w.WriteHeader(code)
	}))
	t.Cleanup(r.Server.Close)
	return r
}

// URL returns the receiver's endpoint.
func (r *WebhookReceiver) URL() string {
	return r.Server.URL
}

// SetStatus changes the status code for subsequent requests.
func (r *WebhookReceiver) SetStatus(status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
}

// Payloads returns all received payloads in arrival order.
func (r *WebhookReceiver) Payloads() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]map[string]any(nil), r.payloads...)
}

// LastPayload returns the most recent payload, or nil.
func (r *WebhookReceiver) LastPayload() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.payloads) == 0 {
		return nil
	}
	return r.payloads[len(r.payloads)-1]
}

// LastHeaders returns the request headers of the most recent delivery.
func (r *WebhookReceiver) LastHeaders() http.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.headers) == 0 {
		return nil
	}
	return r.headers[len(r.headers)-1]
}
