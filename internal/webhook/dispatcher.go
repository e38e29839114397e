// Package webhook builds the outbound "email.received" payload and performs
// the HTTP delivery attempt with a hard timeout and per-message attempt
// bookkeeping.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/mailparse"
	"github.com/plopmail/intake/internal/models"
	"github.com/plopmail/intake/internal/store"
)

// maxErrorLength bounds the error text recorded on a message.
const maxErrorLength = 500

// Payload is the exact JSON body POSTed to the downstream consumer.
type Payload struct {
	Event           string             `json:"event"`
	ID              string             `json:"id"`
	Domain          string             `json:"domain"`
	TenantSubdomain *string            `json:"tenantSubdomain"`
	Mailbox         string             `json:"mailbox"`
	MailboxWithTag  string             `json:"mailboxWithTag"`
	Tag             *string            `json:"tag"`
	From            string             `json:"from"`
	To              string             `json:"to"`
	Subject         *string            `json:"subject"`
	ReceivedAt      time.Time          `json:"receivedAt"`
	Headers         []mailparse.Header `json:"headers"`
	RawContent      *string            `json:"rawContent"`
	PlainContent    *string            `json:"plainContent"`
}

// Result reports the outcome of one delivery attempt.
type Result struct {
	// Delivered is true when the consumer answered with a 2xx status and the
	// message was transitioned to processed.
	Delivered bool
	// StatusCode is the HTTP status of the attempt, 0 on network error or
	// timeout.
	StatusCode int
	// Err describes the failure when Delivered is false.
	Err error
}

// Dispatcher delivers stored messages to the configured webhook consumer.
type Dispatcher struct {
	store      *store.Store
	url        string
	token      string
	timeout    time.Duration
	rootDomain string
	client     *http.Client
}

// Options configures a Dispatcher.
type Options struct {
	URL        string
	Token      string
	Timeout    time.Duration
	RootDomain string
}

// NewDispatcher creates a dispatcher that records each attempt through st.
func NewDispatcher(st *store.Store, opts Options) *Dispatcher {
	timeout := opts.Timeout
	if timeout < time.Second {
		timeout = 10 * time.Second
	}
	if timeout > 60*time.Second {
		timeout = 60 * time.Second
	}
	return &Dispatcher{
		store:      st,
		url:        opts.URL,
		token:      opts.Token,
		timeout:    timeout,
		rootDomain: opts.RootDomain,
		// The per-attempt context enforces the deadline; the client itself
		// carries no timeout so the context is the single cancellation path.
		client: &http.Client{},
	}
}

// BuildPayload assembles the outbound payload for a stored message and its
// extracted content.
func (d *Dispatcher) BuildPayload(msg *models.StoredMessage, content *mailparse.Content) *Payload {
	payload := &Payload{
		Event:           "email.received",
		ID:              msg.ID,
		Domain:          msg.Domain,
		TenantSubdomain: tenantSubdomain(msg.Domain, d.rootDomain),
		Mailbox:         msg.Mailbox,
		MailboxWithTag:  msg.MailboxWithTag,
		Tag:             msg.Tag,
		From:            msg.From,
		To:              msg.To,
		Subject:         msg.Subject,
		ReceivedAt:      msg.ReceivedAt,
	}
	if content != nil {
		payload.Headers = content.Headers
		payload.RawContent = content.RichContent()
		payload.PlainContent = content.PlainContent
	}
	return payload
}

// Dispatch performs one delivery attempt. On a 2xx response it records a
// clean attempt and transitions the message to processed; on any other
// outcome it records the failure and leaves the message unprocessed. There
// is no automatic retry: recovery happens through the admin replay endpoint.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.StoredMessage, content *mailparse.Content) Result {
	body, err := json.Marshal(d.BuildPayload(msg, content))
	if err != nil {
		return d.failed(ctx, msg, 0, fmt.Errorf("failed to encode payload: %w", err))
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return d.failed(ctx, msg, 0, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return d.failed(ctx, msg, 0, fmt.Errorf("webhook request failed: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return d.failed(ctx, msg, resp.StatusCode, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	mailboxKey := address.EncodeKeySegment(msg.Mailbox)
	if err := d.store.RecordAttempt(ctx, msg.Domain, mailboxKey, msg.ID, nil); err != nil {
		log.Printf("Dispatcher: Failed to record successful attempt for %s: %v", msg.ID, err)
	}
	if err := d.store.MarkProcessed(ctx, msg.Domain, mailboxKey, msg.ID); err != nil {
		log.Printf("Dispatcher: Failed to mark %s processed: %v", msg.ID, err)
		return Result{Delivered: false, StatusCode: resp.StatusCode, Err: err}
	}
	return Result{Delivered: true, StatusCode: resp.StatusCode}
}

func (d *Dispatcher) failed(ctx context.Context, msg *models.StoredMessage, statusCode int, cause error) Result {
	reason := truncate(cause.Error(), maxErrorLength)
	mailboxKey := address.EncodeKeySegment(msg.Mailbox)
	if err := d.store.RecordAttempt(ctx, msg.Domain, mailboxKey, msg.ID, &reason); err != nil {
		log.Printf("Dispatcher: Failed to record attempt for %s: %v", msg.ID, err)
	}
	return Result{Delivered: false, StatusCode: statusCode, Err: cause}
}

func tenantSubdomain(domain, rootDomain string) *string {
	if domain == rootDomain {
		return nil
	}
	suffix := "." + rootDomain
	if len(domain) > len(suffix) && domain[len(domain)-len(suffix):] == suffix {
		sub := domain[:len(domain)-len(suffix)]
		return &sub
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
