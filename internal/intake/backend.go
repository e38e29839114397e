// Package intake is the mail-receiving edge: a go-smtp backend that accepts
// one raw message per SMTP delivery, durably stores it, and hands it to the
// webhook dispatcher. Invalid recipients are rejected at RCPT time, before
// any bytes are accepted.
package intake

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"mime"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/config"
	"github.com/plopmail/intake/internal/mailparse"
	"github.com/plopmail/intake/internal/models"
	"github.com/plopmail/intake/internal/store"
	"github.com/plopmail/intake/internal/webhook"
)

// dispatchBudget caps one background delivery including its bookkeeping
// writes. The webhook call itself has its own tighter timeout inside the
// dispatcher.
const dispatchBudget = 2 * time.Minute

// Backend accepts inbound SMTP deliveries. It is safe for concurrent
// sessions; the only shared state is the dispatch WaitGroup.
type Backend struct {
	cfg        *config.Config
	store      *store.Store
	dispatcher *webhook.Dispatcher // nil when no webhook is configured

	dispatches sync.WaitGroup
}

// NewBackend creates the SMTP backend. dispatcher may be nil; messages then
// stay unprocessed until a consumer polls the admin API.
func NewBackend(cfg *config.Config, st *store.Store, dispatcher *webhook.Dispatcher) *Backend {
	return &Backend{cfg: cfg, store: st, dispatcher: dispatcher}
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(*smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// Wait blocks until all in-flight webhook dispatches have finished. Called
// during graceful shutdown so the SMTP ack never outlives the process while
// a delivery is still pending.
func (b *Backend) Wait() {
	b.dispatches.Wait()
}

// NewSMTPServer configures the SMTP listener around the backend.
func NewSMTPServer(cfg *config.Config, backend *Backend) *smtp.Server {
	s := smtp.NewServer(backend)
	s.Addr = cfg.SMTPAddr
	s.Domain = cfg.SMTPDomain
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = 50
	s.ReadTimeout = time.Minute
	s.WriteTimeout = time.Minute
	return s
}

// storeMessage writes the raw message and its unprocessed metadata record.
func (b *Backend) storeMessage(ctx context.Context, in store.Inbound) (*models.StoredMessage, error) {
	msg, err := b.store.StoreInbound(ctx, in)
	if err != nil {
		// Storage failure is handler-fatal: the message cannot be accepted
		// if it cannot be persisted.
		log.Printf("Intake: Failed to store message %s for %s@%s: %v", in.ID, in.Addr.MailboxWithTag, in.Addr.Domain, err)
		return nil, err
	}
	log.Printf("Intake: Stored message %s for %s@%s (%d bytes)", msg.ID, msg.MailboxWithTag, msg.Domain, msg.RawSize)
	return msg, nil
}

// dispatchInBackground runs the webhook delivery after the SMTP ack has been
// sent. A failed delivery only records an attempt; the message stays in the
// unprocessed partition for manual replay.
func (b *Backend) dispatchInBackground(msg *models.StoredMessage, content *mailparse.Content) {
	b.dispatches.Add(1)
	go func() {
		defer b.dispatches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), dispatchBudget)
		defer cancel()

		result := b.dispatcher.Dispatch(ctx, msg, content)
		if result.Delivered {
			log.Printf("Intake: Delivered message %s (status %d)", msg.ID, result.StatusCode)
			return
		}
		log.Printf("Intake: Delivery failed for message %s, left unprocessed: %v", msg.ID, result.Err)
	}()
}

// subjectOf pulls the Subject header, decoding RFC 2047 encoded words when
// possible.
func subjectOf(headers []mailparse.Header) *string {
	raw, ok := mailparse.HeaderValue(headers, "Subject")
	if !ok {
		return nil
	}
	decoder := new(mime.WordDecoder)
	if decoded, err := decoder.DecodeHeader(raw); err == nil {
		raw = decoded
	}
	return &raw
}

// handleBuffered processes one fully-buffered message for one recipient:
// storage and MIME extraction run concurrently, storage completion gates the
// SMTP ack, dispatch continues in the background.
func (b *Backend) handleBuffered(ctx context.Context, raw []byte, addr *address.Address, from string) error {
	in := store.Inbound{
		ID:         uuid.NewString(),
		Addr:       addr,
		From:       from,
		Subject:    subjectOf(mailparse.ParseHeaders(raw)),
		ReceivedAt: time.Now().UTC(),
		Raw:        bytes.NewReader(raw),
		RawSize:    int64(len(raw)),
	}

	if b.dispatcher == nil {
		_, err := b.storeMessage(ctx, in)
		return err
	}

	parsed := make(chan *mailparse.Content, 1)
	go func() { parsed <- mailparse.Parse(raw) }()

	msg, err := b.storeMessage(ctx, in)
	if err != nil {
		return err
	}

	b.dispatchInBackground(msg, <-parsed)
	return nil
}

func rejectInvalidRecipient(to string, err error) error {
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      fmt.Sprintf("invalid recipient %s: %v", to, err),
	}
}

func rejectUnmanagedDomain(domain string) error {
	return &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      fmt.Sprintf("domain %s is not handled here", domain),
	}
}

func storageUnavailable() error {
	return &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "temporary storage failure, try again later",
	}
}
