// Package store maps stored messages onto the object-storage key schema and
// implements the unprocessed→processed state machine. The underlying store
// has no cross-key transactions, so every mutation here is designed to
// converge under retries and races rather than relying on locks.
package store

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/blob"
	"github.com/plopmail/intake/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

const (
	rawContentType  = "message/rfc822"
	metaContentType = "application/json"

	maxListLimit     = 200
	defaultListLimit = 50
)

// Store owns the message key schema and status bookkeeping on top of a blob
// store.
type Store struct {
	blobs blob.Store
	now   func() time.Time
}

// New creates a message store backed by the given blob store.
func New(blobs blob.Store) *Store {
	return &Store{blobs: blobs, now: time.Now}
}

// Inbound describes a message about to be stored at intake time.
type Inbound struct {
	ID         string
	Addr       *address.Address
	From       string
	Subject    *string
	ReceivedAt time.Time
	// Raw is the unparsed message stream. RawSize may be negative when the
	// transport only gave a size hint or none at all.
	Raw     io.Reader
	RawSize int64
}

// StoreInbound writes the raw object and the unprocessed metadata record, in
// that order. Both writes are attempted even if the first fails: a raw object
// without a metadata record is recoverable because the metadata fields are
// mirrored onto the raw object too.
func (s *Store) StoreInbound(ctx context.Context, in Inbound) (*models.StoredMessage, error) {
	msg := &models.StoredMessage{
		ID:             in.ID,
		Domain:         in.Addr.Domain,
		Mailbox:        in.Addr.Mailbox,
		MailboxWithTag: in.Addr.MailboxWithTag,
		Tag:            in.Addr.Tag,
		From:           in.From,
		To:             in.Addr.MailboxWithTag + "@" + in.Addr.Domain,
		Subject:        in.Subject,
		ReceivedAt:     in.ReceivedAt,
		RawSize:        in.RawSize,
		RawKey:         RawKey(in.Addr.Domain, in.Addr.MailboxKey, in.ID),
		Status:         models.StatusUnprocessed,
		Attempts:       0,
	}
	if msg.RawSize < 0 {
		msg.RawSize = 0
	}

	written, rawErr := s.blobs.Put(ctx, msg.RawKey, in.Raw, in.RawSize, rawContentType, encodeMetadata(msg))
	if rawErr == nil {
		msg.RawSize = written
	}

	metaErr := s.writeMetadata(ctx, in.Addr.MailboxKey, msg)

	if rawErr != nil {
		return nil, fmt.Errorf("failed to store raw message %s: %w", in.ID, rawErr)
	}
	if metaErr != nil {
		return nil, fmt.Errorf("failed to store metadata for message %s: %w", in.ID, metaErr)
	}
	return msg, nil
}

// ListMailboxes returns the distinct mailbox local parts that have messages
// under a status partition, decoded from their key segments. The cursor is
// opaque; limit is clamped to [1, 200].
func (s *Store) ListMailboxes(ctx context.Context, domain string, status models.Status, limit int, cursor string) ([]string, string, error) {
	blobCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	out, err := s.blobs.List(ctx, blob.ListInput{
		Prefix:    domainPrefix(status, domain),
		Delimiter: "/",
		Limit:     int32(clampLimit(limit)),
		Cursor:    blobCursor,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list mailboxes for %s: %w", domain, err)
	}

	prefix := domainPrefix(status, domain)
	mailboxes := make([]string, 0, len(out.CommonPrefixes))
	for _, p := range out.CommonPrefixes {
		segment := trimPrefixSegment(p, prefix)
		if decoded, err := url.PathUnescape(segment); err == nil {
			segment = decoded
		}
		mailboxes = append(mailboxes, segment)
	}
	return mailboxes, encodeCursor(out.Cursor), nil
}

// ListMailboxMessages returns one page of messages for a mailbox under a
// status partition, reconstructed from object custom metadata only — no body
// fetches.
func (s *Store) ListMailboxMessages(ctx context.Context, domain, mailboxKey string, status models.Status, limit int, cursor string) ([]*models.StoredMessage, string, error) {
	blobCursor, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}

	out, err := s.blobs.List(ctx, blob.ListInput{
		Prefix: mailboxPrefix(status, domain, mailboxKey),
		Limit:  int32(clampLimit(limit)),
		Cursor: blobCursor,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages for %s/%s: %w", domain, mailboxKey, err)
	}

	messages := make([]*models.StoredMessage, 0, len(out.Keys))
	for _, key := range out.Keys {
		md, err := s.blobs.Head(ctx, key)
		if err != nil {
			if errors.Is(err, blob.ErrNotExist) {
				// Deleted between list and head; a markProcessed race.
				continue
			}
			return nil, "", fmt.Errorf("failed to read metadata at %s: %w", key, err)
		}
		msg, err := decodeMetadata(md)
		if err != nil {
			return nil, "", fmt.Errorf("corrupt metadata at %s: %w", key, err)
		}
		messages = append(messages, msg)
	}
	return messages, encodeCursor(out.Cursor), nil
}

// HeadMessage fetches a message's metadata record by id under one status
// partition. Returns ErrMessageNotFound when absent.
func (s *Store) HeadMessage(ctx context.Context, domain, mailboxKey string, status models.Status, id string) (*models.StoredMessage, error) {
	md, err := s.blobs.Head(ctx, MetadataKey(status, domain, mailboxKey, id))
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			return nil, fmt.Errorf("message %s: %w", id, ErrMessageNotFound)
		}
		return nil, fmt.Errorf("failed to head message %s: %w", id, err)
	}
	return decodeMetadata(md)
}

// FindMessage looks a message up by id across status partitions, processed
// first: when a markProcessed crash leaves a record transiently in both,
// processed wins.
func (s *Store) FindMessage(ctx context.Context, domain, mailboxKey, id string) (*models.StoredMessage, error) {
	msg, err := s.HeadMessage(ctx, domain, mailboxKey, models.StatusProcessed, id)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, ErrMessageNotFound) {
		return nil, err
	}
	return s.HeadMessage(ctx, domain, mailboxKey, models.StatusUnprocessed, id)
}

// GetRaw returns the raw RFC 822 bytes of a message.
func (s *Store) GetRaw(ctx context.Context, domain, mailboxKey, id string) ([]byte, error) {
	body, _, err := s.blobs.Get(ctx, RawKey(domain, mailboxKey, id))
	if err != nil {
		if errors.Is(err, blob.ErrNotExist) {
			return nil, fmt.Errorf("raw message %s: %w", id, ErrMessageNotFound)
		}
		return nil, fmt.Errorf("failed to get raw message %s: %w", id, err)
	}
	return body, nil
}

// MarkProcessed transitions a message to the processed partition. Idempotent:
// if a processed record already exists the call is a no-op. The processed
// record is written before the unprocessed one is deleted, so a crash in
// between leaves the message readable as processed and a retry converges.
func (s *Store) MarkProcessed(ctx context.Context, domain, mailboxKey, id string) error {
	_, err := s.blobs.Head(ctx, MetadataKey(models.StatusProcessed, domain, mailboxKey, id))
	if err == nil {
		return nil
	}
	if !errors.Is(err, blob.ErrNotExist) {
		return fmt.Errorf("failed to check processed record for %s: %w", id, err)
	}

	msg, err := s.HeadMessage(ctx, domain, mailboxKey, models.StatusUnprocessed, id)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	msg.Status = models.StatusProcessed
	msg.LastAttemptAt = &now
	msg.LastError = nil

	if err := s.writeMetadata(ctx, mailboxKey, msg); err != nil {
		return fmt.Errorf("failed to write processed record for %s: %w", id, err)
	}
	if err := s.blobs.Delete(ctx, MetadataKey(models.StatusUnprocessed, domain, mailboxKey, id)); err != nil {
		return fmt.Errorf("failed to delete unprocessed record for %s: %w", id, err)
	}
	return nil
}

// RecordAttempt bumps the delivery bookkeeping on an unprocessed message:
// attempts+1, lastAttemptAt=now, lastError set or cleared. A message that has
// already moved to processed is left untouched.
func (s *Store) RecordAttempt(ctx context.Context, domain, mailboxKey, id string, attemptErr *string) error {
	msg, err := s.HeadMessage(ctx, domain, mailboxKey, models.StatusUnprocessed, id)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil
		}
		return err
	}

	now := s.now().UTC()
	msg.Attempts++
	msg.LastAttemptAt = &now
	msg.LastError = attemptErr

	if err := s.writeMetadata(ctx, mailboxKey, msg); err != nil {
		return fmt.Errorf("failed to record attempt on %s: %w", id, err)
	}
	return nil
}

func (s *Store) writeMetadata(ctx context.Context, mailboxKey string, msg *models.StoredMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := MetadataKey(msg.Status, msg.Domain, mailboxKey, msg.ID)
	_, err = s.blobs.Put(ctx, key, bytes.NewReader(body), int64(len(body)), metaContentType, encodeMetadata(msg))
	return err
}

func clampLimit(limit int) int {
	if limit < 1 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func trimPrefixSegment(p, prefix string) string {
	segment := p[len(prefix):]
	if n := len(segment); n > 0 && segment[n-1] == '/' {
		segment = segment[:n-1]
	}
	return segment
}

func encodeCursor(blobCursor string) string {
	if blobCursor == "" {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString([]byte(blobCursor))
}

func decodeCursor(cursor string) (string, error) {
	if cursor == "" {
		return "", nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("invalid cursor")
	}
	return string(decoded), nil
}
