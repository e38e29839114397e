package store

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/blob"
	"github.com/plopmail/intake/internal/models"
)

func TestKeySchema(t *testing.T) {
	assert.Equal(t,
		"raw/in.plop.email/support/abc-123.eml",
		RawKey("in.plop.email", "support", "abc-123"))
	assert.Equal(t,
		"messages/processed/in.plop.email/support/abc-123.json",
		MetadataKey(models.StatusProcessed, "in.plop.email", "support", "abc-123"))
	assert.Equal(t,
		"messages/unprocessed/in.plop.email/support/abc-123.json",
		MetadataKey(models.StatusUnprocessed, "in.plop.email", "support", "abc-123"))
}

func storeInboundMessage(t *testing.T, s *Store, id, rawAddr, from string, subject *string, raw string) *models.StoredMessage {
	t.Helper()
	addr, err := address.Resolve(rawAddr)
	if err != nil {
		t.Fatalf("Resolve(%q) failed: %v", rawAddr, err)
	}
	msg, err := s.StoreInbound(context.Background(), Inbound{
		ID:         id,
		Addr:       addr,
		From:       from,
		Subject:    subject,
		ReceivedAt: time.Now().UTC(),
		Raw:        strings.NewReader(raw),
		RawSize:    int64(len(raw)),
	})
	if err != nil {
		t.Fatalf("StoreInbound failed: %v", err)
	}
	return msg
}

func TestStoreInbound(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s := New(blobs)

	subject := "Your code"
	msg := storeInboundMessage(t, s, "id-1", "qa+signup@in.plop.email", "sender@elsewhere.org", &subject, "raw bytes here")

	assert.Equal(t, "in.plop.email", msg.Domain)
	assert.Equal(t, "qa", msg.Mailbox)
	assert.Equal(t, "qa+signup", msg.MailboxWithTag)
	if assert.NotNil(t, msg.Tag) {
		assert.Equal(t, "signup", *msg.Tag)
	}
	assert.Equal(t, "qa+signup@in.plop.email", msg.To)
	assert.Equal(t, models.StatusUnprocessed, msg.Status)
	assert.Equal(t, 0, msg.Attempts)
	assert.Equal(t, int64(len("raw bytes here")), msg.RawSize)
	assert.Equal(t, "raw/in.plop.email/qa/id-1.eml", msg.RawKey)

	// Raw bytes are stored with the metadata mirrored onto the object.
	raw, metadata, err := blobs.Get(ctx, msg.RawKey)
	if err != nil {
		t.Fatalf("raw object missing: %v", err)
	}
	assert.Equal(t, "raw bytes here", string(raw))
	assert.Equal(t, "id-1", metadata["msg-id"])
	assert.Equal(t, "Your code", metadata["msg-subject"])

	// The metadata record round-trips through HeadMessage.
	loaded, err := s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusUnprocessed, "id-1")
	if err != nil {
		t.Fatalf("HeadMessage failed: %v", err)
	}
	assert.Equal(t, msg.ID, loaded.ID)
	assert.Equal(t, msg.To, loaded.To)
	if assert.NotNil(t, loaded.Subject) {
		assert.Equal(t, "Your code", *loaded.Subject)
	}
	assert.Nil(t, loaded.LastAttemptAt)
	assert.Nil(t, loaded.LastError)
}

func TestHeadMessageNotFound(t *testing.T) {
	s := New(blob.NewMemoryStore())

	_, err := s.HeadMessage(context.Background(), "in.plop.email", "qa", models.StatusUnprocessed, "ghost")
	assert.True(t, errors.Is(err, ErrMessageNotFound))
}

func TestRecordAttempt(t *testing.T) {
	ctx := context.Background()
	s := New(blob.NewMemoryStore())
	storeInboundMessage(t, s, "id-1", "qa@in.plop.email", "a@b.c", nil, "raw")

	reason := "webhook returned status 500"
	if err := s.RecordAttempt(ctx, "in.plop.email", "qa", "id-1", &reason); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	msg, err := s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusUnprocessed, "id-1")
	if err != nil {
		t.Fatalf("HeadMessage failed: %v", err)
	}
	assert.Equal(t, 1, msg.Attempts)
	assert.NotNil(t, msg.LastAttemptAt)
	if assert.NotNil(t, msg.LastError) {
		assert.Contains(t, *msg.LastError, "500")
	}

	// A clean attempt clears the recorded error.
	if err := s.RecordAttempt(ctx, "in.plop.email", "qa", "id-1", nil); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	msg, err = s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusUnprocessed, "id-1")
	if err != nil {
		t.Fatalf("HeadMessage failed: %v", err)
	}
	assert.Equal(t, 2, msg.Attempts)
	assert.Nil(t, msg.LastError)

	// Recording against an unknown id is a silent no-op.
	assert.NoError(t, s.RecordAttempt(ctx, "in.plop.email", "qa", "ghost", &reason))
}

func TestMarkProcessedIdempotent(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s := New(blobs)
	storeInboundMessage(t, s, "id-1", "qa@in.plop.email", "a@b.c", nil, "raw")

	reason := "first attempt failed"
	_ = s.RecordAttempt(ctx, "in.plop.email", "qa", "id-1", &reason)

	if err := s.MarkProcessed(ctx, "in.plop.email", "qa", "id-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	// Second call is a no-op, not an error.
	if err := s.MarkProcessed(ctx, "in.plop.email", "qa", "id-1"); err != nil {
		t.Fatalf("second MarkProcessed failed: %v", err)
	}

	// Exactly one metadata record exists for the id, under processed.
	_, err := s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusUnprocessed, "id-1")
	assert.True(t, errors.Is(err, ErrMessageNotFound))

	msg, err := s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusProcessed, "id-1")
	if err != nil {
		t.Fatalf("processed record missing: %v", err)
	}
	assert.Equal(t, models.StatusProcessed, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.Nil(t, msg.LastError, "processed record must have its error cleared")
	assert.NotNil(t, msg.LastAttemptAt)
}

func TestSinglePartitionInvariant(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s := New(blobs)
	storeInboundMessage(t, s, "id-1", "qa@in.plop.email", "a@b.c", nil, "raw")

	reason := "boom"
	for i := 0; i < 3; i++ {
		if err := s.RecordAttempt(ctx, "in.plop.email", "qa", "id-1", &reason); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}
	if err := s.MarkProcessed(ctx, "in.plop.email", "qa", "id-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}

	var metadataKeys []string
	for _, status := range []models.Status{models.StatusUnprocessed, models.StatusProcessed} {
		out, err := blobs.List(ctx, blob.ListInput{Prefix: "messages/" + string(status) + "/"})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		metadataKeys = append(metadataKeys, out.Keys...)
	}
	assert.Equal(t, []string{"messages/processed/in.plop.email/qa/id-1.json"}, metadataKeys)

	// Attempts are frozen after the transition.
	assert.NoError(t, s.RecordAttempt(ctx, "in.plop.email", "qa", "id-1", &reason))
	msg, err := s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusProcessed, "id-1")
	if err != nil {
		t.Fatalf("HeadMessage failed: %v", err)
	}
	assert.Equal(t, 3, msg.Attempts)
}

func TestFindMessagePrefersProcessed(t *testing.T) {
	ctx := context.Background()
	blobs := blob.NewMemoryStore()
	s := New(blobs)
	storeInboundMessage(t, s, "id-1", "qa@in.plop.email", "a@b.c", nil, "raw")

	msg, err := s.FindMessage(ctx, "in.plop.email", "qa", "id-1")
	if err != nil {
		t.Fatalf("FindMessage failed: %v", err)
	}
	assert.Equal(t, models.StatusUnprocessed, msg.Status)

	if err := s.MarkProcessed(ctx, "in.plop.email", "qa", "id-1"); err != nil {
		t.Fatalf("MarkProcessed failed: %v", err)
	}
	msg, err = s.FindMessage(ctx, "in.plop.email", "qa", "id-1")
	if err != nil {
		t.Fatalf("FindMessage failed: %v", err)
	}
	assert.Equal(t, models.StatusProcessed, msg.Status)
}

func TestListMailboxes(t *testing.T) {
	ctx := context.Background()
	s := New(blob.NewMemoryStore())

	storeInboundMessage(t, s, "id-1", "alpha@in.plop.email", "a@b.c", nil, "raw")
	storeInboundMessage(t, s, "id-2", "beta+x@in.plop.email", "a@b.c", nil, "raw")
	storeInboundMessage(t, s, "id-3", "gamma@other.plop.email", "a@b.c", nil, "raw")

	mailboxes, cursor, err := s.ListMailboxes(ctx, "in.plop.email", models.StatusUnprocessed, 50, "")
	if err != nil {
		t.Fatalf("ListMailboxes failed: %v", err)
	}
	assert.Equal(t, []string{"alpha", "beta"}, mailboxes)
	assert.Empty(t, cursor)

	mailboxes, _, err = s.ListMailboxes(ctx, "in.plop.email", models.StatusProcessed, 50, "")
	if err != nil {
		t.Fatalf("ListMailboxes failed: %v", err)
	}
	assert.Empty(t, mailboxes)
}

func TestListMailboxMessages(t *testing.T) {
	ctx := context.Background()
	s := New(blob.NewMemoryStore())

	storeInboundMessage(t, s, "id-1", "qa@in.plop.email", "a@b.c", nil, "raw one")
	storeInboundMessage(t, s, "id-2", "qa+tag@in.plop.email", "a@b.c", nil, "raw two")
	storeInboundMessage(t, s, "id-3", "other@in.plop.email", "a@b.c", nil, "raw three")

	messages, cursor, err := s.ListMailboxMessages(ctx, "in.plop.email", "qa", models.StatusUnprocessed, 50, "")
	if err != nil {
		t.Fatalf("ListMailboxMessages failed: %v", err)
	}
	assert.Empty(t, cursor)
	if assert.Len(t, messages, 2) {
		ids := []string{messages[0].ID, messages[1].ID}
		assert.ElementsMatch(t, []string{"id-1", "id-2"}, ids)
	}

	// Pagination with an opaque cursor.
	page1, cursor, err := s.ListMailboxMessages(ctx, "in.plop.email", "qa", models.StatusUnprocessed, 1, "")
	if err != nil {
		t.Fatalf("ListMailboxMessages failed: %v", err)
	}
	assert.Len(t, page1, 1)
	assert.NotEmpty(t, cursor)

	page2, _, err := s.ListMailboxMessages(ctx, "in.plop.email", "qa", models.StatusUnprocessed, 1, cursor)
	if err != nil {
		t.Fatalf("ListMailboxMessages failed: %v", err)
	}
	assert.Len(t, page2, 1)
	assert.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestGetRaw(t *testing.T) {
	ctx := context.Background()
	s := New(blob.NewMemoryStore())
	storeInboundMessage(t, s, "id-1", "qa@in.plop.email", "a@b.c", nil, "the raw message")

	raw, err := s.GetRaw(ctx, "in.plop.email", "qa", "id-1")
	if err != nil {
		t.Fatalf("GetRaw failed: %v", err)
	}
	assert.Equal(t, "the raw message", string(raw))

	_, err = s.GetRaw(ctx, "in.plop.email", "qa", "ghost")
	assert.True(t, errors.Is(err, ErrMessageNotFound))
}

func TestStoreInboundWithUnknownSize(t *testing.T) {
	ctx := context.Background()
	s := New(blob.NewMemoryStore())

	addr, err := address.Resolve("qa@in.plop.email")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	msg, err := s.StoreInbound(ctx, Inbound{
		ID:         "id-1",
		Addr:       addr,
		From:       "a@b.c",
		ReceivedAt: time.Now().UTC(),
		Raw:        bytes.NewReader([]byte("streamed")),
		RawSize:    -1,
	})
	if err != nil {
		t.Fatalf("StoreInbound failed: %v", err)
	}
	assert.Equal(t, int64(len("streamed")), msg.RawSize)

	loaded, err := s.HeadMessage(ctx, "in.plop.email", "qa", models.StatusUnprocessed, "id-1")
	if err != nil {
		t.Fatalf("HeadMessage failed: %v", err)
	}
	assert.Equal(t, int64(len("streamed")), loaded.RawSize)
}
