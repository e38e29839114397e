package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/plopmail/intake/internal/models"
)

// Metadata records are duplicated into object custom metadata so listings can
// reconstruct a StoredMessage without fetching bodies. The custom metadata is
// the source of truth on reads; the JSON body exists for manual inspection
// and for recovery tooling.

const (
	metaID             = "msg-id"
	metaDomain         = "msg-domain"
	metaMailbox        = "msg-mailbox"
	metaMailboxWithTag = "msg-mailbox-with-tag"
	metaTag            = "msg-tag"
	metaFrom           = "msg-from"
	metaTo             = "msg-to"
	metaSubject        = "msg-subject"
	metaReceivedAt     = "msg-received-at"
	metaRawSize        = "msg-raw-size"
	metaRawKey         = "msg-raw-key"
	metaStatus         = "msg-status"
	metaAttempts       = "msg-attempts"
	metaLastAttemptAt  = "msg-last-attempt-at"
	metaLastError      = "msg-last-error"
)

func encodeMetadata(msg *models.StoredMessage) map[string]string {
	md := map[string]string{
		metaID:             msg.ID,
		metaDomain:         msg.Domain,
		metaMailbox:        msg.Mailbox,
		metaMailboxWithTag: msg.MailboxWithTag,
		metaFrom:           msg.From,
		metaTo:             msg.To,
		metaReceivedAt:     msg.ReceivedAt.UTC().Format(time.RFC3339Nano),
		metaRawSize:        strconv.FormatInt(msg.RawSize, 10),
		metaRawKey:         msg.RawKey,
		metaStatus:         string(msg.Status),
		metaAttempts:       strconv.Itoa(msg.Attempts),
	}
	if msg.Tag != nil {
		md[metaTag] = *msg.Tag
	}
	if msg.Subject != nil {
		md[metaSubject] = *msg.Subject
	}
	if msg.LastAttemptAt != nil {
		md[metaLastAttemptAt] = msg.LastAttemptAt.UTC().Format(time.RFC3339Nano)
	}
	if msg.LastError != nil {
		md[metaLastError] = *msg.LastError
	}
	return md
}

func decodeMetadata(md map[string]string) (*models.StoredMessage, error) {
	id := md[metaID]
	if id == "" {
		return nil, fmt.Errorf("metadata record has no message id")
	}

	receivedAt, err := time.Parse(time.RFC3339Nano, md[metaReceivedAt])
	if err != nil {
		return nil, fmt.Errorf("bad received-at on message %s: %w", id, err)
	}

	status, err := models.ParseStatus(md[metaStatus])
	if err != nil {
		return nil, fmt.Errorf("bad status on message %s: %w", id, err)
	}

	rawSize, _ := strconv.ParseInt(md[metaRawSize], 10, 64)
	attempts, _ := strconv.Atoi(md[metaAttempts])

	msg := &models.StoredMessage{
		ID:             id,
		Domain:         md[metaDomain],
		Mailbox:        md[metaMailbox],
		MailboxWithTag: md[metaMailboxWithTag],
		From:           md[metaFrom],
		To:             md[metaTo],
		ReceivedAt:     receivedAt,
		RawSize:        rawSize,
		RawKey:         md[metaRawKey],
		Status:         status,
		Attempts:       attempts,
	}
	if tag, ok := md[metaTag]; ok {
		msg.Tag = &tag
	}
	if subject, ok := md[metaSubject]; ok {
		msg.Subject = &subject
	}
	if at, ok := md[metaLastAttemptAt]; ok {
		if parsed, err := time.Parse(time.RFC3339Nano, at); err == nil {
			msg.LastAttemptAt = &parsed
		}
	}
	if lastError, ok := md[metaLastError]; ok {
		msg.LastError = &lastError
	}
	return msg, nil
}
