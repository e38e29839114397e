package models

import (
	"fmt"
	"time"
)

// Status is the delivery state of a stored message. It determines which
// storage partition the message's metadata record lives under.
type Status string

const (
	// StatusUnprocessed means the message has been stored but a webhook
	// delivery has not yet been confirmed.
	StatusUnprocessed Status = "unprocessed"
	// StatusProcessed means a webhook delivery succeeded. Terminal state.
	StatusProcessed Status = "processed"
)

// ParseStatus validates a status string from user input.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusUnprocessed, StatusProcessed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// StoredMessage is the single persisted entity of the pipeline. Its metadata
// lives under exactly one status partition at a time; the raw RFC 822 bytes
// live under a separate, immutable key.
type StoredMessage struct {
	ID             string     `json:"id"`
	Domain         string     `json:"domain"`
	Mailbox        string     `json:"mailbox"`
	MailboxWithTag string     `json:"mailboxWithTag"`
	Tag            *string    `json:"tag"`
	From           string     `json:"from"`
	To             string     `json:"to"`
	Subject        *string    `json:"subject"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	RawSize        int64      `json:"rawSize"`
	RawKey         string     `json:"rawKey"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	LastAttemptAt  *time.Time `json:"lastAttemptAt"`
	LastError      *string    `json:"lastError"`
}
