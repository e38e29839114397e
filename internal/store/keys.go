package store

import (
	"fmt"

	"github.com/plopmail/intake/internal/models"
)

// The key schema is load-bearing: existing buckets are laid out this way, so
// both functions must produce these exact shapes.
//
//	raw/{domain}/{encodedMailbox}/{id}.eml
//	messages/{status}/{domain}/{encodedMailbox}/{id}.json

// RawKey returns the object key of a message's raw RFC 822 bytes.
func RawKey(domain, mailboxKey, id string) string {
	return fmt.Sprintf("raw/%s/%s/%s.eml", domain, mailboxKey, id)
}

// MetadataKey returns the object key of a message's metadata record under
// the given status partition.
func MetadataKey(status models.Status, domain, mailboxKey, id string) string {
	return fmt.Sprintf("messages/%s/%s/%s/%s.json", status, domain, mailboxKey, id)
}

// mailboxPrefix is the listing prefix for one mailbox's metadata records.
func mailboxPrefix(status models.Status, domain, mailboxKey string) string {
	return fmt.Sprintf("messages/%s/%s/%s/", status, domain, mailboxKey)
}

// domainPrefix is the listing prefix for all mailboxes of a domain.
func domainPrefix(status models.Status, domain string) string {
	return fmt.Sprintf("messages/%s/%s/", status, domain)
}
