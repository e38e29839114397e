// Package address parses and validates recipient addresses into their
// routing identity: domain, mailbox local part, optional +tag, and a
// storage-safe key segment. It is pure and does no I/O.
package address

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidAddress is returned when a recipient address cannot be resolved
// into a managed mailbox identity.
var ErrInvalidAddress = errors.New("invalid address")

const maxLocalPartLength = 64

// Address is the resolved routing identity of a recipient address.
type Address struct {
	// Domain is the lower-cased domain part.
	Domain string
	// Mailbox is the local part without the +tag suffix.
	Mailbox string
	// MailboxWithTag is the local part exactly as addressed, including +tag.
	MailboxWithTag string
	// Tag is the part after the first "+", or nil when absent.
	Tag *string
	// MailboxKey is the percent-encoded form of Mailbox, safe for use as an
	// object-storage key segment.
	MailboxKey string
}

// Resolve parses a raw recipient address (e.g. "support+billing@acme.example.com"),
// validates the local part against the restricted mailbox charset, and splits
// off the routing tag. Angle brackets and surrounding whitespace are tolerated.
// The split happens at the last "@"; quoted local parts containing "@" are not
// supported, matching real traffic.
func Resolve(raw string) (*Address, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "<")
	s = strings.TrimSuffix(s, ">")
	s = strings.TrimSpace(s)

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return nil, fmt.Errorf("%w: missing @ in %q", ErrInvalidAddress, raw)
	}

	local := strings.ToLower(s[:at])
	domain := strings.ToLower(s[at+1:])
	if local == "" || domain == "" {
		return nil, fmt.Errorf("%w: empty local or domain part in %q", ErrInvalidAddress, raw)
	}
	if len(local) > maxLocalPartLength {
		return nil, fmt.Errorf("%w: local part longer than %d characters", ErrInvalidAddress, maxLocalPartLength)
	}
	if !validLocalPart(local, true) {
		return nil, fmt.Errorf("%w: disallowed characters in local part %q", ErrInvalidAddress, local)
	}

	mailbox := local
	var tag *string
	if plus := strings.Index(local, "+"); plus >= 0 {
		mailbox = local[:plus]
		t := local[plus+1:]
		tag = &t
	}
	if !validLocalPart(mailbox, false) {
		return nil, fmt.Errorf("%w: invalid mailbox %q", ErrInvalidAddress, mailbox)
	}

	return &Address{
		Domain:         domain,
		Mailbox:        mailbox,
		MailboxWithTag: local,
		Tag:            tag,
		MailboxKey:     EncodeKeySegment(mailbox),
	}, nil
}

// ValidMailbox reports whether s is a valid tag-free mailbox local part.
// The admin API uses this to validate path parameters.
func ValidMailbox(s string) bool {
	return len(s) <= maxLocalPartLength && validLocalPart(s, false)
}

// validLocalPart checks s against ^[a-z0-9]([a-z0-9._+-]{0,62}[a-z0-9])?$,
// without "+" in the inner set when allowTag is false.
func validLocalPart(s string, allowTag bool) bool {
	if s == "" {
		return false
	}
	if !isAlnum(s[0]) || !isAlnum(s[len(s)-1]) {
		return false
	}
	for i := 1; i < len(s)-1; i++ {
		c := s[i]
		if isAlnum(c) || c == '.' || c == '_' || c == '-' {
			continue
		}
		if allowTag && c == '+' {
			continue
		}
		return false
	}
	return true
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}

const upperhex = "0123456789ABCDEF"

// EncodeKeySegment percent-encodes every byte outside [a-z0-9._-] so the
// result is safe as a single object-storage key segment. The encoding is
// reversible with standard percent-decoding.
func EncodeKeySegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAlnum(c) || c >= 'A' && c <= 'Z' || c == '.' || c == '_' || c == '-' {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}
