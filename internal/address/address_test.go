package address

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name           string
		input          string
		wantDomain     string
		wantMailbox    string
		wantWithTag    string
		wantTag        string // "" means no tag
		wantMailboxKey string
	}{
		{
			name:           "simple address",
			input:          "support@tenant.example.com",
			wantDomain:     "tenant.example.com",
			wantMailbox:    "support",
			wantWithTag:    "support",
			wantMailboxKey: "support",
		},
		{
			name:           "tagged address",
			input:          "support+billing@tenant.example.com",
			wantDomain:     "tenant.example.com",
			wantMailbox:    "support",
			wantWithTag:    "support+billing",
			wantTag:        "billing",
			wantMailboxKey: "support",
		},
		{
			name:           "angle brackets and whitespace",
			input:          "  <qa+signup@in.plop.email>  ",
			wantDomain:     "in.plop.email",
			wantMailbox:    "qa",
			wantWithTag:    "qa+signup",
			wantTag:        "signup",
			wantMailboxKey: "qa",
		},
		{
			name:           "uppercase is lowered",
			input:          "Support+VIP@Tenant.Example.COM",
			wantDomain:     "tenant.example.com",
			wantMailbox:    "support",
			wantWithTag:    "support+vip",
			wantTag:        "vip",
			wantMailboxKey: "support",
		},
		{
			name:           "dots dashes underscores",
			input:          "first.last_x-y@example.com",
			wantDomain:     "example.com",
			wantMailbox:    "first.last_x-y",
			wantWithTag:    "first.last_x-y",
			wantMailboxKey: "first.last_x-y",
		},
		{
			name:           "tag keeps everything after first plus",
			input:          "a+b+c@example.com",
			wantDomain:     "example.com",
			wantMailbox:    "a",
			wantWithTag:    "a+b+c",
			wantTag:        "b+c",
			wantMailboxKey: "a",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Resolve(tt.input)
			if err != nil {
				t.Fatalf("Resolve(%q) returned error: %v", tt.input, err)
			}
			assert.Equal(t, tt.wantDomain, addr.Domain)
			assert.Equal(t, tt.wantMailbox, addr.Mailbox)
			assert.Equal(t, tt.wantWithTag, addr.MailboxWithTag)
			assert.Equal(t, tt.wantMailboxKey, addr.MailboxKey)
			if tt.wantTag == "" {
				assert.Nil(t, addr.Tag)
			} else {
				if assert.NotNil(t, addr.Tag) {
					assert.Equal(t, tt.wantTag, *addr.Tag)
				}
			}
		})
	}
}

func TestResolveRejects(t *testing.T) {
	longLocal := strings.Repeat("a", 65) + "@example.com"

	tests := []struct {
		name  string
		input string
	}{
		{"missing at", "no-at-sign"},
		{"empty local part", "@example.com"},
		{"empty domain", "user@"},
		{"empty string", ""},
		{"space in local part", "bad tag@domain.com"},
		{"bang in local part", "bad!tag@domain.com"},
		{"65 character local part", longLocal},
		{"leading dot", ".user@example.com"},
		{"trailing dash", "user-@example.com"},
		{"leading plus", "+tag@example.com"},
		{"tag only after base check", "user.+tag@example.com"},
		{"double quote", `"user"@example.com`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Resolve(tt.input)
			if err == nil {
				t.Fatalf("Resolve(%q) = %+v, want error", tt.input, addr)
			}
			assert.ErrorIs(t, err, ErrInvalidAddress)
		})
	}
}

func TestValidMailbox(t *testing.T) {
	assert.True(t, ValidMailbox("support"))
	assert.True(t, ValidMailbox("first.last"))
	assert.False(t, ValidMailbox("support+tag"))
	assert.False(t, ValidMailbox(""))
	assert.False(t, ValidMailbox(strings.Repeat("a", 65)))
}

func TestEncodeKeySegment(t *testing.T) {
	assert.Equal(t, "support", EncodeKeySegment("support"))
	assert.Equal(t, "first.last_x-y", EncodeKeySegment("first.last_x-y"))
	assert.Equal(t, "a%2Bb", EncodeKeySegment("a+b"))
	assert.Equal(t, "a%20b", EncodeKeySegment("a b"))

	// The encoding must round-trip through standard percent-decoding.
	decoded, err := url.PathUnescape(EncodeKeySegment("a+b c%d"))
	if err != nil {
		t.Fatalf("PathUnescape failed: %v", err)
	}
	assert.Equal(t, "a+b c%d", decoded)
}

func FuzzResolve(f *testing.F) {
	f.Add("support+billing@tenant.example.com")
	f.Add("bad tag@domain.com")
	f.Add("<a@b>")
	f.Add(strings.Repeat("x", 70) + "@d.com")

	f.Fuzz(func(t *testing.T, input string) {
		addr, err := Resolve(input)
		if err != nil {
			return
		}
		// Resolution is deterministic.
		again, err := Resolve(input)
		if err != nil {
			t.Fatalf("second Resolve(%q) failed: %v", input, err)
		}
		if addr.MailboxWithTag != again.MailboxWithTag || addr.Domain != again.Domain {
			t.Fatalf("Resolve(%q) not deterministic", input)
		}
		// The mailbox passes the tag-free rule and its key round-trips.
		if !ValidMailbox(addr.Mailbox) {
			t.Fatalf("Resolve(%q) produced invalid mailbox %q", input, addr.Mailbox)
		}
		decoded, err := url.PathUnescape(addr.MailboxKey)
		if err != nil || decoded != addr.Mailbox {
			t.Fatalf("mailbox key %q does not decode back to %q", addr.MailboxKey, addr.Mailbox)
		}
	})
}
