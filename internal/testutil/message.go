package testutil

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/jhillyerd/enmime"
)

// PlainMessage builds a minimal single-part RFC 822 message with CRLF line
// endings, the way it arrives over SMTP.
func PlainMessage(from, to, subject, body string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return b.Bytes()
}

// MultipartMessage builds a multipart/alternative message with both a plain
// and an HTML part, using enmime's builder so the MIME structure is the real
// thing rather than a hand-assembled approximation.
func MultipartMessage(t *testing.T, from, to, subject, text, html string) []byte {
	t.Helper()

	part, err := enmime.Builder().
		From("", from).
		To("", to).
		Subject(subject).
		Text([]byte(text)).
		HTML([]byte(html)).
		Build()
	if err != nil {
		t.Fatalf("Failed to build multipart message: %v", err)
	}

	var b bytes.Buffer
	if err := part.Encode(&b); err != nil {
		t.Fatalf("Failed to encode multipart message: %v", err)
	}
	return b.Bytes()
}
