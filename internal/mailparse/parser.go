// Package mailparse extracts structured content from raw RFC 822 message
// bytes: the full ordered header list plus a best-effort plain-text and HTML
// body. It never returns an error; malformed input degrades to whatever was
// parsable, because a broken body must not prevent a message from being
// stored and delivered.
package mailparse

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
)

// maxMultipartDepth bounds recursion into nested multipart bodies. This is a
// deliberate guard against pathological or malicious nesting.
const maxMultipartDepth = 10

// Header is a single message header, order-preserving.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Content is the extracted view of a message.
type Content struct {
	Headers      []Header `json:"headers"`
	PlainContent *string  `json:"plainContent"`
	HTMLContent  *string  `json:"htmlContent"`
}

// RichContent returns the canonical rendering of the message: HTML if
// present, otherwise the plain-text body.
func (c *Content) RichContent() *string {
	if c.HTMLContent != nil {
		return c.HTMLContent
	}
	return c.PlainContent
}

// Parse decodes raw message bytes into headers plus best-effort text bodies.
func Parse(raw []byte) *Content {
	text := strings.ToValidUTF8(string(raw), "�")
	headerBlock, body := splitMessage(text)
	headers := parseHeaderBlock(headerBlock)

	content := &Content{Headers: headers}
	extractText(newHeaderIndex(headers), body, 0, content)
	return content
}

// ParseHeaders decodes only the header block of a message. The intake path
// uses this for the envelope summary without paying for body extraction.
func ParseHeaders(raw []byte) []Header {
	text := strings.ToValidUTF8(string(raw), "�")
	headerBlock, _ := splitMessage(text)
	return parseHeaderBlock(headerBlock)
}

// HeaderValue returns the first header with the given name, case-insensitively.
func HeaderValue(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// splitMessage splits a message at the first blank line, accepting both CRLF
// and bare-LF line endings. Without a blank line the whole input is headers.
func splitMessage(text string) (headerBlock, body string) {
	crlf := strings.Index(text, "\r\n\r\n")
	lf := strings.Index(text, "\n\n")
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return text[:crlf], text[crlf+4:]
	case lf >= 0:
		return text[:lf], text[lf+2:]
	}
	return text, ""
}

// parseHeaderBlock parses headers line by line with RFC 2822 folding: a line
// starting with whitespace continues the previous header, space-joined.
func parseHeaderBlock(block string) []Header {
	var headers []Header
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if len(headers) > 0 {
				headers[len(headers)-1].Value += " " + strings.TrimSpace(line)
			}
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		headers = append(headers, Header{
			Name:  strings.TrimSpace(line[:colon]),
			Value: strings.TrimSpace(line[colon+1:]),
		})
	}
	return headers
}

// headerIndex is a case-insensitive, multi-valued view over a header list.
type headerIndex map[string][]string

func newHeaderIndex(headers []Header) headerIndex {
	idx := make(headerIndex, len(headers))
	for _, h := range headers {
		name := strings.ToLower(h.Name)
		idx[name] = append(idx[name], h.Value)
	}
	return idx
}

func (idx headerIndex) first(name string) string {
	if values := idx[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// extractText recursively walks a MIME part, filling in the first plain and
// first HTML body it finds. First found wins; a branch stops recursing once
// both slots are filled.
func extractText(headers headerIndex, body string, depth int, content *Content) {
	if depth > maxMultipartDepth {
		return
	}
	if content.PlainContent != nil && content.HTMLContent != nil {
		return
	}

	contentType := headers.first("content-type")
	mediaType := "text/plain"
	var params map[string]string
	if contentType != "" {
		parsed, parsedParams, err := mime.ParseMediaType(contentType)
		if err == nil {
			mediaType = parsed
			params = parsedParams
		} else {
			mediaType = ""
		}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		for _, part := range splitParts(body, boundary) {
			partHeaderBlock, partBody := splitMessage(part)
			extractText(newHeaderIndex(parseHeaderBlock(partHeaderBlock)), partBody, depth+1, content)
			if content.PlainContent != nil && content.HTMLContent != nil {
				return
			}
		}
		return
	}

	if mediaType != "text/plain" && mediaType != "text/html" {
		return
	}
	// A part with no Content-Type header at all only counts as text/plain
	// when it actually has a body; otherwise headerless junk would claim the
	// plain slot with an empty string.
	if contentType == "" && strings.TrimSpace(body) == "" {
		return
	}
	if disposition := headers.first("content-disposition"); disposition != "" {
		if kind, _, err := mime.ParseMediaType(disposition); err == nil && kind == "attachment" {
			return
		}
	}

	decoded := decodeTransferEncoding(body, headers.first("content-transfer-encoding"))
	text := decodeCharset(decoded, params["charset"])
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSpace(text)

	if mediaType == "text/html" {
		if content.HTMLContent == nil {
			content.HTMLContent = &text
		}
		return
	}
	if content.PlainContent == nil {
		content.PlainContent = &text
	}
}

// splitParts splits a multipart body on "--boundary" markers, dropping the
// preamble, the epilogue, and the terminal "--boundary--" marker.
func splitParts(body, boundary string) []string {
	marker := "--" + boundary
	var parts []string
	var current []string
	inPart := false

	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == marker || trimmed == marker+"--" {
			if inPart {
				parts = append(parts, strings.Join(current, "\n"))
				current = nil
			}
			if trimmed == marker+"--" {
				break
			}
			inPart = true
			continue
		}
		if inPart {
			current = append(current, line)
		}
	}
	if inPart && len(current) > 0 {
		parts = append(parts, strings.Join(current, "\n"))
	}
	return parts
}

// decodeTransferEncoding applies Content-Transfer-Encoding. Base64 input is
// whitespace-stripped first and decodes to empty on corruption;
// quoted-printable expands =XX escapes and removes soft line breaks; anything
// else passes through untouched.
func decodeTransferEncoding(body, encoding string) []byte {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		stripped := strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
				return -1
			}
			return r
		}, body)
		decoded, err := base64.StdEncoding.DecodeString(stripped)
		if err != nil {
			return nil
		}
		return decoded
	case "quoted-printable":
		return decodeQuotedPrintable(body)
	}
	return []byte(body)
}

// decodeQuotedPrintable is a lenient quoted-printable decoder: invalid
// escapes are kept literally instead of failing the whole body.
func decodeQuotedPrintable(body string) []byte {
	var out bytes.Buffer
	for i := 0; i < len(body); i++ {
		c := body[i]
		if c != '=' {
			out.WriteByte(c)
			continue
		}
		// Soft line break: "=\r\n" or "=\n".
		if i+1 < len(body) && body[i+1] == '\n' {
			i++
			continue
		}
		if i+2 < len(body) && body[i+1] == '\r' && body[i+2] == '\n' {
			i += 2
			continue
		}
		if i+2 < len(body) {
			hi, okHi := unhex(body[i+1])
			lo, okLo := unhex(body[i+2])
			if okHi && okLo {
				out.WriteByte(hi<<4 | lo)
				i += 2
				continue
			}
		}
		out.WriteByte(c)
	}
	return out.Bytes()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// decodeCharset converts body bytes from the named charset to UTF-8, falling
// back to replacement-substituted UTF-8 when the charset is unknown, missing,
// or the conversion fails.
func decodeCharset(body []byte, name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if name != "" && name != "utf-8" && name != "us-ascii" {
		reader, err := charset.Reader(name, bytes.NewReader(body))
		if err == nil {
			if converted, err := io.ReadAll(reader); err == nil {
				return string(converted)
			}
		}
	}
	return strings.ToValidUTF8(string(body), "�")
}
