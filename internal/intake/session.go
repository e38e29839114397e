package intake

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/plopmail/intake/internal/address"
	"github.com/plopmail/intake/internal/mailparse"
	"github.com/plopmail/intake/internal/store"
)

// session handles one SMTP transaction. Recipients are resolved and checked
// at RCPT time so bad addresses are bounced before DATA.
type session struct {
	backend  *Backend
	from     string
	sizeHint int64
	rcpts    []*address.Address
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	if opts != nil {
		s.sizeHint = opts.Size
	}
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	addr, err := address.Resolve(to)
	if err != nil {
		log.Printf("Intake: Rejected recipient %q: %v", to, err)
		return rejectInvalidRecipient(to, err)
	}
	if !s.backend.cfg.IsManagedDomain(addr.Domain) {
		log.Printf("Intake: Rejected recipient %q: unmanaged domain", to)
		return rejectUnmanagedDomain(addr.Domain)
	}
	s.rcpts = append(s.rcpts, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{Code: 554, Message: "no valid recipients"}
	}

	ctx := context.Background()

	// Without a webhook there is nothing to parse, so a single-recipient
	// delivery can stream straight into storage without buffering the body.
	if s.backend.dispatcher == nil && len(s.rcpts) == 1 {
		return s.streamOne(ctx, r, s.rcpts[0])
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	for _, addr := range s.rcpts {
		if err := s.backend.handleBuffered(ctx, raw, addr, s.from); err != nil {
			return storageUnavailable()
		}
	}
	return nil
}

// streamOne stores a message without materializing the body: only the header
// block is read ahead (for the subject), then the already-read bytes are
// stitched back in front of the remaining stream.
func (s *session) streamOne(ctx context.Context, r io.Reader, addr *address.Address) error {
	var buf bytes.Buffer
	br := bufio.NewReader(io.TeeReader(r, &buf))

	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\n" || line == "\r\n" {
			break
		}
	}
	consumed := buf.Len() - br.Buffered()
	headerBytes := buf.Bytes()[:consumed]

	size := s.sizeHint
	if size <= 0 {
		size = -1
	}

	in := store.Inbound{
		ID:         uuid.NewString(),
		Addr:       addr,
		From:       s.from,
		Subject:    subjectOf(mailparse.ParseHeaders(headerBytes)),
		ReceivedAt: time.Now().UTC(),
		Raw:        io.MultiReader(bytes.NewReader(headerBytes), br),
		RawSize:    size,
	}
	if _, err := s.backend.storeMessage(ctx, in); err != nil {
		return storageUnavailable()
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.sizeHint = 0
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}
