package mailbox

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// Message is a retrieved message with its parsed headers.
type Message struct {
	SessionID string
	// Seq is the message number on the server.
	Seq int

	MessageID string
	Subject   string
	From      string
	Date      time.Time
	// TextBody is the first text/plain part, if any.
	TextBody    string
	Attachments []Attachment

	Raw []byte
}

// Attachment describes an attachment part.
type Attachment struct {
	Filename string
	MIMEType string
	Size     int64
}

// Size returns the size of the raw message.
func (m *Message) Size() int {
	return len(m.Raw)
}

func (m *Message) String() string {
	return fmt.Sprintf("#%d %q from %s (%d bytes)", m.Seq, m.Subject, m.From, len(m.Raw))
}

// Parse builds a Message from the raw RFC 5322 text. Headers which fail
// to decode are left empty; only an unreadable header block is an error.
func Parse(seq int, raw []byte) (*Message, error) {
	msg := &Message{Seq: seq, Raw: raw}
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse message %d: %w", seq, err)
	}
	defer mr.Close()

	h := mr.Header
	msg.Subject, _ = h.Subject()
	msg.MessageID, _ = h.MessageID()
	msg.Date, _ = h.Date()
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].Address
	} else {
		msg.From = strings.TrimSpace(h.Get("From"))
	}

	for {
		part, err := mr.NextPart()
		if err != nil {
			// io.EOF or a malformed body; headers are what matter.
			break
		}
		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			if msg.TextBody != "" || (contentType != "" && !strings.HasPrefix(contentType, "text/plain")) {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err == nil {
				msg.TextBody = string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()
			size, _ := io.Copy(io.Discard, part.Body)
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     size,
			})
		}
	}
	return msg, nil
}
