package mailbox

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseRFC822 builds a Message from a raw RFC 5322 message. Transfer
// encodings and charsets are decoded; every inline leaf becomes a BodyPart
// in document order. received (the server's arrival time) wins over the
// Date header; pass the zero time to use the header instead.
func ParseRFC822(id string, raw []byte, received time.Time) (*Message, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("mailbox: parse message %s: %w", id, err)
	}
	if mr == nil {
		return nil, fmt.Errorf("mailbox: parse message %s: no reader", id)
	}
	defer mr.Close()

	msg := &Message{ID: id, Timestamp: received}
	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].String()
	} else {
		msg.From = mr.Header.Get("From")
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if received.IsZero() {
		if date, err := mr.Header.Date(); err == nil {
			msg.Timestamp = date
		}
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, fmt.Errorf("mailbox: read part of %s: %w", id, err)
		}
		if p == nil {
			continue
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil || contentType == "" {
			contentType = mimeTextPlain
		}
		body, err := io.ReadAll(p.Body)
		if err != nil {
			return nil, fmt.Errorf("mailbox: read body of %s: %w", id, err)
		}
		msg.Parts = append(msg.Parts, BodyPart{
			MimeType: contentType,
			Data:     base64.StdEncoding.EncodeToString(body),
		})
	}

	return msg, nil
}
