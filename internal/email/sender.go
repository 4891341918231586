// Package email sends verification code messages. The probe uses it to put a
// known code into the mailbox under test.
package email

import (
	"context"
	"sync"
	"time"

	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/obs"
)

// Sender delivers a verification code to an address.
type Sender interface {
	SendCode(ctx context.Context, to, code string) error
}

// SentEmail represents a captured email.
type SentEmail struct {
	To      string
	Code    string
	Message Rendered
}

// MailboxSender delivers straight into an in-memory mailbox. It lets the
// whole send-and-retrieve loop run without a network.
type MailboxSender struct {
	From    string
	Product string
	Box     *mailbox.MemorySession
	Now     func() time.Time

	mu     sync.Mutex
	emails []SentEmail
}

// NewMailboxSender creates a sender that writes to box as from.
func NewMailboxSender(from string, box *mailbox.MemorySession, now func() time.Time) *MailboxSender {
	if now == nil {
		now = time.Now
	}
	return &MailboxSender{From: from, Box: box, Now: now}
}

func (m *MailboxSender) SendCode(ctx context.Context, to, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := renderVerificationCode(VerificationCodeData{Product: m.Product, Code: code})

	m.mu.Lock()
	m.emails = append(m.emails, SentEmail{To: to, Code: code, Message: msg})
	m.mu.Unlock()

	id := m.Box.DeliverText(m.From, msg.Text, m.Now())
	obs.From(ctx).Info("verification_email_delivered", "pkg", "email", "transport", "memory", "to", to, "message_id", id)
	return nil
}

// LastEmail returns the most recently sent email.
// Returns zero value if no emails have been sent.
func (m *MailboxSender) LastEmail() SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.emails) == 0 {
		return SentEmail{}
	}
	return m.emails[len(m.emails)-1]
}

// Count returns the number of sent emails.
func (m *MailboxSender) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.emails)
}
