package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/kuitang/mailcode/internal/obs"
)

// dialer is the part of gomail.Dialer used here.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPSender sends verification codes over SMTP.
type SMTPSender struct {
	dialer      dialer
	fromAddress string
	product     string
}

// NewSMTPSender creates an SMTP sender. Port 465 uses implicit TLS; other
// ports upgrade with STARTTLS when the server offers it.
func NewSMTPSender(host string, port int, username, password, fromAddress, product string) *SMTPSender {
	return &SMTPSender{
		dialer:      gomail.NewDialer(host, port, username, password),
		fromAddress: fromAddress,
		product:     product,
	}
}

func (s *SMTPSender) SendCode(ctx context.Context, to, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := renderVerificationCode(VerificationCodeData{Product: s.product, Code: code})

	m := gomail.NewMessage()
	m.SetHeader("From", s.fromAddress)
	m.SetHeader("To", to)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	m.AddAlternative("text/html", msg.HTML)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp: failed to send email: %w", err)
	}
	obs.From(ctx).Info("verification_email_sent", "pkg", "email", "transport", "smtp", "to", to)
	return nil
}
