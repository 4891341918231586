package email

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v3"

	"github.com/kuitang/mailcode/internal/obs"
)

// emailsAPI is the part of the Resend client used here.
type emailsAPI interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendSender sends verification codes through the Resend API.
type ResendSender struct {
	emails      emailsAPI
	fromAddress string
	product     string
}

// NewResendSender creates a Resend sender.
// fromAddress is the sender email address (must be verified in Resend).
func NewResendSender(apiKey, fromAddress, product string) *ResendSender {
	return &ResendSender{
		emails:      resend.NewClient(apiKey).Emails,
		fromAddress: fromAddress,
		product:     product,
	}
}

func (r *ResendSender) SendCode(ctx context.Context, to, code string) error {
	msg := renderVerificationCode(VerificationCodeData{Product: r.product, Code: code})
	resp, err := r.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    r.fromAddress,
		To:      []string{to},
		Subject: msg.Subject,
		Text:    msg.Text,
		Html:    msg.HTML,
	})
	if err != nil {
		return fmt.Errorf("resend: failed to send email: %w", err)
	}
	obs.From(ctx).Info("verification_email_sent", "pkg", "email", "transport", "resend", "to", to, "resend_id", resp.Id)
	return nil
}
