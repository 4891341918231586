package email

import (
	"fmt"
	"html"
)

// TemplateVerificationCode is the only message this package sends.
const TemplateVerificationCode = "verification_code"

// VerificationCodeData contains data for verification code emails.
type VerificationCodeData struct {
	Product   string
	Code      string
	ExpiresIn string // e.g., "10 minutes"
}

// Rendered is a fully rendered message.
type Rendered struct {
	Subject string
	Text    string
	HTML    string
}

func renderVerificationCode(data VerificationCodeData) Rendered {
	product := data.Product
	if product == "" {
		product = "mailcode"
	}
	expires := data.ExpiresIn
	if expires == "" {
		expires = "10 minutes"
	}

	text := fmt.Sprintf("Your verification code: %s\n\nThe code expires in %s. If you did not try to sign in to %s, ignore this email.\n",
		data.Code, expires, product)

	return Rendered{
		Subject: fmt.Sprintf("Your %s verification code", product),
		Text:    text,
		HTML:    renderVerificationCodeHTML(product, data.Code, expires),
	}
}

func renderVerificationCodeHTML(product, code, expires string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Your verification code</title>
</head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2 style="margin-top: 0;">Sign in to %s</h2>
    <p>Your verification code:</p>
    <p style="font-size: 28px; font-weight: 700; letter-spacing: 4px;">%s</p>
    <p style="color: #666; font-size: 14px;">The code expires in <strong>%s</strong>.</p>
</body>
</html>`, html.EscapeString(product), html.EscapeString(code), html.EscapeString(expires))
}
