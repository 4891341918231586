package mailbox

import (
	"encoding/base64"
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

const (
	mimeTextPlain = "text/plain"
	mimeTextHTML  = "text/html"
)

var htmlStripper = bluemonday.StrictPolicy()

// EncodeBody encodes text the way providers transmit body data.
func EncodeBody(text string) string {
	return base64.URLEncoding.EncodeToString([]byte(text))
}

// DecodeBody decodes base64 body data in either alphabet, padded or not.
func DecodeBody(data string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, data)
	trimmed := strings.TrimRight(cleaned, "=")

	for _, enc := range []*base64.Encoding{base64.RawURLEncoding, base64.RawStdEncoding} {
		b, err := enc.DecodeString(trimmed)
		if err == nil {
			return string(b), nil
		}
	}
	return "", fmt.Errorf("mailbox: body is not valid base64")
}

// PlainText returns the readable text of m: the inline body when present,
// otherwise the concatenation of every text/plain part in order.
func (m *Message) PlainText() (string, error) {
	if m == nil {
		return "", nil
	}
	if m.Body != "" {
		return DecodeBody(m.Body)
	}

	var sb strings.Builder
	for _, p := range m.Parts {
		if !isMime(p.MimeType, mimeTextPlain) || p.Data == "" {
			continue
		}
		text, err := DecodeBody(p.Data)
		if err != nil {
			return "", err
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}

// HTMLText returns the tag-stripped text of every text/html part.
func (m *Message) HTMLText() (string, error) {
	if m == nil {
		return "", nil
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if !isMime(p.MimeType, mimeTextHTML) || p.Data == "" {
			continue
		}
		raw, err := DecodeBody(p.Data)
		if err != nil {
			return "", err
		}
		// Tags are dropped without separators; keep adjacent blocks apart.
		spaced := strings.ReplaceAll(raw, "<", " <")
		sb.WriteString(html.UnescapeString(htmlStripper.Sanitize(spaced)))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func isMime(got, want string) bool {
	base, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(got)), ";")
	return strings.TrimSpace(base) == want
}
