package logutil

import (
	"net/http"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestFormatHeadersForLog_RedactsAuthorization(t *testing.T) {
	t.Parallel()
	h := http.Header{}
	h.Set("Authorization", "Bearer ya29.secret")
	h.Set("User-Agent", "mailcode")

	got := FormatHeadersForLog(h)
	if strings.Contains(got, "ya29") {
		t.Fatalf("authorization leaked into log text: %q", got)
	}
	if !strings.Contains(got, `user-agent="mailcode"`) {
		t.Fatalf("non-sensitive header missing: %q", got)
	}
	if FormatHeadersForLog(nil) != "{}" {
		t.Fatalf("empty headers should format as {}")
	}
}

func TestRedactValue(t *testing.T) {
	t.Parallel()
	cases := []struct {
		key, value, want string
	}{
		{"GMAIL_TOKEN_FILE", "token.json", "[REDACTED]"},
		{"IMAP_PASS", "hunter2", "[REDACTED]"},
		{"RESEND_API_KEY", "re_123", "[REDACTED]"},
		{"GMAIL_SENDER_EMAIL", "no-reply@example.com", "no-reply@example.com"},
		{"IMAP_PASS", "", ""},
	}
	for _, tc := range cases {
		if got := RedactValue(tc.key, tc.value); got != tc.want {
			t.Fatalf("RedactValue(%q) mismatch: got=%q want=%q", tc.key, got, tc.want)
		}
	}
}

func testTruncateForLog_SingleLineAndBounded(t *rapid.T) {
	value := rapid.StringMatching(`[A-Za-z0-9 \n]{0,400}`).Draw(t, "value")
	maxChars := rapid.IntRange(1, 300).Draw(t, "max")

	got := TruncateForLog(value, maxChars)
	if strings.Contains(got, "\n") {
		t.Fatalf("preview must be single-line: %q", got)
	}
	limit := maxChars + len("... [truncated]")
	if len(got) > limit {
		t.Fatalf("preview too long: len=%d limit=%d", len(got), limit)
	}
}

func TestTruncateForLog_SingleLineAndBounded(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testTruncateForLog_SingleLineAndBounded)
}
