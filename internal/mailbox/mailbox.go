// Package mailbox defines the provider-neutral view of a mailbox that the
// verification code retriever polls: messages, queries, and the Session a
// provider adapter (Gmail API, IMAP, mbox file, in-memory) must satisfy.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// ErrMessageNotFound is returned by Get for unknown message ids.
var ErrMessageNotFound = errors.New("mailbox: message not found")

// BodyPart is one leaf of a message body.
type BodyPart struct {
	MimeType string
	Data     string // base64, standard or URL-safe alphabet
}

// Message is a fetched message. It is not modified after a Session returns it.
type Message struct {
	ID        string
	From      string
	Subject   string
	Timestamp time.Time
	Body      string // inline single-part body, base64; empty for multipart messages
	Parts     []BodyPart
}

// Ref identifies a message returned by List.
type Ref struct {
	ID string
}

// Query selects recent messages from one sender.
type Query struct {
	From        string
	NewerThan   time.Duration
	MaxResults  int
	NewestFirst bool
}

// String renders the query in provider-native search syntax,
// e.g. "from:auth@example.com newer_than:2m".
func (q Query) String() string {
	var terms []string
	if from := strings.TrimSpace(q.From); from != "" {
		terms = append(terms, "from:"+from)
	}
	if q.NewerThan > 0 {
		terms = append(terms, fmt.Sprintf("newer_than:%dm", WindowMinutes(q.NewerThan)))
	}
	return strings.Join(terms, " ")
}

// WindowMinutes rounds a recency window up to whole minutes, minimum 1.
func WindowMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	m := int64(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}

// Session is an authenticated handle to one mailbox.
// Implementations are not required to be safe for concurrent use.
type Session interface {
	// List returns refs matching q, newest first when q.NewestFirst is set.
	List(ctx context.Context, q Query) ([]Ref, error)
	// Get fetches a full message.
	Get(ctx context.Context, id string) (*Message, error)
	// Delete removes all ids in one batch.
	Delete(ctx context.Context, ids []string) error
}

// SenderMatches reports whether a From header value belongs to sender.
// The header's address is compared case-insensitively with sender; a bare
// domain matches any address at exactly that domain. An empty sender places
// no constraint.
func SenderMatches(fromHeader, sender string) bool {
	want := strings.ToLower(strings.TrimSpace(sender))
	if want == "" {
		return true
	}
	addr := headerAddress(fromHeader)
	if addr == "" {
		return false
	}
	if strings.Contains(want, "@") {
		return addr == want
	}
	return strings.HasSuffix(addr, "@"+want)
}

// headerAddress returns the lower-cased address of a From header value, or
// "" when it holds none.
func headerAddress(fromHeader string) string {
	fromHeader = strings.TrimSpace(fromHeader)
	if fromHeader == "" {
		return ""
	}
	if a, err := mail.ParseAddress(fromHeader); err == nil {
		return strings.ToLower(a.Address)
	}
	// Tolerate headers net/mail rejects, e.g. unquoted commas in the name.
	if i, j := strings.LastIndex(fromHeader, "<"), strings.LastIndex(fromHeader, ">"); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(fromHeader[i+1 : j]))
	}
	if strings.Contains(fromHeader, "@") && !strings.ContainsAny(fromHeader, " \t") {
		return strings.ToLower(fromHeader)
	}
	return ""
}
