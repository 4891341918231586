package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"

	"github.com/kuitang/mailcode/internal/mailbox"
)

// userMe addresses the mailbox that owns the token.
const userMe = "me"

// Session is a mailbox.Session backed by the Gmail API.
type Session struct {
	svc  *gmailapi.Service
	user string
}

// NewSession wraps an authenticated Gmail service.
func NewSession(svc *gmailapi.Service) *Session {
	return &Session{svc: svc, user: userMe}
}

// List runs a Gmail search. Gmail returns results newest first.
func (s *Session) List(ctx context.Context, q mailbox.Query) ([]mailbox.Ref, error) {
	call := s.svc.Users.Messages.List(s.user).Q(q.String()).Context(ctx)
	if q.MaxResults > 0 {
		call = call.MaxResults(int64(q.MaxResults))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("gmail: list messages: %w", err)
	}
	refs := make([]mailbox.Ref, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.Id == "" {
			continue
		}
		refs = append(refs, mailbox.Ref{ID: m.Id})
	}
	return refs, nil
}

// Get fetches message id in full format and parses its payload.
func (s *Session) Get(ctx context.Context, id string) (*mailbox.Message, error) {
	msg, err := s.svc.Users.Messages.Get(s.user, id).Format("full").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, id)
		}
		return nil, fmt.Errorf("gmail: get message %s: %w", id, err)
	}
	return convertMessage(msg), nil
}

// Delete permanently removes ids. One id uses messages.delete, more use a
// single messages.batchDelete.
func (s *Session) Delete(ctx context.Context, ids []string) error {
	switch len(ids) {
	case 0:
		return nil
	case 1:
		if err := s.svc.Users.Messages.Delete(s.user, ids[0]).Context(ctx).Do(); err != nil {
			return fmt.Errorf("gmail: delete message %s: %w", ids[0], err)
		}
		return nil
	}
	req := &gmailapi.BatchDeleteMessagesRequest{Ids: ids}
	if err := s.svc.Users.Messages.BatchDelete(s.user, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail: batch delete %d messages: %w", len(ids), err)
	}
	return nil
}

// EmailAddress returns the address of the authenticated mailbox.
func (s *Session) EmailAddress(ctx context.Context) (string, error) {
	profile, err := s.svc.Users.GetProfile(s.user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("gmail: get profile: %w", err)
	}
	return profile.EmailAddress, nil
}

func convertMessage(msg *gmailapi.Message) *mailbox.Message {
	out := &mailbox.Message{ID: msg.Id}
	if msg.InternalDate > 0 {
		out.Timestamp = time.UnixMilli(msg.InternalDate).UTC()
	}
	payload := msg.Payload
	if payload == nil {
		return out
	}
	out.From = header(payload.Headers, "From")
	out.Subject = header(payload.Headers, "Subject")

	if len(payload.Parts) == 0 {
		if payload.Body != nil && payload.Body.Data != "" {
			out.Body = payload.Body.Data
			out.Parts = []mailbox.BodyPart{{MimeType: payload.MimeType, Data: payload.Body.Data}}
		}
		return out
	}
	out.Parts = flattenParts(payload.Parts, nil)
	return out
}

// flattenParts collects leaf parts depth-first, in document order.
// Attachments referenced by id carry no inline data and are skipped.
func flattenParts(parts []*gmailapi.MessagePart, acc []mailbox.BodyPart) []mailbox.BodyPart {
	for _, p := range parts {
		if p == nil {
			continue
		}
		if len(p.Parts) > 0 {
			acc = flattenParts(p.Parts, acc)
			continue
		}
		if p.Body == nil || p.Body.Data == "" {
			continue
		}
		acc = append(acc, mailbox.BodyPart{MimeType: p.MimeType, Data: p.Body.Data})
	}
	return acc
}

func header(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if h != nil && strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
