package mailbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemorySession is an in-memory Session for tests and dry runs.
// Fault fields let tests script provider failures.
type MemorySession struct {
	mu       sync.Mutex
	messages []*Message
	now      func() time.Time

	// ListErr, GetErr and DeleteErr, when set, are returned by the matching call.
	ListErr   error
	GetErr    error
	DeleteErr error

	// BeforeList runs (without the lock held) at the start of every List call,
	// with the 1-based call number. Tests use it to deliver mail mid-poll.
	BeforeList func(call int)

	seq         int
	listCalls   int
	getCalls    int
	deleteCalls int
	deleted     []string
}

// NewMemorySession creates an empty session. now drives recency filtering;
// nil means time.Now.
func NewMemorySession(now func() time.Time) *MemorySession {
	if now == nil {
		now = time.Now
	}
	return &MemorySession{now: now}
}

// Deliver adds a message to the mailbox.
func (s *MemorySession) Deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *msg
	cp.Parts = append([]BodyPart(nil), msg.Parts...)
	s.messages = append(s.messages, &cp)
}

// DeliverText adds a single-part plain text message and returns its id.
func (s *MemorySession) DeliverText(from, text string, at time.Time) string {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("mem-%d", s.seq)
	s.mu.Unlock()
	s.Deliver(&Message{
		ID:        id,
		From:      from,
		Timestamp: at,
		Body:      EncodeBody(text),
	})
	return id
}

func (s *MemorySession) List(ctx context.Context, q Query) ([]Ref, error) {
	s.mu.Lock()
	s.listCalls++
	call := s.listCalls
	hook := s.BeforeList
	s.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ListErr != nil {
		return nil, s.ListErr
	}

	cutoff := time.Time{}
	if q.NewerThan > 0 {
		cutoff = s.now().Add(-q.NewerThan)
	}
	matched := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		if !SenderMatches(m.From, q.From) {
			continue
		}
		if !cutoff.IsZero() && m.Timestamp.Before(cutoff) {
			continue
		}
		matched = append(matched, m)
	}
	if q.NewestFirst {
		sort.SliceStable(matched, func(i, j int) bool {
			return matched[i].Timestamp.After(matched[j].Timestamp)
		})
	}
	if q.MaxResults > 0 && len(matched) > q.MaxResults {
		matched = matched[:q.MaxResults]
	}

	refs := make([]Ref, len(matched))
	for i, m := range matched {
		refs[i] = Ref{ID: m.ID}
	}
	return refs, nil
}

func (s *MemorySession) Get(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.GetErr != nil {
		return nil, s.GetErr
	}
	for _, m := range s.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (s *MemorySession) Delete(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteCalls++
	if s.DeleteErr != nil {
		return s.DeleteErr
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.messages[:0]
	for _, m := range s.messages {
		if drop[m.ID] {
			s.deleted = append(s.deleted, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return nil
}

// Len returns the number of messages still in the mailbox.
func (s *MemorySession) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Deleted returns ids removed by Delete, in order.
func (s *MemorySession) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

// ListCalls returns how many times List was called.
func (s *MemorySession) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

// DeleteCalls returns how many times Delete was called.
func (s *MemorySession) DeleteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteCalls
}
