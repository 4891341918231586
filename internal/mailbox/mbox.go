package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-mbox"
)

// ErrReadOnly is returned by sessions that cannot delete.
var ErrReadOnly = errors.New("mailbox: session is read-only")

// MboxSession serves messages from an mbox archive, e.g. mail captured from a
// previous run. Message ids are 1-based positions in the archive. The clock
// used for recency filtering is injectable so archived mail stays "recent"
// in replays.
type MboxSession struct {
	messages []*Message
	now      func() time.Time
}

// OpenMbox reads and parses every message in the mbox file at path.
func OpenMbox(path string, now func() time.Time) (*MboxSession, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mailbox: open mbox: %w", err)
	}
	defer f.Close()
	return ReadMbox(f, now)
}

// ReadMbox parses an mbox stream.
func ReadMbox(r io.Reader, now func() time.Time) (*MboxSession, error) {
	if now == nil {
		now = time.Now
	}
	reader := mbox.NewReader(r)
	s := &MboxSession{now: now}
	for i := 1; ; i++ {
		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("mailbox: read mbox message %d: %w", i, err)
		}
		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("mailbox: read mbox message %d: %w", i, err)
		}
		msg, err := ParseRFC822(strconv.Itoa(i), raw, time.Time{})
		if err != nil {
			return nil, err
		}
		s.messages = append(s.messages, msg)
	}
	return s, nil
}

func (s *MboxSession) List(ctx context.Context, q Query) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := time.Time{}
	if q.NewerThan > 0 {
		cutoff = s.now().Add(-q.NewerThan)
	}

	var matched []*Message
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

func (s *MboxSession) Get(ctx context.Context, id string) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, m := range s.messages {
		if m.ID == id {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
}

func (s *MboxSession) Delete(context.Context, []string) error {
	return ErrReadOnly
}

// Len returns the number of messages in the archive.
func (s *MboxSession) Len() int {
	return len(s.messages)
}
