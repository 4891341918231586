package imapbox

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/mailbox"
)

var now = time.Date(2026, 10, 19, 0, 1, 0, 0, time.UTC)

func TestSearchCriteria(t *testing.T) {
	t.Parallel()
	c := searchCriteria(mailbox.Query{From: "auth@checkmate.example", NewerThan: 2 * time.Minute}, now)
	require.Len(t, c.Header, 1)
	assert.Equal(t, imap.SearchCriteriaHeaderField{Key: "From", Value: "auth@checkmate.example"}, c.Header[0])
	// Two minutes before 00:01 is the previous day.
	assert.Equal(t, time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC), c.Since)

	empty := searchCriteria(mailbox.Query{}, now)
	assert.Empty(t, empty.Header)
	assert.True(t, empty.Since.IsZero())
}

func TestSelectRecent(t *testing.T) {
	t.Parallel()
	items := []datedUID{
		{UID: 10, At: now.Add(-10 * time.Minute)},
		{UID: 11, At: now.Add(-90 * time.Second)},
		{UID: 12, At: now.Add(-30 * time.Second)},
		{UID: 13, At: now.Add(-30 * time.Second)},
	}
	newest := selectRecent(items, mailbox.Query{NewerThan: 2 * time.Minute, NewestFirst: true, MaxResults: 2}, now)
	assert.Equal(t, []mailbox.Ref{{ID: "13"}, {ID: "12"}}, newest)

	ascending := selectRecent(items, mailbox.Query{NewerThan: 2 * time.Minute}, now)
	assert.Equal(t, []mailbox.Ref{{ID: "11"}, {ID: "12"}, {ID: "13"}}, ascending)
}

func testSelectRecent_WithinWindowAndCap(t *rapid.T) {
	n := rapid.IntRange(0, 30).Draw(t, "n")
	items := make([]datedUID, n)
	for i := range items {
		age := time.Duration(rapid.IntRange(0, 600).Draw(t, "age")) * time.Second
		items[i] = datedUID{UID: imap.UID(i + 1), At: now.Add(-age)}
	}
	q := mailbox.Query{
		NewerThan:   time.Duration(rapid.IntRange(1, 10).Draw(t, "minutes")) * time.Minute,
		MaxResults:  rapid.IntRange(0, 10).Draw(t, "max"),
		NewestFirst: true,
	}
	refs := selectRecent(items, q, now)
	if q.MaxResults > 0 && len(refs) > q.MaxResults {
		t.Fatalf("cap exceeded: got=%d want<=%d", len(refs), q.MaxResults)
	}
	byID := map[string]time.Time{}
	for _, it := range items {
		byID[strconv.FormatUint(uint64(it.UID), 10)] = it.At
	}
	var prev time.Time
	for i, r := range refs {
		at := byID[r.ID]
		if at.Before(now.Add(-q.NewerThan)) {
			t.Fatalf("ref %s outside window", r.ID)
		}
		if i > 0 && at.After(prev) {
			t.Fatalf("refs not newest first at %d", i)
		}
		prev = at
	}
}

func TestSelectRecent_WithinWindowAndCap(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testSelectRecent_WithinWindowAndCap)
}

func TestParseUIDs(t *testing.T) {
	t.Parallel()
	uids, err := parseUIDs([]string{"1", "4294967295"})
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{1, 4294967295}, uids)

	for _, bad := range []string{"0", "-1", "abc", "4294967296", ""} {
		_, err := parseUIDs([]string{bad})
		assert.ErrorIs(t, err, mailbox.ErrMessageNotFound, bad)
	}
}

func TestUIDExpunge_OnlyWithUIDPlus(t *testing.T) {
	assert.True(t, uidExpunge(imap.CapSet{imap.CapIMAP4rev1: {}, imap.CapUIDPlus: {}}))
	assert.False(t, uidExpunge(imap.CapSet{imap.CapIMAP4rev1: {}}))
	assert.False(t, uidExpunge(nil))
}

func TestConnect_RequiresHost(t *testing.T) {
	t.Parallel()
	_, err := NewConnector(Options{}).Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.FailedPrecondition, errs.CodeOf(err))
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	_, err := NewConnector(Options{Host: "127.0.0.1", Port: 1}).Connect(context.Background())
	require.Error(t, err)
	var coded *errs.Error
	assert.False(t, errors.As(err, &coded), "dial errors stay untyped so the retriever reports a connection failure")
}
