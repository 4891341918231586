package probe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/kuitang/mailcode/internal/email"
	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/verify"
)

const from = "no-reply@checkmate.example"

var t0 = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*verify.FakeClock, *mailbox.MemorySession, *verify.Retriever) {
	t.Helper()
	clock := verify.NewFakeClock(t0)
	box := mailbox.NewMemorySession(clock.Now)
	r := verify.NewRetriever(verify.ConnectorFunc(func(context.Context) (mailbox.Session, error) {
		return box, nil
	}), verify.Options{
		Clock:   clock,
		Sleeper: clock,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, r.Connect(context.Background()))
	return clock, box, r
}

func TestRun_Passes(t *testing.T) {
	t.Parallel()
	clock, box, r := setup(t)
	box.DeliverText(from, "stale code 111111", t0.Add(-time.Minute))
	sender := email.NewMailboxSender(from, box, clock.Now)

	res, err := Run(context.Background(), sender, r, Options{To: "qa@checkmate.example", Sender: from, PurgeFirst: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Purged)
	assert.Equal(t, sender.LastEmail().Code, res.Code)
	assert.Equal(t, 0, box.Len())
}

// wrongSender delivers a different code than it was asked to send.
type wrongSender struct {
	box *mailbox.MemorySession
}

func (w wrongSender) SendCode(_ context.Context, _ string, code string) error {
	w.box.DeliverText(from, "Your verification code: 000000", t0)
	return nil
}

func TestRun_Mismatch(t *testing.T) {
	t.Parallel()
	_, box, r := setup(t)
	// Any code but 000000.
	_, err := Run(context.Background(), wrongSender{box: box}, r, Options{
		To: "qa@checkmate.example", Sender: from, Rand: bytes.NewReader(bytes.Repeat([]byte{0x01}, 64)),
	})
	require.Error(t, err)
	assert.Equal(t, errs.Internal, errs.CodeOf(err))
	assert.True(t, strings.HasPrefix(errs.MessageOf(err), "code mismatch"))
}

type failingSender struct{}

func (failingSender) SendCode(context.Context, string, string) error {
	return errors.New("smtp: 550 relay denied")
}

func TestRun_SendFailure(t *testing.T) {
	t.Parallel()
	_, _, r := setup(t)
	_, err := Run(context.Background(), failingSender{}, r, Options{To: "qa@checkmate.example", Sender: from})
	assert.Equal(t, errs.Unavailable, errs.CodeOf(err))
}

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	_, _, r := setup(t)
	_, err := Run(context.Background(), email.NewMailboxSender(from, mailbox.NewMemorySession(nil), nil), r,
		Options{To: "qa@checkmate.example", Sender: from, MaxWait: 20 * time.Second})
	assert.ErrorIs(t, err, verify.ErrTimeout)
}

func TestRun_RequiresRecipient(t *testing.T) {
	t.Parallel()
	_, _, r := setup(t)
	_, err := Run(context.Background(), failingSender{}, r, Options{})
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func testRandomCode_SixDigits(t *rapid.T) {
	seed := rapid.SliceOfN(rapid.ByteRange(0, 0x0e), 3, 64).Draw(t, "seed")
	code, err := randomCode(bytes.NewReader(seed))
	if err != nil {
		t.Fatalf("randomCode: %v", err)
	}
	if len(code) != 6 || strings.Trim(code, "0123456789") != "" {
		t.Fatalf("not a six digit code: %q", code)
	}
}

func TestRandomCode_SixDigits(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testRandomCode_SixDigits)
}
