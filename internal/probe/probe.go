// Package probe runs an end-to-end self-test of a mailbox: it sends a fresh
// code to the test address and waits for the retriever to read it back.
package probe

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/kuitang/mailcode/internal/email"
	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/obs"
	"github.com/kuitang/mailcode/internal/verify"
)

// Options configures a probe run.
type Options struct {
	To      string        // address of the mailbox under test
	Sender  string        // address the code is sent from
	MaxWait time.Duration // defaults to one minute
	// PurgeFirst deletes leftover codes from Sender before sending.
	PurgeFirst bool
	// Rand supplies randomness for the code; crypto/rand when nil.
	Rand io.Reader
}

// Result reports a successful probe.
type Result struct {
	Code    string
	Purged  int
	Elapsed time.Duration
}

// Run sends a random six-digit code through s and retrieves it with r,
// consuming the message. r must already be connected.
func Run(ctx context.Context, s email.Sender, r *verify.Retriever, opts Options) (*Result, error) {
	if opts.To == "" {
		return nil, errs.New(errs.InvalidArgument, "probe recipient is required")
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = time.Minute
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: obs.NewRunID(), Sender: opts.Sender})
	l := obs.From(ctx).With("pkg", "probe")
	start := time.Now()

	want, err := randomCode(opts.Rand)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "generate probe code", err)
	}

	res := &Result{}
	if opts.PurgeFirst {
		n, err := r.PurgeRecent(ctx, opts.Sender, verify.DefaultRecencyWindow)
		if err != nil {
			return nil, err
		}
		res.Purged = n
	}

	if err := s.SendCode(ctx, opts.To, want); err != nil {
		l.Error("probe_send_failed", "error", err)
		return nil, errs.Wrap(errs.Unavailable, "probe email could not be sent", err)
	}
	l.Info("probe_sent", "to", opts.To)

	got, err := r.WaitForCodeAndConsume(ctx, opts.Sender, opts.MaxWait)
	if err != nil {
		return nil, err
	}
	if got != want {
		l.Error("probe_code_mismatch", "want", want, "got", got)
		return nil, errs.New(errs.Internal, fmt.Sprintf("code mismatch: sent %s, read %s", want, got))
	}

	res.Code = got
	res.Elapsed = time.Since(start)
	l.Info("probe_passed", "elapsed_ms", res.Elapsed.Milliseconds())
	return res, nil
}

func randomCode(r io.Reader) (string, error) {
	n, err := rand.Int(r, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
