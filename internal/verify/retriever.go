// Package verify retrieves one-time verification codes from a mailbox.
//
// A Retriever connects once, then polls for the newest message from a sender,
// extracts a numeric code from its plain text, and optionally deletes the
// message afterwards. Transient provider failures during a poll are logged and
// treated as "no match yet"; only an exhausted time budget is surfaced.
//
// A Retriever is not safe for concurrent use. Concurrent verification flows
// need their own Retriever and session; note that two flows polling the same
// mailbox for the same sender can still consume each other's codes, since
// the query is scoped only by sender and recency.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/logutil"
	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/obs"
)

const (
	DefaultPollInterval   = 10 * time.Second
	DefaultRecencyWindow  = 2 * time.Minute
	DefaultCandidateLimit = 5
	DefaultPurgeLimit     = 10

	previewChars = 200
)

var (
	// ErrNotConnected is returned when retrieval is attempted before Connect.
	ErrNotConnected = errors.New("no mailbox connection")
	// ErrConnection wraps credential, token, and provider auth failures.
	ErrConnection = errors.New("mailbox connection failed")
	// ErrNoSender is returned when the sender filter is blank.
	ErrNoSender = errors.New("sender is required")
	// ErrTimeout is returned when the wait budget runs out without a code.
	ErrTimeout = errors.New("verification code not found")
)

// Extraction is a code and the message it came from.
type Extraction struct {
	Code      string
	MessageID string
}

// Connector exchanges stored credentials for an authenticated session.
type Connector interface {
	Connect(ctx context.Context) (mailbox.Session, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (mailbox.Session, error)

func (f ConnectorFunc) Connect(ctx context.Context) (mailbox.Session, error) {
	return f(ctx)
}

// Options tunes a Retriever. Zero values take the defaults.
type Options struct {
	PollInterval   time.Duration
	RecencyWindow  time.Duration // window used by the wait operations
	CandidateLimit int
	PurgeLimit     int
	Rules          []Rule
	// HTMLFallback scans text/html parts when a message has no plain text.
	HTMLFallback bool
	Clock        Clock
	Sleeper      Sleeper
	Logger       *slog.Logger
}

// Retriever is the verification code client for one mailbox.
type Retriever struct {
	connector Connector
	session   mailbox.Session
	opts      Options
	logger    *slog.Logger
}

// NewRetriever creates a disconnected Retriever.
func NewRetriever(connector Connector, opts Options) *Retriever {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.RecencyWindow <= 0 {
		opts.RecencyWindow = DefaultRecencyWindow
	}
	if opts.CandidateLimit <= 0 {
		opts.CandidateLimit = DefaultCandidateLimit
	}
	if opts.PurgeLimit <= 0 {
		opts.PurgeLimit = DefaultPurgeLimit
	}
	if len(opts.Rules) == 0 {
		opts.Rules = DefaultRules
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Sleeper == nil {
		opts.Sleeper = realSleeper{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = obs.Pkg("verify")
	}
	return &Retriever{
		connector: connector,
		opts:      opts,
		logger:    logger,
	}
}

// Connect opens the mailbox session. It succeeds at most once per Retriever.
func (r *Retriever) Connect(ctx context.Context) error {
	if r.session != nil {
		return errs.New(errs.FailedPrecondition, "mailbox already connected")
	}
	if r.connector == nil {
		return errs.Wrap(errs.Unavailable, "mailbox connection failed: no connector configured", ErrConnection)
	}
	session, err := r.connector.Connect(ctx)
	if err != nil {
		r.log(ctx).Error("mailbox_connect_failed", "error", err)
		return errs.Wrap(errs.Unavailable, "mailbox connection failed: "+err.Error(), errors.Join(ErrConnection, err))
	}
	if session == nil {
		return errs.Wrap(errs.Unavailable, "mailbox connection failed: connector returned no session", ErrConnection)
	}
	r.session = session
	r.log(ctx).Info("mailbox_connected")
	return nil
}

// Close releases the session when the provider holds a connection open.
// The Retriever stays connected as far as Connected is concerned.
func (r *Retriever) Close() error {
	if c, ok := r.session.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Connected reports whether Connect has succeeded.
func (r *Retriever) Connected() bool {
	return r.session != nil
}

// FindCode performs one lookup for a code from sender within window.
// It returns nil when no candidate yields a code, including when the
// provider call fails; the failure is logged.
func (r *Retriever) FindCode(ctx context.Context, sender string, window time.Duration) (*Extraction, error) {
	if err := r.requireSession(); err != nil {
		return nil, err
	}
	if err := requireSender(sender); err != nil {
		return nil, err
	}
	found, err := r.findCode(ctx, sender, window)
	if err != nil {
		r.log(ctx).Warn("mailbox_read_failed", "error", err)
		return nil, nil
	}
	return found, nil
}

// WaitForCode polls until a code arrives or maxWait is spent.
func (r *Retriever) WaitForCode(ctx context.Context, sender string, maxWait time.Duration) (string, error) {
	found, err := r.poll(ctx, sender, maxWait)
	if err != nil {
		return "", err
	}
	return found.Code, nil
}

// WaitForCodeAndConsume is WaitForCode followed by a best-effort delete of
// the message the code came from. A failed delete does not fail the call.
func (r *Retriever) WaitForCodeAndConsume(ctx context.Context, sender string, maxWait time.Duration) (string, error) {
	found, err := r.poll(ctx, sender, maxWait)
	if err != nil {
		return "", err
	}
	if err := r.session.Delete(ctx, []string{found.MessageID}); err != nil {
		r.log(ctx).Warn("code_message_delete_failed", "message_id", found.MessageID, "error", err)
	} else {
		r.log(ctx).Info("code_message_deleted", "message_id", found.MessageID)
	}
	return found.Code, nil
}

// PurgeRecent deletes up to PurgeLimit recent messages from sender in one
// batch and returns how many were deleted. Finding nothing is not an error.
func (r *Retriever) PurgeRecent(ctx context.Context, sender string, window time.Duration) (int, error) {
	if err := r.requireSession(); err != nil {
		return 0, err
	}
	if err := requireSender(sender); err != nil {
		return 0, err
	}
	q := mailbox.Query{
		From:       sender,
		NewerThan:  window,
		MaxResults: r.opts.PurgeLimit,
	}
	l := r.log(ctx).With("query", q.String())

	refs, err := r.session.List(ctx, q)
	if err != nil {
		l.Warn("purge_list_failed", "error", err)
		return 0, nil
	}
	if len(refs) == 0 {
		l.Info("purge_nothing_to_delete")
		return 0, nil
	}

	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.ID
	}
	if err := r.session.Delete(ctx, ids); err != nil {
		l.Warn("purge_delete_failed", "count", len(ids), "error", err)
		return 0, nil
	}
	l.Info("purge_deleted", "count", len(ids))
	return len(ids), nil
}

// Attempts returns how many lookups a wait of maxWait performs.
func (r *Retriever) Attempts(maxWait time.Duration) int {
	if maxWait <= 0 {
		return 1
	}
	n := int(maxWait / r.opts.PollInterval)
	if maxWait%r.opts.PollInterval != 0 {
		n++
	}
	return n
}

func (r *Retriever) poll(ctx context.Context, sender string, maxWait time.Duration) (*Extraction, error) {
	if err := r.requireSession(); err != nil {
		return nil, err
	}
	if err := requireSender(sender); err != nil {
		return nil, err
	}
	ctx = obs.WithCorrelation(ctx, obs.Correlation{RunID: obs.NewRunID(), Sender: sender})
	l := r.log(ctx)

	attempts := r.Attempts(maxWait)
	l.Info("code_wait_started", "max_wait", maxWait.String(), "attempts", attempts, "interval", r.opts.PollInterval.String())

	for i := 0; i < attempts; i++ {
		found, err := r.findCode(ctx, sender, r.opts.RecencyWindow)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			l.Warn("mailbox_read_failed", "attempt", i+1, "error", err)
		}
		if found != nil {
			l.Info("code_found", "attempt", i+1, "message_id", found.MessageID, "code", found.Code)
			return found, nil
		}

		l.Info("code_not_found_retrying", "attempt", i+1, "attempts", attempts, "retry_in", r.opts.PollInterval.String())
		if err := r.opts.Sleeper.Sleep(ctx, r.opts.PollInterval); err != nil {
			return nil, err
		}
	}

	l.Error("code_wait_timed_out", "max_wait", maxWait.String(), "attempts", attempts)
	return nil, errs.Wrap(errs.DeadlineExceeded, fmt.Sprintf("code not found within %s", maxWait), ErrTimeout)
}

func (r *Retriever) findCode(ctx context.Context, sender string, window time.Duration) (*Extraction, error) {
	q := mailbox.Query{
		From:        sender,
		NewerThan:   window,
		MaxResults:  r.opts.CandidateLimit,
		NewestFirst: true,
	}
	l := r.log(ctx)

	refs, err := r.session.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", q.String(), err)
	}
	l.Debug("mailbox_search", "query", q.String(), "found", len(refs))

	candidates := make([]*mailbox.Message, 0, len(refs))
	for _, ref := range refs {
		msg, err := r.session.Get(ctx, ref.ID)
		if err != nil {
			return nil, fmt.Errorf("get message %s: %w", ref.ID, err)
		}
		candidates = append(candidates, msg)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})

	cutoff := r.opts.Clock.Now().Add(-window)
	for _, msg := range candidates {
		if !mailbox.SenderMatches(msg.From, sender) {
			l.Debug("candidate_skipped_sender", "message_id", msg.ID, "from", msg.From)
			continue
		}
		if window > 0 && !msg.Timestamp.IsZero() && msg.Timestamp.Before(cutoff) {
			l.Debug("candidate_skipped_stale", "message_id", msg.ID, "timestamp", msg.Timestamp.UTC().Format(time.RFC3339))
			continue
		}

		text, err := r.messageText(msg)
		if err != nil {
			return nil, fmt.Errorf("decode message %s: %w", msg.ID, err)
		}
		l.Debug("candidate_text", "message_id", msg.ID, "preview", logutil.TruncateForLog(text, previewChars))

		if code, ok := ExtractCode(text, r.opts.Rules); ok {
			return &Extraction{Code: code, MessageID: msg.ID}, nil
		}
	}
	return nil, nil
}

func (r *Retriever) messageText(msg *mailbox.Message) (string, error) {
	text, err := msg.PlainText()
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" && r.opts.HTMLFallback {
		return msg.HTMLText()
	}
	return text, nil
}

func (r *Retriever) requireSession() error {
	if r.session == nil {
		return errs.Wrap(errs.FailedPrecondition, "no mailbox connection", ErrNotConnected)
	}
	return nil
}

// requireSender rejects a blank sender, which would otherwise match every
// message in the mailbox.
func requireSender(sender string) error {
	if strings.TrimSpace(sender) == "" {
		return errs.Wrap(errs.InvalidArgument, "sender is required", ErrNoSender)
	}
	return nil
}

func (r *Retriever) log(ctx context.Context) *slog.Logger {
	return r.logger.With(obs.Attrs(ctx)...)
}
