// Package imapbox implements mailbox.Session over IMAP for mailboxes that are
// not reachable through the Gmail API.
package imapbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/obs"
	"github.com/kuitang/mailcode/internal/ratelimit"
)

// Options configures the IMAP connection.
type Options struct {
	Host               string
	Port               int
	UseTLS             bool
	InsecureSkipVerify bool
	Username           string
	Password           string
	Mailbox            string // defaults to INBOX

	Limiter *ratelimit.RateLimiter
	Now     func() time.Time
	Logger  *slog.Logger
}

// Connector dials, logs in, and selects the mailbox.
type Connector struct {
	Options Options
}

// NewConnector returns a Connector for opts.
func NewConnector(opts Options) *Connector {
	return &Connector{Options: opts}
}

func (c *Connector) Connect(ctx context.Context) (mailbox.Session, error) {
	opts := c.Options
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = obs.Pkg("imapbox")
	}
	if opts.Host == "" {
		return nil, errs.New(errs.FailedPrecondition, "imap host not configured")
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	clientOpts := &imapclient.Options{}
	if opts.UseTLS {
		clientOpts.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)
	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, clientOpts)
	} else {
		client, err = imapclient.DialInsecure(address, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	// Abort a hung login if the caller gives up.
	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stopClose()

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	if _, err := client.Select(opts.Mailbox, nil).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap select %s: %w", opts.Mailbox, err)
	}

	opts.Logger.Info("imap_connected", "address", address, "user", opts.Username, "mailbox", opts.Mailbox, "tls", opts.UseTLS)
	return &Session{client: client, opts: opts}, nil
}

// Session is a selected IMAP mailbox. Message ids are decimal UIDs.
type Session struct {
	client *imapclient.Client
	opts   Options
}

// List returns refs for messages matching q, newest first.
func (s *Session) List(ctx context.Context, q mailbox.Query) ([]mailbox.Ref, error) {
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	data, err := s.client.UIDSearch(searchCriteria(q, now), nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	msgs, err := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch dates: %w", err)
	}
	dated := make([]datedUID, 0, len(msgs))
	for _, m := range msgs {
		dated = append(dated, datedUID{UID: m.UID, At: m.InternalDate})
	}
	return selectRecent(dated, q, now), nil
}

func (s *Session) Get(ctx context.Context, id string) (*mailbox.Message, error) {
	uids, err := parseUIDs([]string{id})
	if err != nil {
		return nil, err
	}
	if err := s.gate(ctx); err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch %s: %w", id, err)
	}
	if len(msgs) == 0 {
		return nil, fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, id)
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("imap fetch %s: no body returned", id)
	}
	return mailbox.ParseRFC822(id, raw, msgs[0].InternalDate)
}

// Delete flags ids \Deleted and expunges them. With UIDPLUS only those UIDs
// are expunged; otherwise every \Deleted message in the mailbox goes.
func (s *Session) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	uids, err := parseUIDs(ids)
	if err != nil {
		return err
	}
	if err := s.gate(ctx); err != nil {
		return err
	}
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	set := imap.UIDSetNum(uids...)
	if err := s.client.Store(set, store, nil).Close(); err != nil {
		return fmt.Errorf("imap store \\Deleted: %w", err)
	}
	var expunge *imapclient.ExpungeCommand
	if uidExpunge(s.client.Caps()) {
		expunge = s.client.UIDExpunge(set)
	} else {
		s.opts.Logger.Warn("imap_uidplus_missing", "count", len(uids))
		expunge = s.client.Expunge()
	}
	if err := expunge.Close(); err != nil {
		return fmt.Errorf("imap expunge: %w", err)
	}
	return nil
}

func uidExpunge(caps imap.CapSet) bool {
	return caps.Has(imap.CapUIDPlus)
}

// Close logs out and closes the connection.
func (s *Session) Close() error {
	if err := s.client.Logout().Wait(); err != nil {
		s.opts.Logger.Warn("imap_logout_failed", "error", err)
	}
	return s.client.Close()
}

func (s *Session) gate(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.opts.Limiter != nil {
		return s.opts.Limiter.Wait(ctx, s.opts.Username)
	}
	return nil
}

type datedUID struct {
	UID imap.UID
	At  time.Time
}

// searchCriteria builds FROM and SINCE terms. SINCE has day granularity, so
// the exact window is applied afterwards by selectRecent.
func searchCriteria(q mailbox.Query, now time.Time) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{}
	if q.From != "" {
		criteria.Header = []imap.SearchCriteriaHeaderField{{Key: "From", Value: q.From}}
	}
	if q.NewerThan > 0 {
		since := now.Add(-q.NewerThan).UTC()
		criteria.Since = time.Date(since.Year(), since.Month(), since.Day(), 0, 0, 0, 0, time.UTC)
	}
	return criteria
}

// selectRecent applies the recency window, ordering, and result cap.
// Without NewestFirst, results keep ascending UID order.
func selectRecent(items []datedUID, q mailbox.Query, now time.Time) []mailbox.Ref {
	kept := make([]datedUID, 0, len(items))
	for _, it := range items {
		if q.NewerThan > 0 && it.At.Before(now.Add(-q.NewerThan)) {
			continue
		}
		kept = append(kept, it)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if q.NewestFirst {
			if !kept[i].At.Equal(kept[j].At) {
				return kept[i].At.After(kept[j].At)
			}
			return kept[i].UID > kept[j].UID
		}
		return kept[i].UID < kept[j].UID
	})
	if q.MaxResults > 0 && len(kept) > q.MaxResults {
		kept = kept[:q.MaxResults]
	}
	refs := make([]mailbox.Ref, len(kept))
	for i, it := range kept {
		refs[i] = mailbox.Ref{ID: strconv.FormatUint(uint64(it.UID), 10)}
	}
	return refs
}

func parseUIDs(ids []string) ([]imap.UID, error) {
	uids := make([]imap.UID, 0, len(ids))
	for _, id := range ids {
		n, err := strconv.ParseUint(id, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("%w: %q is not an IMAP UID", mailbox.ErrMessageNotFound, id)
		}
		uids = append(uids, imap.UID(n))
	}
	return uids, nil
}
