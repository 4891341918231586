package gmail

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/obs"
	"github.com/kuitang/mailcode/internal/ratelimit"
)

// Connector turns stored credentials and token into a Gmail Session.
type Connector struct {
	CredentialsFile string
	Store           TokenStore

	// Account keys the rate limiter. Defaults to "me".
	Account string
	Limiter *ratelimit.RateLimiter

	// Endpoint and Transport override the Gmail API base URL and the
	// underlying HTTP transport, for tests.
	Endpoint  string
	Transport http.RoundTripper

	Logger *slog.Logger
}

// Connect loads credentials and token, builds the API client, and verifies
// it with a profile lookup.
func (c *Connector) Connect(ctx context.Context) (mailbox.Session, error) {
	creds, err := LoadCredentials(c.CredentialsFile)
	if err != nil {
		return nil, err
	}
	if c.Store == nil {
		return nil, errs.New(errs.FailedPrecondition, "gmail token store not configured")
	}
	tok, err := c.Store.Load()
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return nil, errs.Wrap(errs.FailedPrecondition, "gmail token not found; run mailcode setup", err)
		}
		return nil, err
	}

	svc, err := c.service(ctx, creds, tok)
	if err != nil {
		return nil, err
	}
	session := NewSession(svc)
	address, err := session.EmailAddress(ctx)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "gmail token rejected", err)
	}
	c.logger().Info("gmail_connected", "email", address)
	return session, nil
}

func (c *Connector) service(ctx context.Context, creds Credentials, tok *oauth2.Token) (*gmailapi.Service, error) {
	base := &http.Client{Transport: c.transport()}
	// The token source outlives Connect, so refreshes must not inherit its
	// cancellation.
	tsCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)

	conf := creds.OAuthConfig()
	ts := oauth2.ReuseTokenSource(tok, newSavingTokenSource(conf.TokenSource(tsCtx, tok), c.Store, tok, c.logger()))
	client := oauth2.NewClient(tsCtx, ts)

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if c.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.Endpoint))
	}
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "create gmail client", err)
	}
	return svc, nil
}

func (c *Connector) transport() http.RoundTripper {
	rt := http.RoundTripper(obs.NewLoggingTransport("gmail", c.Transport))
	if c.Limiter != nil {
		account := c.Account
		if account == "" {
			account = userMe
		}
		rt = ratelimit.NewTransport(c.Limiter, account, rt)
	}
	return rt
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return obs.Pkg("gmail")
}
