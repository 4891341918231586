package gmail

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/obs"
)

// setupState is echoed back by Google; the pasted-code flow does not check it.
const setupState = "mailcode-setup"

// SetupOptions drives the interactive consent flow.
type SetupOptions struct {
	CredentialsFile string
	Store           TokenStore
	In              io.Reader
	Out             io.Writer

	// Endpoint and HTTPClient override the Gmail API and token exchange
	// transport, for tests.
	Endpoint   string
	HTTPClient *http.Client
}

// Setup prints the consent URL, reads the authorization code the user pastes,
// stores the resulting token, and returns the connected address.
func Setup(ctx context.Context, opts SetupOptions) (string, error) {
	l := obs.Pkg("gmail")
	creds, err := LoadCredentials(opts.CredentialsFile)
	if err != nil {
		return "", err
	}
	conf := creds.OAuthConfig()

	authURL := conf.AuthCodeURL(setupState, oauth2.AccessTypeOffline)
	fmt.Fprintln(opts.Out, "Open this URL in your browser:")
	fmt.Fprintln(opts.Out, authURL)
	fmt.Fprint(opts.Out, "\nAfter allowing access, paste the authorization code: ")

	code, err := readCode(opts.In)
	if err != nil {
		return "", err
	}

	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		l.Error("token_exchange_failed", "error", err)
		return "", errs.Wrap(errs.Unavailable, "authorization code exchange failed", err)
	}
	if tok.RefreshToken == "" {
		l.Warn("token_missing_refresh_token")
	}
	if err := opts.Store.Save(tok); err != nil {
		return "", err
	}
	fmt.Fprintln(opts.Out, "\nToken saved.")

	svcOpts := []option.ClientOption{option.WithHTTPClient(conf.Client(ctx, tok))}
	if opts.Endpoint != "" {
		svcOpts = append(svcOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := gmailapi.NewService(ctx, svcOpts...)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "create gmail client", err)
	}
	address, err := NewSession(svc).EmailAddress(ctx)
	if err != nil {
		return "", errs.Wrap(errs.Unavailable, "gmail profile lookup failed", err)
	}
	fmt.Fprintf(opts.Out, "Connected email: %s\n", address)
	l.Info("gmail_setup_complete", "email", address)
	return address, nil
}

func readCode(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", errs.Wrap(errs.Internal, "read authorization code", err)
	}
	code := strings.TrimSpace(line)
	if code == "" {
		return "", errs.New(errs.InvalidArgument, "authorization code is empty")
	}
	return code, nil
}
