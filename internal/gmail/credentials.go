// Package gmail implements mailbox.Session over the Gmail REST API and the
// installed-app OAuth flow that produces its token.
package gmail

import (
	"encoding/json"
	"errors"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/kuitang/mailcode/internal/errs"
)

// Scopes requested during setup. Permanent deletes (messages.delete and
// messages.batchDelete) need the full mail scope; modify alone only allows
// trashing.
var Scopes = []string{
	gmailapi.GmailReadonlyScope,
	gmailapi.GmailModifyScope,
	gmailapi.GmailComposeScope,
	gmailapi.MailGoogleComScope,
}

// Credentials is the OAuth client downloaded from the Google Cloud console.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthURI      string
	TokenURI     string
}

type clientSection struct {
	ClientID     string   `json:"client_id"`
	ClientSecret string   `json:"client_secret"`
	RedirectURIs []string `json:"redirect_uris"`
	AuthURI      string   `json:"auth_uri"`
	TokenURI     string   `json:"token_uri"`
}

type credentialsFile struct {
	Installed *clientSection `json:"installed"`
	Web       *clientSection `json:"web"`
}

// LoadCredentials reads a credentials.json file.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Credentials{}, errs.Wrap(errs.FailedPrecondition,
				"gmail credentials file not found; download it from the Google Cloud console", err)
		}
		return Credentials{}, errs.Wrap(errs.Internal, "read gmail credentials", err)
	}
	return ParseCredentials(data)
}

// ParseCredentials decodes the "installed" (or "web") client section.
func ParseCredentials(data []byte) (Credentials, error) {
	var f credentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, errs.Wrap(errs.InvalidArgument, "gmail credentials are not valid JSON", err)
	}
	section := f.Installed
	if section == nil {
		section = f.Web
	}
	if section == nil {
		return Credentials{}, errs.New(errs.InvalidArgument, `gmail credentials have no "installed" client`)
	}

	var missing []string
	if strings.TrimSpace(section.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(section.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if len(section.RedirectURIs) == 0 || strings.TrimSpace(section.RedirectURIs[0]) == "" {
		missing = append(missing, "redirect_uris")
	}
	if len(missing) > 0 {
		return Credentials{}, errs.New(errs.InvalidArgument, "gmail credentials missing "+strings.Join(missing, ", "))
	}

	return Credentials{
		ClientID:     section.ClientID,
		ClientSecret: section.ClientSecret,
		RedirectURI:  section.RedirectURIs[0],
		AuthURI:      section.AuthURI,
		TokenURI:     section.TokenURI,
	}, nil
}

// OAuthConfig returns the oauth2 client for these credentials. The Google
// endpoint is used unless the file names its own.
func (c Credentials) OAuthConfig(scopes ...string) *oauth2.Config {
	endpoint := google.Endpoint
	if c.AuthURI != "" {
		endpoint.AuthURL = c.AuthURI
	}
	if c.TokenURI != "" {
		endpoint.TokenURL = c.TokenURI
	}
	if len(scopes) == 0 {
		scopes = Scopes
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}
