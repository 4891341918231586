package gmail

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"github.com/kuitang/mailcode/internal/crypto"
	"github.com/kuitang/mailcode/internal/errs"
)

// ErrTokenNotFound means setup has not been run for this store.
var ErrTokenNotFound = errors.New("gmail token not found")

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
}

// tokenJSON reads both the Go oauth2 layout ("expiry") and the googleapis
// Node layout ("expiry_date" in milliseconds), and writes both.
type tokenJSON struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Scope        string     `json:"scope,omitempty"`
	Expiry       *time.Time `json:"expiry,omitempty"`
	ExpiryDate   int64      `json:"expiry_date,omitempty"`
}

func decodeToken(data []byte) (*oauth2.Token, error) {
	var raw tokenJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "gmail token is not valid JSON", err)
	}
	if raw.AccessToken == "" && raw.RefreshToken == "" {
		return nil, errs.New(errs.InvalidArgument, "gmail token has neither access nor refresh token")
	}
	tok := &oauth2.Token{
		AccessToken:  raw.AccessToken,
		TokenType:    raw.TokenType,
		RefreshToken: raw.RefreshToken,
	}
	switch {
	case raw.Expiry != nil && !raw.Expiry.IsZero():
		tok.Expiry = *raw.Expiry
	case raw.ExpiryDate > 0:
		tok.Expiry = time.UnixMilli(raw.ExpiryDate)
	}
	if raw.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": raw.Scope})
	}
	return tok, nil
}

func encodeToken(tok *oauth2.Token) ([]byte, error) {
	raw := tokenJSON{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		raw.Scope = scope
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry.UTC()
		raw.Expiry = &expiry
		raw.ExpiryDate = tok.Expiry.UnixMilli()
	}
	return json.MarshalIndent(raw, "", "  ")
}

// FileTokenStore keeps the token in a JSON file (token.json by default).
type FileTokenStore struct {
	Path string
}

func (s FileTokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTokenNotFound
		}
		return nil, errs.Wrap(errs.Internal, "read gmail token", err)
	}
	return decodeToken(data)
}

// Save writes the token with owner-only permissions, replacing the file
// atomically.
func (s FileTokenStore) Save(tok *oauth2.Token) error {
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.Path, data)
}

// SealedFileTokenStore is a FileTokenStore whose contents are encrypted
// with a key derived from Passphrase.
type SealedFileTokenStore struct {
	Path       string
	Passphrase string
}

const sealedTokenPurpose = "mailcode gmail-token:v1"

func (s SealedFileTokenStore) key() ([]byte, error) {
	key, err := crypto.DeriveKey([]byte(s.Passphrase), sealedTokenPurpose)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "gmail token passphrase is too short", err)
	}
	return key, nil
}

func (s SealedFileTokenStore) Load() (*oauth2.Token, error) {
	key, err := s.key()
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrTokenNotFound
		}
		return nil, errs.Wrap(errs.Internal, "read gmail token", err)
	}
	data, err := crypto.Open(key, sealed)
	if err != nil {
		return nil, errs.Wrap(errs.FailedPrecondition, "gmail token could not be decrypted; check GMAIL_TOKEN_PASSPHRASE", err)
	}
	return decodeToken(data)
}

func (s SealedFileTokenStore) Save(tok *oauth2.Token) error {
	key, err := s.key()
	if err != nil {
		return err
	}
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}
	sealed, err := crypto.Seal(key, data)
	if err != nil {
		return errs.Wrap(errs.Internal, "encrypt gmail token", err)
	}
	return writeFileAtomic(s.Path, sealed)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".token-*")
	if err != nil {
		return errs.Wrap(errs.Internal, "write gmail token", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Internal, "write gmail token", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return errs.Wrap(errs.Internal, "write gmail token", err)
	}
	if err := tmp.Close(); err != nil {
		return errs.Wrap(errs.Internal, "write gmail token", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errs.Wrap(errs.Internal, "write gmail token", err)
	}
	return nil
}

// KeyringTokenStore keeps the token in the OS keychain.
type KeyringTokenStore struct {
	Service string
	User    string
}

func (s KeyringTokenStore) Load() (*oauth2.Token, error) {
	secret, err := keyring.Get(s.Service, s.User)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrTokenNotFound
		}
		return nil, errs.Wrap(errs.Unavailable, "read gmail token from keyring", err)
	}
	return decodeToken([]byte(secret))
}

func (s KeyringTokenStore) Save(tok *oauth2.Token) error {
	data, err := encodeToken(tok)
	if err != nil {
		return err
	}
	if err := keyring.Set(s.Service, s.User, string(data)); err != nil {
		return errs.Wrap(errs.Unavailable, "write gmail token to keyring", err)
	}
	return nil
}

// savingTokenSource writes every newly minted access token back to the store
// so the next run starts from a fresh token.
type savingTokenSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func newSavingTokenSource(base oauth2.TokenSource, store TokenStore, initial *oauth2.Token, logger *slog.Logger) *savingTokenSource {
	s := &savingTokenSource{base: base, store: store, logger: logger}
	if initial != nil {
		s.last = initial.AccessToken
	}
	return s
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken == s.last {
		return tok, nil
	}
	s.last = tok.AccessToken
	if err := s.store.Save(tok); err != nil {
		s.logger.Warn("token_save_failed", "error", err)
	} else {
		s.logger.Info("token_refreshed", "expiry", tok.Expiry.UTC().Format(time.RFC3339))
	}
	return tok, nil
}
