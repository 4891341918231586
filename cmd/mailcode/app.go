package main

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/kuitang/mailcode/internal/config"
	"github.com/kuitang/mailcode/internal/email"
	"github.com/kuitang/mailcode/internal/errs"
	"github.com/kuitang/mailcode/internal/gmail"
	"github.com/kuitang/mailcode/internal/imapbox"
	"github.com/kuitang/mailcode/internal/mailbox"
	"github.com/kuitang/mailcode/internal/obs"
	"github.com/kuitang/mailcode/internal/ratelimit"
	"github.com/kuitang/mailcode/internal/s3client"
	"github.com/kuitang/mailcode/internal/verify"
)

const keyringService = "mailcode"

// app is the wiring shared by every subcommand.
type app struct {
	cfg     *config.Config
	limiter *ratelimit.RateLimiter
}

func loadApp(opts *rootOptions) (*app, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err.Error(), err)
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err.Error(), err)
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	obs.SetLevel(level)

	limitCfg := cfg.RateLimitConfig
	// A CLI run is short-lived; no idle cleanup goroutine.
	limitCfg.CleanupInterval = 0
	return &app{cfg: cfg, limiter: ratelimit.NewRateLimiter(limitCfg)}, nil
}

func (a *app) close() {
	a.limiter.Stop()
}

// sender resolves the sender filter; an empty filter would match every message.
func (a *app) sender(opts *rootOptions) (string, error) {
	if s := strings.TrimSpace(opts.sender); s != "" {
		return s, nil
	}
	if s := strings.TrimSpace(a.cfg.SenderEmail); s != "" {
		return s, nil
	}
	return "", errs.New(errs.InvalidArgument, "sender is required: pass --sender or set GMAIL_SENDER_EMAIL")
}

func (a *app) tokenStore() gmail.TokenStore {
	switch a.cfg.GmailTokenStore {
	case config.TokenStoreKeyring:
		return gmail.KeyringTokenStore{Service: keyringService, User: a.cfg.GmailAccount}
	case config.TokenStoreSealed:
		return gmail.SealedFileTokenStore{Path: a.cfg.GmailTokenFile, Passphrase: a.cfg.GmailTokenPassphrase}
	default:
		return gmail.FileTokenStore{Path: a.cfg.GmailTokenFile}
	}
}

func (a *app) connector() verify.Connector {
	switch a.cfg.Provider {
	case config.ProviderIMAP:
		return imapbox.NewConnector(imapbox.Options{
			Host:               a.cfg.IMAPHost,
			Port:               a.cfg.IMAPPort,
			UseTLS:             a.cfg.IMAPTLS,
			InsecureSkipVerify: a.cfg.IMAPInsecureSkipVerify,
			Username:           a.cfg.IMAPUsername,
			Password:           a.cfg.IMAPPassword,
			Mailbox:            a.cfg.IMAPMailbox,
			Limiter:            a.limiter,
		})
	case config.ProviderMbox:
		return verify.ConnectorFunc(a.openMbox)
	default:
		return &gmail.Connector{
			CredentialsFile: a.cfg.GmailCredentialsFile,
			Store:           a.tokenStore(),
			Account:         a.cfg.GmailAccount,
			Limiter:         a.limiter,
		}
	}
}

// openMbox loads the archive from disk or, for s3:// paths, object storage.
func (a *app) openMbox(ctx context.Context) (mailbox.Session, error) {
	path := a.cfg.MboxPath
	if !s3client.IsURL(path) {
		s, err := mailbox.OpenMbox(path, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	loc, err := s3client.ParseURL(path)
	if err != nil {
		return nil, err
	}
	client, err := s3client.New(ctx, s3client.Config{
		Endpoint:        a.cfg.S3Endpoint,
		Region:          a.cfg.S3Region,
		AccessKeyID:     a.cfg.S3AccessKeyID,
		SecretAccessKey: a.cfg.S3SecretAccessKey,
		BucketName:      loc.Bucket,
		UsePathStyle:    a.cfg.S3UsePathStyle,
	})
	if err != nil {
		return nil, err
	}
	data, err := client.GetObject(ctx, loc.Key)
	if err != nil {
		return nil, err
	}
	s, err := mailbox.ReadMbox(bytes.NewReader(data), nil)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// retriever returns a connected Retriever for the configured provider.
func (a *app) retriever(ctx context.Context) (*verify.Retriever, error) {
	ctx = obs.WithCorrelation(ctx, obs.Correlation{Provider: string(a.cfg.Provider)})
	r := verify.NewRetriever(a.connector(), verify.Options{
		PollInterval:  a.cfg.PollInterval,
		RecencyWindow: a.cfg.RecencyWindow,
		HTMLFallback:  a.cfg.HTMLFallback,
	})
	if err := r.Connect(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (a *app) emailSender() (email.Sender, error) {
	const product = "mailcode self-test"
	switch a.cfg.EmailTransport {
	case config.TransportResend:
		return email.NewResendSender(a.cfg.ResendAPIKey, a.cfg.ResendFromEmail, product), nil
	case config.TransportSMTP:
		return email.NewSMTPSender(a.cfg.SMTPHost, a.cfg.SMTPPort, a.cfg.SMTPUsername, a.cfg.SMTPPassword, a.cfg.SMTPFromEmail, product), nil
	default:
		return nil, errs.New(errs.FailedPrecondition, "no email transport configured: set RESEND_API_KEY or SMTP_HOST")
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}
