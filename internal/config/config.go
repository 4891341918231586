// Package config loads mailcode configuration from environment variables,
// optionally seeded from a .env file, and validates it. Defaults suit a local
// e2e setup: credentials.json, token.json and a one minute wait.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/kuitang/mailcode/internal/crypto"
	"github.com/kuitang/mailcode/internal/logutil"
	"github.com/kuitang/mailcode/internal/ratelimit"
	"github.com/kuitang/mailcode/internal/s3client"
)

// Provider selects the mailbox backend.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
	ProviderMbox  Provider = "mbox"
)

// Token store kinds for the Gmail provider.
const (
	TokenStoreFile    = "file"
	TokenStoreSealed  = "sealed-file"
	TokenStoreKeyring = "keyring"
)

// Email transports for the self-test.
const (
	TransportResend = "resend"
	TransportSMTP   = "smtp"
)

// Config holds all application configuration.
type Config struct {
	Provider Provider `env:"MAILBOX_PROVIDER"`
	LogLevel string   `env:"LOG_LEVEL"`

	// Retrieval
	SenderEmail   string        `env:"GMAIL_SENDER_EMAIL" validate:"omitempty,email"`
	WaitMinutes   int           `env:"CODE_WAIT_MINUTES"`
	RecencyWindow time.Duration `env:"CODE_RECENCY_MINUTES"`
	PollInterval  time.Duration `env:"CODE_POLL_INTERVAL"`
	HTMLFallback  bool          `env:"CODE_HTML_FALLBACK"`

	// Gmail API
	GmailCredentialsFile string `env:"GMAIL_CREDENTIALS_FILE"`
	GmailTokenFile       string `env:"GMAIL_TOKEN_FILE"`
	GmailTokenStore      string `env:"GMAIL_TOKEN_STORE"`
	GmailTokenPassphrase string `env:"GMAIL_TOKEN_PASSPHRASE"`
	GmailAccount         string `env:"GMAIL_ACCOUNT" validate:"omitempty,email"`

	RateLimitConfig ratelimit.Config

	// IMAP
	IMAPHost               string `env:"IMAP_HOST" validate:"omitempty,hostname|ip"`
	IMAPPort               int    `env:"IMAP_PORT"`
	IMAPUsername           string `env:"IMAP_USERNAME"`
	IMAPPassword           string `env:"IMAP_PASSWORD"`
	IMAPMailbox            string `env:"IMAP_MAILBOX"`
	IMAPTLS                bool   `env:"IMAP_TLS"`
	IMAPInsecureSkipVerify bool   `env:"IMAP_INSECURE_SKIP_VERIFY"`

	// mbox replay; MboxPath may be an s3://bucket/key URL
	MboxPath          string `env:"MBOX_PATH"`
	S3Endpoint        string `env:"S3_ENDPOINT" validate:"omitempty,url"`
	S3Region          string `env:"S3_REGION"`
	S3AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `env:"S3_USE_PATH_STYLE"`

	// Self-test
	TestEmail       string `env:"TEST_EMAIL" validate:"omitempty,email"`
	EmailTransport  string `env:"EMAIL_TRANSPORT"`
	ResendAPIKey    string `env:"RESEND_API_KEY"`
	ResendFromEmail string `env:"RESEND_FROM_EMAIL" validate:"omitempty,email"`
	SMTPHost        string `env:"SMTP_HOST" validate:"omitempty,hostname|ip"`
	SMTPPort        int    `env:"SMTP_PORT"`
	SMTPUsername    string `env:"SMTP_USERNAME"`
	SMTPPassword    string `env:"SMTP_PASSWORD"`
	SMTPFromEmail   string `env:"SMTP_FROM_EMAIL" validate:"omitempty,email"`
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// LoadDotEnv loads key=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is fine.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig loads configuration from environment variables and validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Provider = Provider(strings.ToLower(getEnvOrDefault("MAILBOX_PROVIDER", string(ProviderGmail))))
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Retrieval
	cfg.SenderEmail = getEnvOrDefault("GMAIL_SENDER_EMAIL", "")
	cfg.WaitMinutes = parseIntOrDefault("CODE_WAIT_MINUTES", 1)
	cfg.RecencyWindow = time.Duration(parseIntOrDefault("CODE_RECENCY_MINUTES", 2)) * time.Minute
	cfg.PollInterval = parseDurationOrDefault("CODE_POLL_INTERVAL", 10*time.Second)
	cfg.HTMLFallback = parseBoolOrDefault("CODE_HTML_FALLBACK", false)

	// Gmail API
	cfg.GmailCredentialsFile = getEnvOrDefault("GMAIL_CREDENTIALS_FILE", "credentials.json")
	cfg.GmailTokenFile = getEnvOrDefault("GMAIL_TOKEN_FILE", "token.json")
	cfg.GmailTokenStore = strings.ToLower(getEnvOrDefault("GMAIL_TOKEN_STORE", TokenStoreFile))
	cfg.GmailTokenPassphrase = os.Getenv("GMAIL_TOKEN_PASSPHRASE")
	cfg.GmailAccount = getEnvOrDefault("GMAIL_ACCOUNT", "")

	cfg.RateLimitConfig = ratelimit.Config{
		RPS:             parseFloat64OrDefault("PROVIDER_RATE_LIMIT_RPS", ratelimit.DefaultConfig.RPS),
		Burst:           parseIntOrDefault("PROVIDER_RATE_LIMIT_BURST", ratelimit.DefaultConfig.Burst),
		CleanupInterval: ratelimit.DefaultConfig.CleanupInterval,
	}

	// IMAP
	cfg.IMAPHost = getEnvOrDefault("IMAP_HOST", "")
	cfg.IMAPTLS = parseBoolOrDefault("IMAP_TLS", true)
	defaultIMAPPort := 993
	if !cfg.IMAPTLS {
		defaultIMAPPort = 143
	}
	cfg.IMAPPort = parseIntOrDefault("IMAP_PORT", defaultIMAPPort)
	cfg.IMAPUsername = getEnvOrDefault("IMAP_USERNAME", "")
	cfg.IMAPPassword = os.Getenv("IMAP_PASSWORD")
	cfg.IMAPMailbox = getEnvOrDefault("IMAP_MAILBOX", "INBOX")
	cfg.IMAPInsecureSkipVerify = parseBoolOrDefault("IMAP_INSECURE_SKIP_VERIFY", false)

	cfg.MboxPath = getEnvOrDefault("MBOX_PATH", "")
	cfg.S3Endpoint = getEnvOrDefault("S3_ENDPOINT", "")
	cfg.S3Region = getEnvOrDefault("S3_REGION", "us-east-1")
	cfg.S3AccessKeyID = getEnvOrDefault("S3_ACCESS_KEY_ID", "")
	cfg.S3SecretAccessKey = os.Getenv("S3_SECRET_ACCESS_KEY")
	cfg.S3UsePathStyle = parseBoolOrDefault("S3_USE_PATH_STYLE", false)

	// Self-test
	cfg.TestEmail = getEnvOrDefault("TEST_EMAIL", "")
	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.ResendFromEmail = getEnvOrDefault("RESEND_FROM_EMAIL", "")
	cfg.SMTPHost = getEnvOrDefault("SMTP_HOST", "")
	cfg.SMTPPort = parseIntOrDefault("SMTP_PORT", 587)
	cfg.SMTPUsername = getEnvOrDefault("SMTP_USERNAME", "")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFromEmail = getEnvOrDefault("SMTP_FROM_EMAIL", "")
	cfg.EmailTransport = strings.ToLower(getEnvOrDefault("EMAIL_TRANSPORT", ""))
	if cfg.EmailTransport == "" {
		switch {
		case cfg.ResendAPIKey != "":
			cfg.EmailTransport = TransportResend
		case cfg.SMTPHost != "":
			cfg.EmailTransport = TransportSMTP
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MaxWait returns the wait budget for the wait operations.
func (c *Config) MaxWait() time.Duration {
	return time.Duration(c.WaitMinutes) * time.Minute
}

// SelfTestFrom returns the address the self-test sends from.
func (c *Config) SelfTestFrom() string {
	if c.EmailTransport == TransportSMTP {
		return c.SMTPFromEmail
	}
	return c.ResendFromEmail
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("env"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// Validate checks that the configuration for the selected provider is
// present and well formed. All problems are reported together.
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	if c.WaitMinutes <= 0 {
		errs = append(errs, "CODE_WAIT_MINUTES must be positive")
	}
	if c.RecencyWindow <= 0 {
		errs = append(errs, "CODE_RECENCY_MINUTES must be positive")
	}
	if c.PollInterval <= 0 {
		errs = append(errs, "CODE_POLL_INTERVAL must be a positive duration (e.g. 10s)")
	}
	if c.RateLimitConfig.RPS <= 0 {
		errs = append(errs, "PROVIDER_RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitConfig.Burst <= 0 {
		errs = append(errs, "PROVIDER_RATE_LIMIT_BURST must be positive")
	}

	switch c.Provider {
	case ProviderGmail:
		if c.GmailCredentialsFile == "" {
			errs = append(errs, "GMAIL_CREDENTIALS_FILE is required")
		}
		switch c.GmailTokenStore {
		case TokenStoreFile:
			if c.GmailTokenFile == "" {
				errs = append(errs, "GMAIL_TOKEN_FILE is required when GMAIL_TOKEN_STORE=file")
			}
		case TokenStoreSealed:
			if c.GmailTokenFile == "" {
				errs = append(errs, "GMAIL_TOKEN_FILE is required when GMAIL_TOKEN_STORE=sealed-file")
			}
			if len(c.GmailTokenPassphrase) < crypto.MinMasterKeySize {
				errs = append(errs, fmt.Sprintf("GMAIL_TOKEN_PASSPHRASE must be at least %d characters when GMAIL_TOKEN_STORE=sealed-file", crypto.MinMasterKeySize))
			}
		case TokenStoreKeyring:
			if c.GmailAccount == "" {
				errs = append(errs, "GMAIL_ACCOUNT is required when GMAIL_TOKEN_STORE=keyring")
			}
		default:
			errs = append(errs, fmt.Sprintf("GMAIL_TOKEN_STORE must be %q, %q or %q", TokenStoreFile, TokenStoreSealed, TokenStoreKeyring))
		}
	case ProviderIMAP:
		if c.IMAPHost == "" {
			errs = append(errs, "IMAP_HOST is required when MAILBOX_PROVIDER=imap")
		}
		if c.IMAPUsername == "" {
			errs = append(errs, "IMAP_USERNAME is required when MAILBOX_PROVIDER=imap")
		}
		if c.IMAPPassword == "" {
			errs = append(errs, "IMAP_PASSWORD is required when MAILBOX_PROVIDER=imap")
		}
		if c.IMAPPort < 1 || c.IMAPPort > 65535 {
			errs = append(errs, "IMAP_PORT must be between 1 and 65535")
		}
	case ProviderMbox:
		if c.MboxPath == "" {
			errs = append(errs, "MBOX_PATH is required when MAILBOX_PROVIDER=mbox")
		} else if s3client.IsURL(c.MboxPath) {
			if _, err := s3client.ParseURL(c.MboxPath); err != nil {
				errs = append(errs, "MBOX_PATH must be a file path or s3://bucket/key")
			}
		}
	default:
		errs = append(errs, fmt.Sprintf("MAILBOX_PROVIDER must be one of gmail, imap, mbox (got %q)", c.Provider))
	}

	switch c.EmailTransport {
	case "":
	case TransportResend:
		if c.ResendFromEmail == "" {
			errs = append(errs, "RESEND_FROM_EMAIL is required when EMAIL_TRANSPORT=resend")
		}
	case TransportSMTP:
		if c.SMTPHost == "" {
			errs = append(errs, "SMTP_HOST is required when EMAIL_TRANSPORT=smtp")
		}
		if c.SMTPFromEmail == "" {
			errs = append(errs, "SMTP_FROM_EMAIL is required when EMAIL_TRANSPORT=smtp")
		}
	default:
		errs = append(errs, fmt.Sprintf("EMAIL_TRANSPORT must be %q or %q", TransportResend, TransportSMTP))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "url":
		return fmt.Sprintf("%s must be a URL", fe.Field())
	case "hostname|ip":
		return fmt.Sprintf("%s must be a hostname or IP address", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// PrintSummary prints a human-readable summary of the configuration.
// Secrets are redacted.
func (c *Config) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "mailcode configuration:")
	fmt.Fprintf(w, "  Provider: %s\n", c.Provider)
	switch c.Provider {
	case ProviderGmail:
		fmt.Fprintf(w, "  Gmail:    credentials=%s token=%s (%s)\n", c.GmailCredentialsFile, c.GmailTokenFile, c.GmailTokenStore)
	case ProviderIMAP:
		fmt.Fprintf(w, "  IMAP:     %s:%d tls=%t user=%s password=%s mailbox=%s\n",
			c.IMAPHost, c.IMAPPort, c.IMAPTLS, c.IMAPUsername, logutil.RedactValue("password", c.IMAPPassword), c.IMAPMailbox)
	case ProviderMbox:
		fmt.Fprintf(w, "  Mbox:     %s\n", c.MboxPath)
		if s3client.IsURL(c.MboxPath) {
			fmt.Fprintf(w, "  S3:       endpoint=%s region=%s key=%s secret=%s\n",
				orNone(c.S3Endpoint), c.S3Region, orNone(c.S3AccessKeyID), logutil.RedactValue("secret", c.S3SecretAccessKey))
		}
	}
	fmt.Fprintf(w, "  Sender:   %s\n", orNone(c.SenderEmail))
	fmt.Fprintf(w, "  Wait:     %dm, recency %s, poll every %s\n", c.WaitMinutes, c.RecencyWindow, c.PollInterval)
	switch c.EmailTransport {
	case TransportResend:
		fmt.Fprintf(w, "  Selftest: resend from %s (key %s) to %s\n", c.ResendFromEmail, logutil.RedactValue("apikey", c.ResendAPIKey), orNone(c.TestEmail))
	case TransportSMTP:
		fmt.Fprintf(w, "  Selftest: smtp %s:%d from %s (password %s) to %s\n", c.SMTPHost, c.SMTPPort, c.SMTPFromEmail, logutil.RedactValue("password", c.SMTPPassword), orNone(c.TestEmail))
	default:
		fmt.Fprintln(w, "  Selftest: no transport configured")
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return defaultValue
	}
}
