package obs

import (
	"net/http"
	"time"

	"github.com/kuitang/mailcode/internal/logutil"
)

// LoggingTransport emits one structured event per outbound provider request.
type LoggingTransport struct {
	Pkg  string
	Base http.RoundTripper
}

// NewLoggingTransport wraps base (or http.DefaultTransport when nil).
func NewLoggingTransport(pkg string, base http.RoundTripper) *LoggingTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &LoggingTransport{Pkg: pkg, Base: base}
}

func (t *LoggingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.Base.RoundTrip(r)
	durMS := float64(time.Since(start).Microseconds()) / 1000.0

	l := From(r.Context()).With("pkg", t.Pkg)
	if err != nil {
		l.Debug(
			"provider_request",
			"method", r.Method,
			"path", r.URL.Path,
			"dur_ms", durMS,
			"headers", logutil.FormatHeadersForLog(r.Header),
			"error", err,
		)
		return nil, err
	}

	l.Debug(
		"provider_request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"dur_ms", durMS,
		"headers", logutil.FormatHeadersForLog(r.Header),
	)
	return resp, nil
}
