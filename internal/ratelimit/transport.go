package ratelimit

import (
	"net/http"
)

// Transport delays outgoing provider requests until the account's limiter
// admits them. Requests whose context ends while waiting fail with the
// context error and are never sent.
type Transport struct {
	Limiter *RateLimiter
	Account string
	Base    http.RoundTripper
}

// NewTransport wraps base so every request for account is rate limited.
func NewTransport(limiter *RateLimiter, account string, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Limiter: limiter, Account: account, Base: base}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context(), t.Account); err != nil {
			return nil, err
		}
	}
	return t.Base.RoundTrip(req)
}
