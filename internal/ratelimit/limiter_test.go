package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func accountGenerator() *rapid.Generator[string] {
	return rapid.StringMatching(`[a-z0-9]{3,12}@[a-z]{3,8}\.example`)
}

// =============================================================================
// Property: Requests within burst succeed
// =============================================================================

func testRateLimiter_RequestsWithinBurst(t *rapid.T) {
	config := Config{RPS: 100, Burst: 50}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	account := accountGenerator().Draw(t, "account")
	n := rapid.IntRange(1, config.Burst).Draw(t, "n")
	for i := 0; i < n; i++ {
		if !rl.Allow(account) {
			t.Fatalf("request %d of %d should have been allowed (burst %d)", i+1, n, config.Burst)
		}
	}
}

func TestRateLimiter_RequestsWithinBurst(t *testing.T) {
	rapid.Check(t, testRateLimiter_RequestsWithinBurst)
}

// =============================================================================
// Property: Accounts have independent limits
// =============================================================================

func testRateLimiter_AccountIndependence(t *rapid.T) {
	config := Config{RPS: 0.001, Burst: rapid.IntRange(1, 10).Draw(t, "burst")}
	rl := NewRateLimiter(config)
	defer rl.Stop()

	a := accountGenerator().Draw(t, "a")
	b := accountGenerator().Filter(func(s string) bool { return s != a }).Draw(t, "b")

	for i := 0; i < config.Burst; i++ {
		rl.Allow(a)
	}
	if rl.Allow(a) {
		t.Fatalf("account %q should be blocked after exhausting burst %d", a, config.Burst)
	}
	if !rl.Allow(b) {
		t.Fatalf("account %q should be unaffected by %q", b, a)
	}
	if rl.Len() != 2 {
		t.Fatalf("Len mismatch: got=%d want=2", rl.Len())
	}
}

func TestRateLimiter_AccountIndependence(t *testing.T) {
	rapid.Check(t, testRateLimiter_AccountIndependence)
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(Config{RPS: 0.001, Burst: 1})
	defer rl.Stop()

	if err := rl.Wait(context.Background(), "me"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx, "me"); err == nil {
		t.Fatal("expected wait to fail once the bucket is empty and the deadline is short")
	}
}

func TestRateLimiter_CleanupDropsIdle(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(Config{RPS: 1, Burst: 1, CleanupInterval: time.Nanosecond})
	rl.Stop()

	rl.GetLimiter("me")
	time.Sleep(time.Millisecond)
	rl.Cleanup()
	if rl.Len() != 0 {
		t.Fatalf("expected idle limiter to be dropped, got %d", rl.Len())
	}
}

func TestTransport_BlocksBeyondBurst(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rl := NewRateLimiter(Config{RPS: 0.001, Burst: 2})
	defer rl.Stop()
	client := &http.Client{Transport: NewTransport(rl, "me", nil)}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
		resp.Body.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected third request to be held back by the limiter")
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("hits mismatch: got=%d want=2", got)
	}
}
