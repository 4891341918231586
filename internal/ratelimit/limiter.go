// Package ratelimit provides per-account rate limiting for mailbox provider calls.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config defines the rate limiting configuration.
type Config struct {
	RPS             float64       // Provider requests per second per account
	Burst           int           // Burst size per account
	CleanupInterval time.Duration // How often to drop idle limiters; zero disables cleanup
}

// DefaultConfig stays well under the Gmail per-user quota. A single
// messages.get costs 5 units of the 250 units/second budget.
var DefaultConfig = Config{
	RPS:             20,
	Burst:           10,
	CleanupInterval: time.Hour,
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimiter hands out one token bucket per mailbox account.
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	config   Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRateLimiter creates a rate limiter. When CleanupInterval is positive a
// background goroutine drops idle limiters; call Stop to end it.
func NewRateLimiter(config Config) *RateLimiter {
	if config.RPS <= 0 {
		config.RPS = DefaultConfig.RPS
	}
	if config.Burst <= 0 {
		config.Burst = DefaultConfig.Burst
	}
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		config:   config,
		stopCh:   make(chan struct{}),
	}
	if config.CleanupInterval > 0 {
		rl.wg.Add(1)
		go rl.cleanupLoop()
	}
	return rl
}

// Allow reports whether a call for account may proceed now.
func (rl *RateLimiter) Allow(account string) bool {
	return rl.GetLimiter(account).Allow()
}

// Wait blocks until a call for account may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, account string) error {
	return rl.GetLimiter(account).Wait(ctx)
}

// GetLimiter returns the limiter for account, creating one if necessary.
func (rl *RateLimiter) GetLimiter(account string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[account]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(rl.config.RPS), rl.config.Burst)}
		rl.limiters[account] = entry
	}
	entry.lastUsed = time.Now()
	return entry.limiter
}

// Cleanup removes limiters idle for longer than the cleanup interval.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.config.CleanupInterval)
	for account, entry := range rl.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(rl.limiters, account)
		}
	}
}

func (rl *RateLimiter) cleanupLoop() {
	defer rl.wg.Done()

	ticker := time.NewTicker(rl.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

// Stop stops the cleanup goroutine and waits for it to finish.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stopCh:
	default:
		close(rl.stopCh)
	}
	rl.wg.Wait()
}

// Len returns the number of active limiters.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
