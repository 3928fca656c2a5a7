// Package ratelimit provides rate limiting for API calls using a token bucket algorithm.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"
)

// RateLimiter implements a token bucket rate limiter.
// It allows bursts up to maxTokens, then refills at refillRate tokens/second.
//
// Thread-safe: all mutable state is protected by a sync.Mutex.
// Supports cooldown periods (triggered by 429 responses) during which all
// token acquisition blocks until the cooldown expires.
type RateLimiter struct {
	tokens      float64   // Current number of tokens available
	maxTokens   float64   // Maximum bucket capacity
	refillRate  float64   // Tokens added per second
	lastRefill  time.Time // Last time tokens were refilled
	cooldownEnd time.Time // If set, Wait() blocks until this time (zero value = no cooldown)
	mu          sync.Mutex
}

// NewRateLimiter creates a new rate limiter.
//
// Parameters:
//   - tokensPerSecond: Rate at which tokens are added (e.g., 3.0 for 3 tokens/second)
//   - burstSize: Maximum tokens that can accumulate (allows brief bursts)
func NewRateLimiter(tokensPerSecond float64, burstSize float64) *RateLimiter {
	return &RateLimiter{
		tokens:     burstSize, // Start with full bucket
		maxTokens:  burstSize,
		refillRate: tokensPerSecond,
		lastRefill: time.Now(),
	}
}

// NewHostRateLimiter creates the per-host request-pacing limiter the
// TransferEngine consults before issuing or retrying a request to a given
// host, when Config.Engine.RateLimitRequestsPerSecond is non-zero. Burst
// capacity is fixed at 3x the rate to absorb short bursts from parallel
// download chunk workers hitting the same host.
func NewHostRateLimiter(requestsPerSecond float64) *RateLimiter {
	burst := requestsPerSecond * 3
	if burst < 1 {
		burst = 1
	}
	return NewRateLimiter(requestsPerSecond, burst)
}

// TryAcquire attempts to acquire one token without blocking.
// Returns true if a token was acquired, false otherwise.
func (rl *RateLimiter) TryAcquire() bool {
	return rl.tryAcquire()
}

// TimeUntilNextToken returns the estimated time until the next token is available.
func (rl *RateLimiter) TimeUntilNextToken() time.Duration {
	return rl.timeUntilNextToken()
}

// Reconfigure changes the rate and burst parameters of a running limiter.
// If current tokens exceed the new burst, they are capped.
func (rl *RateLimiter) Reconfigure(rate, burst float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillRate = rate
	rl.maxTokens = burst
	if rl.tokens > burst {
		rl.tokens = burst
	}
}

// Wait blocks until a token is available or context is cancelled.
// Returns an error if the context is cancelled before a token becomes available.
//
// If a cooldown is active (set via SetCooldown after a 429 response), Wait
// blocks until the cooldown expires before attempting to acquire a token.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	startTime := time.Now()

	// If cooldown is active, wait for it to expire first
	if cooldown := rl.CooldownRemaining(); cooldown > 0 {
		log.Printf("Rate limited (cooldown): waiting ~%.1fs for server-requested cooldown...", cooldown.Seconds())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(cooldown):
			// Cooldown expired, fall through to normal token acquisition
		}
	}

	// Try immediate acquire first
	if rl.tryAcquire() {
		return nil
	}

	// Standard wait loop
	for {
		// Check if context is already cancelled
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Try to acquire a token
		if rl.tryAcquire() {
			if waited := time.Since(startTime); waited > 100*time.Millisecond {
				log.Printf("Rate limit: waited %.1fs for a token", waited.Seconds())
			}
			return nil
		}

		// Calculate how long to wait for next token
		waitDuration := rl.timeUntilNextToken()

		// Wait for either a token to be available or context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitDuration):
			// Loop again to try acquiring
		}
	}
}

// tryAcquire attempts to acquire one token without blocking.
// Returns true if a token was acquired, false otherwise.
func (rl *RateLimiter) tryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Refill tokens based on elapsed time
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.tokens += elapsed * rl.refillRate

	// Cap at max tokens (don't accumulate infinitely)
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	rl.lastRefill = now

	// Try to consume a token
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}

	return false
}

// timeUntilNextToken calculates how long to wait until at least one token is available.
func (rl *RateLimiter) timeUntilNextToken() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	tokensNeeded := 1.0 - rl.tokens
	if tokensNeeded <= 0 {
		return 0
	}

	secondsNeeded := tokensNeeded / rl.refillRate
	return time.Duration(secondsNeeded * float64(time.Second))
}

// GetCurrentTokens returns the current number of tokens (for testing/debugging).
func (rl *RateLimiter) GetCurrentTokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Refill based on elapsed time before returning
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	tokens := rl.tokens + (elapsed * rl.refillRate)

	if tokens > rl.maxTokens {
		tokens = rl.maxTokens
	}

	return tokens
}

// Drain empties the token bucket to zero. Subsequent Wait() calls will block
// until tokens refill. Used when a 429 response is received to immediately
// halt further requests on this scope.
func (rl *RateLimiter) Drain() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = 0
	rl.lastRefill = time.Now()
}

// SetCooldown sets a cooldown period during which all Wait() calls block.
// Uses merge semantics: if an existing cooldown extends further into the future,
// it is preserved (a shorter Retry-After cannot shorten an active cooldown).
//
// This prevents the following scenario:
//   - Server returns 429 with Retry-After: 60
//   - Cooldown set to now+60s
//   - Retry hits another 429 with Retry-After: 5
//   - Without merge: cooldown shortened to now+5s (wrong — server still enforcing 60s)
//   - With merge: cooldown stays at original now+60s (correct)
func (rl *RateLimiter) SetCooldown(d time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	newEnd := time.Now().Add(d)
	// Merge: only extend, never shorten
	if newEnd.After(rl.cooldownEnd) {
		rl.cooldownEnd = newEnd
	}
}

// CooldownRemaining returns the time remaining on the active cooldown.
// Returns 0 if no cooldown is active.
func (rl *RateLimiter) CooldownRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.cooldownEnd.IsZero() {
		return 0
	}
	remaining := time.Until(rl.cooldownEnd)
	if remaining <= 0 {
		return 0
	}
	return remaining
}
