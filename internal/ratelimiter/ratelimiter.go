package ratelimiter

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimiter throttles file transfers to a byte rate using a token bucket.
//
// Each token is one byte. Transfers call WaitN with the size of the chunk
// they are about to move; the call blocks until the bucket holds enough
// tokens or the context is cancelled.
//
// This implementation wraps golang.org/x/time/rate. A zero rate disables
// throttling entirely: WaitN returns immediately without touching the bucket.
//
// Thread safety:
// All methods are safe for concurrent use, so a single limiter can cap the
// aggregate bandwidth of every session.
type RateLimiter struct {
	limiter *rate.Limiter
	burst   int
}

// New creates a limiter allowing bytesPerSecond sustained throughput with
// bursts of up to burst bytes.
//
// Special cases:
//   - bytesPerSecond = 0: No throttling (unlimited)
//   - burst = 0: Burst defaults to one second worth of bytes
//
// Example:
//
//	// 10 MiB/s sustained, 1 MiB bursts
//	limiter := New(10<<20, 1<<20)
func New(bytesPerSecond, burst uint) *RateLimiter {
	if bytesPerSecond == 0 {
		return &RateLimiter{}
	}
	if burst == 0 {
		burst = bytesPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), int(burst)),
		burst:   int(burst),
	}
}

// Unlimited reports whether the limiter never blocks.
func (r *RateLimiter) Unlimited() bool {
	return r == nil || r.limiter == nil
}

// WaitN blocks until n bytes may be transferred.
//
// Requests larger than the burst are split into burst-sized waits, since the
// underlying bucket can never hold more than burst tokens at once.
//
// Returns the context error if ctx is cancelled while waiting.
func (r *RateLimiter) WaitN(ctx context.Context, n int) error {
	if r.Unlimited() || n <= 0 {
		return nil
	}

	for n > 0 {
		step := min(n, r.burst)
		if err := r.limiter.WaitN(ctx, step); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		n -= step
	}
	return nil
}

// Limit returns the configured rate in bytes per second, 0 when unlimited.
func (r *RateLimiter) Limit() uint {
	if r.Unlimited() {
		return 0
	}
	return uint(r.limiter.Limit())
}

// Burst returns the bucket capacity in bytes, 0 when unlimited.
func (r *RateLimiter) Burst() int {
	if r.Unlimited() {
		return 0
	}
	return r.burst
}
