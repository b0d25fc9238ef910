// ratelimit.go paces outbound broker calls with token buckets.
//
// Both supported brokers publish hard API limits (Oanda: 120 requests/second
// per connection; Alpaca: 200 requests/minute). The buckets refill
// continuously rather than in window-sized bursts, so a storm of webhook
// signals smears out instead of tripping the broker's limiter. Order
// mutations and account reads draw from separate buckets so a flood of
// dashboard polling can never starve order placement.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a rate limiter with continuous refill. Callers block in
// Wait until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// Limiter groups token buckets by call category. Every broker method calls
// the matching bucket's Wait before issuing the HTTP request.
type Limiter struct {
	Read   *TokenBucket // account summary, order status
	Mutate *TokenBucket // order placement and cancels
}

// newOandaLimiter stays under Oanda's published 120 requests/second.
func newOandaLimiter() *Limiter {
	return &Limiter{
		Read:   NewTokenBucket(100, 50),
		Mutate: NewTokenBucket(60, 30),
	}
}

// newAlpacaLimiter smears Alpaca's 200 requests/minute window.
func newAlpacaLimiter() *Limiter {
	return &Limiter{
		Read:   NewTokenBucket(60, 1.5),
		Mutate: NewTokenBucket(60, 1.5),
	}
}
