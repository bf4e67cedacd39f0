package ratelimit

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a Clock.
//
// Tokens are tracked in fixed-point nano-tokens (1 token = 1e9) so a rate of
// X tokens/sec adds exactly X nano-tokens per elapsed nanosecond.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	availableNano int64
	last          time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacityNano := mulTokenToNano(capacityTokens)
	return &TokenBucket{
		clock:         clock,
		capacityNano:  capacityNano,
		fillRate:      fillRate,
		availableNano: capacityNano,
		last:          clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := mulTokenToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.availableNano < cost {
		return false
	}
	b.availableNano -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	// A clock that went backwards only moves the reference point.
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.availableNano >= b.capacityNano {
		return
	}

	need := b.capacityNano - b.availableNano
	if elapsed >= need/b.fillRate {
		b.availableNano = b.capacityNano
		return
	}
	b.availableNano += elapsed * b.fillRate
}

func mulTokenToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
