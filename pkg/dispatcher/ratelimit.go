package dispatcher

import (
	"sync"
	"time"
)

// TokenBucket implements the per-user safe-mode query limiter (spec §4.8:
// "a per-user token-bucket limits queries to N per 10 minutes (default
// 5)"). Tokens refill continuously at rate/window.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	buckets    map[string]*bucketState
	now        func() time.Time
}

type bucketState struct {
	tokens     float64
	lastRefill time.Time
}

// DefaultSafeModeLimit is 5 queries per 10 minutes.
const DefaultSafeModeLimit = 5

var DefaultSafeModeWindow = 10 * time.Minute

// NewTokenBucket builds a limiter allowing `limit` events per window, per
// user key.
func NewTokenBucket(limit int, window time.Duration) *TokenBucket {
	return &TokenBucket{
		rate:     float64(limit) / window.Seconds(),
		capacity: float64(limit),
		buckets:  map[string]*bucketState{},
		now:      time.Now,
	}
}

// Allow reports whether userKey has a token available, consuming one if so.
func (b *TokenBucket) Allow(userKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, ok := b.buckets[userKey]
	if !ok {
		state = &bucketState{tokens: b.capacity, lastRefill: now}
		b.buckets[userKey] = state
	}

	elapsed := now.Sub(state.lastRefill).Seconds()
	state.tokens = minFloat(b.capacity, state.tokens+elapsed*b.rate)
	state.lastRefill = now

	if state.tokens < 1 {
		return false
	}
	state.tokens--
	return true
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
