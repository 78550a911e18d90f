package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	enabled    bool
}

// NewTokenBucket creates a new token bucket rate limiter
// capacity: maximum number of tokens
// refillRate: tokens added per second
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
		enabled:    capacity > 0 && refillRate > 0,
	}
}

// Allow checks if an operation is allowed under the rate limit
func (tb *TokenBucket) Allow() bool {
	if !tb.enabled {
		return true
	}

	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}

	return false
}

// refill adds tokens based on elapsed time
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

// Limiter keeps one bucket per peer node. Nodes get a bucket with the
// default rate on first use.
type Limiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   float64
	refillRate float64
}

// NewLimiter creates a limiter allowing capacity requests in a burst and
// refillRate requests per second per node. A zero rate disables limiting.
func NewLimiter(capacity, refillRate float64) *Limiter {
	return &Limiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
	}
}

// Allow checks if a request from node is allowed
func (l *Limiter) Allow(node string) bool {
	if l.capacity <= 0 || l.refillRate <= 0 {
		return true
	}

	l.mu.Lock()
	bucket, exists := l.buckets[node]
	if !exists {
		bucket = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[node] = bucket
	}
	l.mu.Unlock()

	return bucket.Allow()
}

// Nodes returns how many nodes have a bucket
func (l *Limiter) Nodes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
