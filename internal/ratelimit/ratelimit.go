// Package ratelimit implements the per-tenant admission controller (C6):
// a token bucket keyed by tenantId, with dynamic rpm/burst capacity and a
// monotonic refill clock. Buckets are independent; a concurrent map with
// per-entry locking bounds contention to each tenant's own request rate.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

// bucket is a single tenant's token bucket. All mutation happens under
// mu; tryConsume is the only mutation path.
type bucket struct {
	mu            sync.Mutex
	rpmLimit      int
	burstCapacity int
	tokens        float64
	lastRefill    time.Time
}

func newBucket(rpmLimit, burstCapacity int) *bucket {
	rpmLimit = maxInt(1, rpmLimit)
	burstCapacity = maxInt(1, burstCapacity)
	return &bucket{
		rpmLimit:      rpmLimit,
		burstCapacity: burstCapacity,
		tokens:        float64(burstCapacity),
		lastRefill:    time.Now(),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// updateCapacityLocked applies a new policy's limits, clamping (never raising)
// the current token balance to the new burst capacity. Must be called
// with mu held.
func (b *bucket) updateCapacityLocked(rpmLimit, burstCapacity int) {
	b.rpmLimit = maxInt(1, rpmLimit)
	b.burstCapacity = maxInt(1, burstCapacity)
	if b.tokens > float64(b.burstCapacity) {
		b.tokens = float64(b.burstCapacity)
	}
}

func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	tokensPerSecond := float64(b.rpmLimit) / 60.0
	add := elapsed.Seconds() * tokensPerSecond
	if add > 0 {
		b.tokens = minFloat(float64(b.burstCapacity), b.tokens+add)
		b.lastRefill = now
	}
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// tryConsume refills, then admits if at least one token is available.
func (b *bucket) tryConsume() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// Limiter holds one bucket per tenant.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// New constructs an empty Limiter.
func New() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// TryConsume admits or rejects a request for the tenant carried in ctx.
// If the tenant's policy limits differ from the stored bucket, the
// bucket's capacity is updated in place (never resetting accumulated
// tokens above the new burst cap) before the consume attempt.
func (l *Limiter) TryConsume(ctx models.TenantContext) bool {
	rpmLimit := ctx.QuotaPolicy.RPMLimit
	burstCapacity := ctx.QuotaPolicy.BurstCapacity()

	l.mu.Lock()
	b, ok := l.buckets[ctx.TenantID]
	if !ok {
		b = newBucket(rpmLimit, burstCapacity)
		l.buckets[ctx.TenantID] = b
		l.mu.Unlock()
		log.Debug().Str("component", "rate_limiter").Str("tenant_id", ctx.TenantID).
			Int("rpm", rpmLimit).Int("burst", burstCapacity).Msg("created bucket")
	} else {
		l.mu.Unlock()
		b.mu.Lock()
		if b.rpmLimit != maxInt(1, rpmLimit) || b.burstCapacity != maxInt(1, burstCapacity) {
			b.updateCapacityLocked(rpmLimit, burstCapacity)
		}
		b.mu.Unlock()
	}

	allowed := b.tryConsume()
	if !allowed {
		log.Debug().Str("component", "rate_limiter").Str("tenant_id", ctx.TenantID).Msg("rate limit exceeded")
	}
	return allowed
}
