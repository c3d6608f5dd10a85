package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/HanTheDev/anthropic-gateway/internal/models"
)

func tenantCtx(tenantID string, rpm int, burst float64) models.TenantContext {
	return models.TenantContext{
		TenantID: tenantID,
		QuotaPolicy: models.QuotaPolicy{
			TenantID:        tenantID,
			RPMLimit:        rpm,
			BurstMultiplier: burst,
		},
	}
}

func TestLimiter_AdmitsUpToBurstCapacity(t *testing.T) {
	l := New()
	ctx := tenantCtx("t1", 60, 1.0)
	burst := ctx.QuotaPolicy.BurstCapacity()

	for i := 0; i < burst; i++ {
		assert.True(t, l.TryConsume(ctx), "request %d should be admitted", i)
	}
	assert.False(t, l.TryConsume(ctx), "request beyond burst capacity should be rejected")
}

func TestLimiter_IndependentTenantBuckets(t *testing.T) {
	l := New()
	a := tenantCtx("tenant-a", 1, 1.0)
	b := tenantCtx("tenant-b", 1, 1.0)

	assert.True(t, l.TryConsume(a))
	assert.False(t, l.TryConsume(a))
	assert.True(t, l.TryConsume(b), "a different tenant's bucket must be unaffected by a's consumption")
}

func TestLimiter_CapacityDecreaseClampsTokens(t *testing.T) {
	l := New()
	high := tenantCtx("t2", 600, 2.0)
	l.TryConsume(high)

	low := tenantCtx("t2", 600, 1.0)
	lowBurst := low.QuotaPolicy.BurstCapacity()

	admitted := 0
	for i := 0; i < lowBurst+5; i++ {
		if l.TryConsume(low) {
			admitted++
		}
	}
	assert.LessOrEqual(t, admitted, lowBurst, "capacity decrease must clamp down, never raise, the token balance")
}

func TestBucket_FloorsLimitsAtOne(t *testing.T) {
	b := newBucket(0, 0)
	assert.Equal(t, 1, b.rpmLimit)
	assert.Equal(t, 1, b.burstCapacity)
	assert.True(t, b.tryConsume())
}

func TestBucket_RefillIgnoresBackwardClockJump(t *testing.T) {
	b := newBucket(60, 5)
	b.tokens = 0
	b.lastRefill = time.Now()

	// A clock that jumped backward must never be read as elapsed time and
	// must never grant tokens for it.
	past := b.lastRefill.Add(-time.Hour)
	b.refillLocked(past)

	assert.Equal(t, float64(0), b.tokens, "a backward clock jump must not grant tokens")
	assert.Equal(t, float64(b.burstCapacity), float64(5))
}

func TestBucket_RefillUsesElapsedDurationNotWallClock(t *testing.T) {
	b := newBucket(60, 5)
	b.tokens = 0
	start := time.Now()
	b.lastRefill = start

	// One token per second at 60 rpm; a synthetic 2-second elapsed duration
	// must grant exactly 2 tokens regardless of the wall-clock values
	// involved, since refillLocked operates on time.Time deltas.
	later := start.Add(2 * time.Second)
	b.refillLocked(later)

	assert.InDelta(t, 2.0, b.tokens, 0.001)
	assert.Equal(t, later, b.lastRefill)
}
