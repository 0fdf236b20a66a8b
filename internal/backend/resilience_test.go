package backend

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyErrorTransient(t *testing.T) {
	for _, msg := range []string{
		"500 Internal Server Error",
		"503 Service Unavailable",
		"504 Gateway Timeout",
		"429 Too Many Requests",
		"request timeout",
		"connection reset by peer",
		"something completely unrecognized",
	} {
		assert.Equal(t, ErrorTransient, ClassifyError(msg), msg)
	}
}

func TestClassifyErrorPermanent(t *testing.T) {
	for _, msg := range []string{
		"403 Forbidden",
		"404 Not Found",
		"400 Bad Request",
	} {
		assert.Equal(t, ErrorPermanent, ClassifyError(msg), msg)
	}
}

func TestCalculateBackoffGrowth(t *testing.T) {
	base := time.Second
	max := 64 * time.Second

	assert.Equal(t, time.Second, CalculateBackoff(0, base, max))
	assert.Equal(t, 2*time.Second, CalculateBackoff(1, base, max))
	assert.Equal(t, 4*time.Second, CalculateBackoff(2, base, max))
	assert.Equal(t, 32*time.Second, CalculateBackoff(5, base, max))
	assert.Equal(t, max, CalculateBackoff(6, base, max))
	assert.Equal(t, max, CalculateBackoff(20, base, max))
}

func TestCalculateBackoffNeverOverflows(t *testing.T) {
	base := time.Second
	max := 64 * time.Second

	// Monotonically non-decreasing and bounded for huge attempt counts.
	prev := time.Duration(0)
	for _, attempt := range []uint32{0, 1, 5, 10, 29, 30, 31, 100, 1 << 20, ^uint32(0)} {
		d := CalculateBackoff(attempt, base, max)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, max, "attempt %d", attempt)
		prev = d
	}
}

func TestCalculateBackoffSubSecondBase(t *testing.T) {
	base := 100 * time.Millisecond
	max := 2 * time.Second

	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, base, max))
	assert.Equal(t, 200*time.Millisecond, CalculateBackoff(1, base, max))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, base, max))
	assert.Equal(t, max, CalculateBackoff(10, base, max))
	assert.Equal(t, max, CalculateBackoff(^uint32(0), base, max))
}

func TestCircuitBreakerTripAndRecover(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.MinSamples = 4
	cfg.CooldownDuration = 30 * time.Millisecond
	cfg.HalfOpenSuccesses = 3
	cb := NewCircuitBreaker(cfg)

	assert.Equal(t, BreakerClosed, cb.State())
	assert.True(t, cb.ShouldAllowRequest())

	// Below the sample floor nothing trips.
	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.Equal(t, BreakerClosed, cb.State())

	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.Equal(t, BreakerOpen, cb.State())
	assert.False(t, cb.ShouldAllowRequest())

	// After the cooldown the breaker probes.
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.True(t, cb.ShouldAllowRequest())

	// Three consecutive successes close it.
	cb.RecordResult(true)
	cb.RecordResult(true)
	assert.Equal(t, BreakerHalfOpen, cb.State())
	cb.RecordResult(true)
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.MinSamples = 2
	cfg.CooldownDuration = 20 * time.Millisecond
	cb := NewCircuitBreaker(cfg)

	cb.RecordResult(false)
	cb.RecordResult(false)
	assert.Equal(t, BreakerOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, cb.State())

	cb.RecordResult(false)
	assert.Equal(t, BreakerOpen, cb.State())
}

func TestCircuitBreakerErrorRateAndReset(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	cfg.MinSamples = 100 // never trip in this test
	cb := NewCircuitBreaker(cfg)

	cb.RecordResult(true)
	cb.RecordResult(false)
	cb.RecordResult(false)
	cb.RecordResult(true)
	assert.InDelta(t, 0.5, cb.ErrorRate(), 1e-9)

	cb.Reset()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.Zero(t, cb.ErrorRate())
}

func TestBreakerStateMetricValues(t *testing.T) {
	assert.Equal(t, uint8(0), BreakerClosed.Metric())
	assert.Equal(t, uint8(1), BreakerOpen.Metric())
	assert.Equal(t, uint8(2), BreakerHalfOpen.Metric())
	assert.Equal(t, "CLOSED", BreakerClosed.String())
	assert.Equal(t, "OPEN", BreakerOpen.String())
	assert.Equal(t, "HALF_OPEN", BreakerHalfOpen.String())
}
