package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampDuration(t *testing.T) {
	lo, hi := 45*time.Second, 2*time.Minute

	assert.Equal(t, lo, ClampDuration(time.Second, lo, hi))
	assert.Equal(t, time.Minute, ClampDuration(time.Minute, lo, hi))
	assert.Equal(t, hi, ClampDuration(time.Hour, lo, hi))

	// A ceiling below the floor wins: the caller's hard cap is final.
	assert.Equal(t, 30*time.Second, ClampDuration(time.Second, lo, 30*time.Second))
}

func TestCalculateExponentialBackoff(t *testing.T) {
	base, cap := 500*time.Millisecond, 5*time.Second

	assert.Equal(t, time.Duration(0), CalculateExponentialBackoff(0, base, cap, 0))
	assert.Equal(t, 500*time.Millisecond, CalculateExponentialBackoff(1, base, cap, 0))
	assert.Equal(t, time.Second, CalculateExponentialBackoff(2, base, cap, 0))
	assert.Equal(t, 2*time.Second, CalculateExponentialBackoff(3, base, cap, 0))
	assert.Equal(t, cap, CalculateExponentialBackoff(10, base, cap, 0))
}

func TestCalculateExponentialBackoffJitterStaysNearBase(t *testing.T) {
	base, cap := time.Second, 10*time.Second

	d := CalculateExponentialBackoff(1, base, cap, 0.2)
	assert.InDelta(t, float64(base), float64(d), float64(base)*0.2)
}
