package compaction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_GrowsAndCaps(t *testing.T) {
	rp := NewRetryPolicy(10*time.Millisecond, 40*time.Millisecond)

	first := rp.NextWait()
	second := rp.NextWait()
	third := rp.NextWait()
	fourth := rp.NextWait()

	assert.GreaterOrEqual(t, second, first)
	assert.GreaterOrEqual(t, third, second)
	assert.LessOrEqual(t, fourth, 40*time.Millisecond)
}

func TestRetryPolicy_ResetReturnsToBase(t *testing.T) {
	rp := NewRetryPolicy(10*time.Millisecond, 40*time.Millisecond)

	rp.NextWait()
	rp.NextWait()
	rp.Reset()

	afterReset := rp.NextWait()
	assert.Equal(t, 10*time.Millisecond, afterReset)
}
