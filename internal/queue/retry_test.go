package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: 30 * time.Second, MaxDelay: 90 * time.Second}

	tests := []struct {
		attempt   int
		delay     time.Duration
		exhausted bool
	}{
		{attempt: 1, delay: 30 * time.Second},
		{attempt: 2, delay: 60 * time.Second},
		{attempt: 3, delay: 90 * time.Second, exhausted: true},
		{attempt: 10, delay: 90 * time.Second, exhausted: true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.delay, p.Delay(tt.attempt), "attempt %d", tt.attempt)
		assert.Equal(t, tt.exhausted, p.Exhausted(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRetryPolicy_NoCap(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second}
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(0))
}
