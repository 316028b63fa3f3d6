package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterExhaustsTokens(t *testing.T) {
	rl := newRateLimiter(3, time.Hour)

	for i := 0; i < 3; i++ {
		assert.True(t, rl.take("alice"), "admission %d should pass", i)
	}
	assert.False(t, rl.take("alice"))
}

func TestRateLimiterPerPrincipal(t *testing.T) {
	rl := newRateLimiter(1, time.Hour)

	assert.True(t, rl.take("alice"))
	assert.False(t, rl.take("alice"))
	assert.True(t, rl.take("bob"), "principals do not share buckets")
}

func TestRateLimiterRefills(t *testing.T) {
	rl := newRateLimiter(10, 100*time.Millisecond)

	for i := 0; i < 10; i++ {
		assert.True(t, rl.take("alice"))
	}
	assert.False(t, rl.take("alice"))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, rl.take("alice"), "bucket should refill after the window")
}

func TestRateLimiterPrune(t *testing.T) {
	rl := newRateLimiter(5, 50*time.Millisecond)
	rl.take("alice")

	time.Sleep(70 * time.Millisecond)
	rl.prune()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.Empty(t, rl.buckets)
}
