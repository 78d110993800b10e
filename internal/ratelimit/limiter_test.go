package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllow_WithinCapacity(t *testing.T) {
	l := New(Config{Capacity: 100, RefillPerMinute: 60})

	accepted, rejected := l.Allow("svc", 50)
	assert.Equal(t, 50, accepted)
	assert.Equal(t, 0, rejected)
}

func TestAllow_PartialExhaustion(t *testing.T) {
	l := New(Config{Capacity: 500, RefillPerMinute: 60})

	accepted, rejected := l.Allow("svc", 2000)
	assert.Equal(t, 500, accepted)
	assert.Equal(t, 1500, rejected)

	accepted, rejected = l.Allow("svc", 10)
	assert.Equal(t, 0, accepted)
	assert.Equal(t, 10, rejected)
}

func TestAllow_PerServiceIsolation(t *testing.T) {
	l := New(Config{Capacity: 10, RefillPerMinute: 60})

	accepted, _ := l.Allow("svc-a", 10)
	assert.Equal(t, 10, accepted)

	accepted, _ = l.Allow("svc-b", 10)
	assert.Equal(t, 10, accepted, "svc-b's bucket must be independent of svc-a's")
}

func TestAllow_RefillsOverTime(t *testing.T) {
	l := New(Config{Capacity: 10, RefillPerMinute: 600}) // 10 tokens/sec

	accepted, _ := l.Allow("svc", 10)
	assert.Equal(t, 10, accepted)

	accepted, rejected := l.Allow("svc", 1)
	assert.Equal(t, 0, accepted)
	assert.Equal(t, 1, rejected)

	time.Sleep(150 * time.Millisecond)

	accepted, _ = l.Allow("svc", 1)
	assert.Equal(t, 1, accepted, "bucket should have refilled at least one token after 150ms at 10/sec")
}

func TestRemaining_DoesNotConsume(t *testing.T) {
	l := New(Config{Capacity: 100, RefillPerMinute: 60})

	first := l.Remaining("svc")
	second := l.Remaining("svc")
	assert.Equal(t, first, second)
	assert.Equal(t, float64(100), first)
}
