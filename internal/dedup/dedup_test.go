package dedup

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/pkg/types"
)

func TestIsDuplicate_WithinWindow(t *testing.T) {
	c := New(Config{Window: 50 * time.Millisecond}, nil)
	defer c.Close()

	require.False(t, c.IsDuplicate("svc-a", "hash1"))
	require.True(t, c.IsDuplicate("svc-a", "hash1"))
}

func TestIsDuplicate_AfterWindowExpires(t *testing.T) {
	c := New(Config{Window: 20 * time.Millisecond}, nil)
	defer c.Close()

	require.False(t, c.IsDuplicate("svc-a", "hash1"))
	time.Sleep(30 * time.Millisecond)
	require.False(t, c.IsDuplicate("svc-a", "hash1"))
}

func TestIsDuplicate_DifferentServiceSameHash(t *testing.T) {
	c := New(Config{Window: time.Minute}, nil)
	defer c.Close()

	require.False(t, c.IsDuplicate("svc-a", "hash1"))
	require.False(t, c.IsDuplicate("svc-b", "hash1"))
}

func TestCache_EvictsOldestOnOverflow(t *testing.T) {
	c := New(Config{Window: time.Minute, MaxEntries: 2}, nil)
	defer c.Close()

	c.IsDuplicate("svc", "h1")
	c.IsDuplicate("svc", "h2")
	c.IsDuplicate("svc", "h3")

	assert.LessOrEqual(t, c.Len(), 2)
}

func TestContentHash_CoversLevelLoggerTimestamp(t *testing.T) {
	base := types.NormalizedLog{
		Message:   "boom",
		Level:     types.LevelError,
		Logger:    "svc.Handler",
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	other := base
	other.Logger = "svc.OtherHandler"

	assert.NotEqual(t, ContentHash(base), ContentHash(other))

	sameSecond := base
	sameSecond.Timestamp = base.Timestamp.Add(500 * time.Millisecond)
	assert.Equal(t, ContentHash(base), ContentHash(sameSecond))

	nextSecond := base
	nextSecond.Timestamp = base.Timestamp.Add(time.Second)
	assert.NotEqual(t, ContentHash(base), ContentHash(nextSecond))
}

func TestIsDuplicate_ConcurrentSameKey(t *testing.T) {
	c := New(Config{Window: time.Minute}, nil)
	defer c.Close()

	const n = 50
	var wg sync.WaitGroup
	results := make([]bool, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = c.IsDuplicate("svc", "hash-race")
		}(i)
	}
	wg.Wait()

	falseCount := 0
	for _, r := range results {
		if !r {
			falseCount++
		}
	}
	assert.Equal(t, 1, falseCount, "exactly one caller should observe the first-sight (non-duplicate) result")
}
