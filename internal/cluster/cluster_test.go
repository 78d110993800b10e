package cluster

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/internal/store"
	"excluster/pkg/types"
)

func newRecord(serviceID, fingerprint string) types.ExceptionRecord {
	return types.ExceptionRecord{
		ServiceID:         serviceID,
		FingerprintStatic: fingerprint,
		ExceptionType:     "NullPointerException",
		Logger:            "com.x.UserService",
	}
}

// TestAssign_ConcurrentFirstSight exercises §8 item 1 / Scenario F: any
// number of workers racing distinct records onto the same key must produce
// exactly one cluster, with every worker's hit reflected in its size.
func TestAssign_ConcurrentFirstSight(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, nil)

	const workers = 50
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, _, err := c.Assign(context.Background(), newRecord("web-api", "fp-shared"))
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	first := ids[0]
	for _, id := range ids {
		assert.Equal(t, first, id, "every racer must resolve to the same cluster id")
	}

	got, err := c.Get(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.Size)
}

// TestAssign_SecondOccurrenceKeepsClusterID covers Scenario B: a repeat hit
// returns the same cluster id, bumps size, and leaves first_seen untouched.
func TestAssign_SecondOccurrenceKeepsClusterID(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, nil)
	ctx := context.Background()

	id1, created1, err := c.Assign(ctx, newRecord("web-api", "fp-a"))
	require.NoError(t, err)
	assert.True(t, created1)

	before, err := c.Get(ctx, id1)
	require.NoError(t, err)

	id2, created2, err := c.Assign(ctx, newRecord("web-api", "fp-a"))
	require.NoError(t, err)
	assert.False(t, created2)
	assert.Equal(t, id1, id2)

	after, err := c.Get(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), after.Size)
	assert.Equal(t, before.FirstSeen, after.FirstSeen)
}

// TestAssign_DistinctServicesDoNotShareClusters covers §3's invariant that
// the cluster key is per-service: the same fingerprint for two different
// services must create two clusters.
func TestAssign_DistinctServicesDoNotShareClusters(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, nil)
	ctx := context.Background()

	id1, _, err := c.Assign(ctx, newRecord("web-api", "fp-shared"))
	require.NoError(t, err)
	id2, _, err := c.Assign(ctx, newRecord("checkout", "fp-shared"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

// TestSetStatus_Idempotent covers §8 item 8: applying the same status twice
// is a no-op on counters and only updates the audit fields.
func TestSetStatus_Idempotent(t *testing.T) {
	s := store.NewMemoryStore()
	c := New(s, nil)
	ctx := context.Background()

	id, _, err := c.Assign(ctx, newRecord("web-api", "fp-a"))
	require.NoError(t, err)

	require.NoError(t, c.SetStatus(ctx, id, types.StatusResolved, "alice"))
	first, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, first.Status)

	require.NoError(t, c.SetStatus(ctx, id, types.StatusResolved, "bob"))
	second, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusResolved, second.Status)
	assert.Equal(t, int64(1), second.Size)
	assert.Equal(t, "bob", second.StatusUpdatedBy)
}
