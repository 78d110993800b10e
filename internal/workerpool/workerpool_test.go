package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/internal/cluster"
	"excluster/internal/dedup"
	"excluster/internal/extract"
	"excluster/internal/store"
	"excluster/pkg/types"
)

func newTestPool(t *testing.T) (*Pool, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	c := cluster.New(s, nil)
	d := dedup.New(dedup.Config{Window: time.Minute}, nil)
	t.Cleanup(d.Close)

	pool := New(Config{PoolSize: 4, QueueCapacity: 100, EnqueueTimeout: time.Second}, d, c, extract.Options{}, nil, nil)
	pool.Start()
	t.Cleanup(pool.Stop)
	return pool, s
}

func stackTracedLog(serviceID string, n int) types.NormalizedLog {
	return types.NormalizedLog{
		Timestamp:     time.Now(),
		Level:         types.LevelError,
		ServiceID:     serviceID,
		Logger:        "com.x.UserService",
		ExceptionType: "NullPointerException",
		StackTrace: "java.lang.NullPointerException\n" +
			"\tat com.x.UserService.getUser(UserService.java:45)\n" +
			"\tat com.x.Handler.handle(Handler.java:12)",
		LogID: "log-" + time.Now().Format("150405.000000") + string(rune('a'+n)),
	}
}

func TestPool_SubmitCreatesCluster(t *testing.T) {
	pool, s := newTestPool(t)

	require.NoError(t, pool.Submit(Batch{TaskID: "t1", Records: []types.NormalizedLog{stackTracedLog("web-api", 0)}}))

	require.Eventually(t, func() bool {
		clusters, _ := s.ListClusters(context.Background(), store.ClusterFilter{ServiceID: "web-api"})
		return len(clusters) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_NonErrorLevelNeverClusters(t *testing.T) {
	pool, s := newTestPool(t)

	log := stackTracedLog("web-api", 1)
	log.Level = types.LevelInfo

	require.NoError(t, pool.Submit(Batch{TaskID: "t2", Records: []types.NormalizedLog{log}}))
	time.Sleep(50 * time.Millisecond)

	clusters, _ := s.ListClusters(context.Background(), store.ClusterFilter{ServiceID: "web-api"})
	assert.Empty(t, clusters)
}

func TestPool_SubmitAfterStopReturnsShutdownError(t *testing.T) {
	pool, _ := newTestPool(t)
	pool.Stop()

	err := pool.Submit(Batch{TaskID: "t3", Records: []types.NormalizedLog{stackTracedLog("web-api", 2)}})
	require.Error(t, err)
}

func TestPool_QueueOverflowReportsExplicitError(t *testing.T) {
	s := store.NewMemoryStore()
	c := cluster.New(s, nil)
	d := dedup.New(dedup.Config{Window: time.Minute}, nil)
	defer d.Close()

	// No workers running to drain, tiny queue and timeout so Submit can't
	// block indefinitely (§4.6 Backpressure). Start would launch the default
	// 8 workers for PoolSize 0, so the pool is only marked running.
	pool := New(Config{PoolSize: 0, QueueCapacity: 1, EnqueueTimeout: 20 * time.Millisecond}, d, c, extract.Options{}, nil, nil)
	pool.mu.Lock()
	pool.running = true
	pool.mu.Unlock()
	defer pool.Stop()

	require.NoError(t, pool.Submit(Batch{Records: []types.NormalizedLog{stackTracedLog("web-api", 3)}}))
	err := pool.Submit(Batch{Records: []types.NormalizedLog{stackTracedLog("web-api", 4)}})
	require.Error(t, err)
}
