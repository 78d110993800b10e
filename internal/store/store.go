// Package store defines the Store Adapter contract of spec.md §4.9: the
// only component that durably persists services, log sources and exception
// clusters, and the sole authority on cluster identity. Two implementations
// satisfy the interface: a Postgres-backed adapter (postgres.go) for
// production and an in-memory double (memory.go) for unit tests that need
// the same find-or-create serializability guarantee without a live
// database — grounded in the teacher's habit of testing managers like
// DeduplicationManager entirely in-process.
package store

import (
	"context"
	"errors"
	"time"

	"excluster/pkg/types"
)

// ErrNotFound is returned by lookups for a service, source or cluster id
// that does not exist.
var ErrNotFound = errors.New("store: not found")

// ClusterKey is the (service_id, fingerprint_static) pair that uniquely
// identifies an ExceptionCluster (§3, §4.7).
type ClusterKey struct {
	ServiceID         string
	FingerprintStatic string
}

// ClusterFilter narrows ListClusters per the query surface named in §6.
type ClusterFilter struct {
	ServiceID string
	Status    types.ClusterStatus // empty means any status
	Since     time.Time           // zero means no lower bound on LastSeen
	Limit     int
	Offset    int
}

// Store is the design-level contract of §4.9's "Required operations". All
// methods are safe for concurrent use by many worker pool goroutines.
type Store interface {
	GetService(ctx context.Context, id string) (*types.Service, error)
	ListActiveServices(ctx context.Context) ([]types.Service, error)
	ListEnabledSources(ctx context.Context, serviceID string) ([]types.LogSource, error)

	// FindOrCreateCluster resolves key to a cluster id, creating one from
	// representative on first sight. It is serializable per key: of any
	// two concurrent callers racing on the same key, exactly one observes
	// created=true and the other transparently joins the winner's cluster
	// (§4.7 Serialization requirement).
	FindOrCreateCluster(ctx context.Context, key ClusterKey, representative types.ExceptionRecord) (clusterID string, created bool, err error)

	// TouchCluster bumps last_seen, increments size by one, and rolls the
	// sliding 24-bucket counter forward to now (§4.7, §4.9).
	TouchCluster(ctx context.Context, id string, now time.Time) error

	// SetClusterStatus performs an idempotent status transition. It records
	// status_updated_at/status_updated_by on every call, including a repeat
	// of the current status, and never touches the counters (§4.7 Status
	// transitions, §8 item 8).
	SetClusterStatus(ctx context.Context, id string, status types.ClusterStatus, actor string, now time.Time) error

	GetCluster(ctx context.Context, id string) (*types.ExceptionCluster, error)
	ListClusters(ctx context.Context, filter ClusterFilter) ([]types.ExceptionCluster, error)

	AdvanceSourceFetchedAt(ctx context.Context, id string, now time.Time) error
	SetSourceConnectionStatus(ctx context.Context, id string, status string) error

	RecordIndexingResult(ctx context.Context, serviceID, commitHash, status string, indexingErr error) error
	LastIndexedCommit(ctx context.Context, serviceID string) (string, error)

	Ping(ctx context.Context) error
	Close()
}
