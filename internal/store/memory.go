package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"excluster/pkg/types"
)

// MemoryStore is an in-memory Store implementation used by tests that need
// the §4.7/§4.9 find-or-create serializability guarantee without a live
// Postgres instance. It holds the exact same invariant the Postgres adapter
// enforces with a unique index: a single mutex around the whole
// find-or-create critical section makes two concurrent first-sight callers
// for the same key resolve to exactly one winner.
type MemoryStore struct {
	mu sync.Mutex

	services map[string]types.Service
	sources  map[string][]types.LogSource // keyed by service id

	clusters   map[string]*types.ExceptionCluster // keyed by cluster id
	byKey      map[ClusterKey]string               // keyed by (service, fingerprint_static)

	lastIndexedCommit map[string]string
}

// NewMemoryStore constructs an empty MemoryStore. Seed* helpers below let
// tests populate services/sources before exercising the pipeline.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		services:          make(map[string]types.Service),
		sources:           make(map[string][]types.LogSource),
		clusters:          make(map[string]*types.ExceptionCluster),
		byKey:             make(map[ClusterKey]string),
		lastIndexedCommit: make(map[string]string),
	}
}

// SeedService registers a Service for lookup by GetService/ListActiveServices.
func (m *MemoryStore) SeedService(svc types.Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[svc.ID] = svc
}

// SeedSource registers a LogSource owned by a service.
func (m *MemoryStore) SeedSource(src types.LogSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ServiceID] = append(m.sources[src.ServiceID], src)
}

func (m *MemoryStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &svc, nil
}

func (m *MemoryStore) ListActiveServices(ctx context.Context) ([]types.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Service, 0, len(m.services))
	for _, svc := range m.services {
		if svc.Active {
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListEnabledSources(ctx context.Context, serviceID string) ([]types.LogSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.LogSource
	for _, src := range m.sources[serviceID] {
		if src.FetchEnabled {
			out = append(out, src)
		}
	}
	return out, nil
}

func (m *MemoryStore) FindOrCreateCluster(ctx context.Context, key ClusterKey, representative types.ExceptionRecord) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[key]; ok {
		return id, false, nil
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	cluster := &types.ExceptionCluster{
		ID:                id,
		ServiceID:         key.ServiceID,
		LogSourceID:       representative.LogSourceID,
		FingerprintStatic: key.FingerprintStatic,
		Representative:    representative,
		CanonicalLogger:   representative.Logger,
		Size:              1,
		FirstSeen:         now,
		LastSeen:          now,
		Status:            types.StatusActive,
	}
	cluster.Frequency24h.Advance(now.Unix()/3600, 1)
	m.clusters[id] = cluster
	m.byKey[key] = id
	return id, true, nil
}

func (m *MemoryStore) TouchCluster(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return ErrNotFound
	}
	c.Size++
	c.LastSeen = now
	c.Frequency24h.Advance(now.Unix()/3600, 1)
	return nil
}

func (m *MemoryStore) SetClusterStatus(ctx context.Context, id string, status types.ClusterStatus, actor string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status == status {
		// Idempotent: touch the audit fields only, counters untouched (§8 item 8).
		c.StatusUpdatedAt = now
		c.StatusUpdatedBy = actor
		return nil
	}
	c.Status = status
	c.StatusUpdatedAt = now
	c.StatusUpdatedBy = actor
	return nil
}

func (m *MemoryStore) GetCluster(ctx context.Context, id string) (*types.ExceptionCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListClusters(ctx context.Context, filter ClusterFilter) ([]types.ExceptionCluster, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []types.ExceptionCluster
	for _, c := range m.clusters {
		if filter.ServiceID != "" && c.ServiceID != filter.ServiceID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && c.LastSeen.Before(filter.Since) {
			continue
		}
		matched = append(matched, *c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].LastSeen.After(matched[j].LastSeen) })

	offset := filter.Offset
	if offset < 0 || offset > len(matched) {
		offset = len(matched)
	}
	matched = matched[offset:]

	limit := filter.Limit
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *MemoryStore) AdvanceSourceFetchedAt(ctx context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for serviceID, sources := range m.sources {
		for i := range sources {
			if sources[i].ID == id {
				sources[i].LastFetchAt = now
				m.sources[serviceID] = sources
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) SetSourceConnectionStatus(ctx context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for serviceID, sources := range m.sources {
		for i := range sources {
			if sources[i].ID == id {
				sources[i].ConnectionStatus = status
				m.sources[serviceID] = sources
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) RecordIndexingResult(ctx context.Context, serviceID, commitHash, status string, indexingErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status == "success" {
		m.lastIndexedCommit[serviceID] = commitHash
	}
	return nil
}

func (m *MemoryStore) LastIndexedCommit(ctx context.Context, serviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastIndexedCommit[serviceID], nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}
