package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"excluster/internal/metrics"
	apperrors "excluster/pkg/errors"
	"excluster/pkg/types"
)

// PostgresStore is the production Store Adapter (§4.9), grounded in
// Hola-to-network_logistics_problem's pkg/database/postgres.go pgxpool
// construction. The cornerstone of the cluster-identity invariant — the
// unique index on (service_id, fingerprint_static) named in spec.md §6 — is
// enforced by Postgres itself; FindOrCreateCluster below leans on
// INSERT ... ON CONFLICT DO NOTHING rather than a client-side lock so the
// guarantee holds across process restarts and multiple replicas.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *logrus.Logger
}

// Config holds the connection parameters named in spec.md §6 (store.url,
// store.max_conns).
type Config struct {
	URL      string
	MaxConns int
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg Config, logger *logrus.Logger) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	poolCfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.WithFields(logrus.Fields{"max_conns": poolCfg.MaxConns}).Info("connected to postgres store")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

func (s *PostgresStore) GetService(ctx context.Context, id string) (*types.Service, error) {
	const q = `SELECT id, display_name, active, log_processing_enabled, log_fetch_interval_seconds,
		cleanup_interval_seconds, notification_target, last_log_fetch, created_at
		FROM services WHERE id = $1`
	row := s.pool.QueryRow(ctx, q, id)
	var svc types.Service
	var fetchSecs, cleanupSecs int64
	if err := row.Scan(&svc.ID, &svc.DisplayName, &svc.Active, &svc.LogProcessingEnabled,
		&fetchSecs, &cleanupSecs, &svc.NotificationTarget, &svc.LastLogFetch, &svc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get service: %w", err)
	}
	svc.LogFetchInterval = time.Duration(fetchSecs) * time.Second
	svc.CleanupInterval = time.Duration(cleanupSecs) * time.Second
	return &svc, nil
}

func (s *PostgresStore) ListActiveServices(ctx context.Context) ([]types.Service, error) {
	const q = `SELECT id, display_name, active, log_processing_enabled, log_fetch_interval_seconds,
		cleanup_interval_seconds, notification_target, last_log_fetch, created_at
		FROM services WHERE active = true ORDER BY id`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list active services: %w", err)
	}
	defer rows.Close()

	var out []types.Service
	for rows.Next() {
		var svc types.Service
		var fetchSecs, cleanupSecs int64
		if err := rows.Scan(&svc.ID, &svc.DisplayName, &svc.Active, &svc.LogProcessingEnabled,
			&fetchSecs, &cleanupSecs, &svc.NotificationTarget, &svc.LastLogFetch, &svc.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan service: %w", err)
		}
		svc.LogFetchInterval = time.Duration(fetchSecs) * time.Second
		svc.CleanupInterval = time.Duration(cleanupSecs) * time.Second
		out = append(out, svc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEnabledSources(ctx context.Context, serviceID string) ([]types.LogSource, error) {
	const q = `SELECT id, service_id, type, connection_descriptor, index_pattern, query_filter,
		fetch_enabled, last_fetch_at, connection_status
		FROM log_sources WHERE service_id = $1 AND fetch_enabled = true ORDER BY id`
	rows, err := s.pool.Query(ctx, q, serviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list enabled sources: %w", err)
	}
	defer rows.Close()

	var out []types.LogSource
	for rows.Next() {
		var src types.LogSource
		var descriptor []byte
		if err := rows.Scan(&src.ID, &src.ServiceID, &src.Type, &descriptor, &src.IndexPattern,
			&src.QueryFilter, &src.FetchEnabled, &src.LastFetchAt, &src.ConnectionStatus); err != nil {
			return nil, fmt.Errorf("store: scan source: %w", err)
		}
		if len(descriptor) > 0 {
			_ = json.Unmarshal(descriptor, &src.ConnectionDescriptor)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// FindOrCreateCluster implements §4.7/§4.9's serialization requirement
// against the (service_id, fingerprint_static) unique index: the insert
// either lands and returns the new id, or — on conflict — returns zero rows
// and a follow-up select joins the winner's row. Either branch can race a
// concurrent creator; the select is retried a bounded number of times
// because a conflicting insert that hasn't committed yet can momentarily
// make the select also return zero rows.
func (s *PostgresStore) FindOrCreateCluster(ctx context.Context, key ClusterKey, representative types.ExceptionRecord) (string, bool, error) {
	repJSON, err := json.Marshal(representative)
	if err != nil {
		return "", false, fmt.Errorf("store: marshal representative: %w", err)
	}

	now := time.Now().UTC()
	const insert = `INSERT INTO exception_clusters
		(id, service_id, log_source_id, fingerprint_static, representative, canonical_logger,
		 size, bucket_counts, bucket_last_hour, first_seen, last_seen, status)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, 1, $6, $7, $8, $8, 'active')
		ON CONFLICT (service_id, fingerprint_static) DO NOTHING
		RETURNING id`

	hour := now.Unix() / 3600
	buckets := make([]int64, 24)
	buckets[hour%24] = 1

	var id string
	row := s.pool.QueryRow(ctx, insert, key.ServiceID, representative.LogSourceID, key.FingerprintStatic,
		repJSON, representative.Logger, buckets, hour, now)
	if err := row.Scan(&id); err == nil {
		return id, true, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("store: insert cluster: %w", err)
	}

	for attempt := 0; attempt < 5; attempt++ {
		id, err := s.clusterIDByKey(ctx, key)
		if err == nil {
			metrics.ClusterContentionTotal.Inc()
			contentionErr := apperrors.StoreContention("find_or_create_cluster", "unique violation, joined winner's cluster").
				WithMetadata("service_id", key.ServiceID).
				WithMetadata("fingerprint_static", key.FingerprintStatic)
			s.logger.WithFields(logrus.Fields(contentionErr.ToMap())).Debug("cluster contention resolved")
			return id, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", false, err
		}
		time.Sleep(time.Duration(attempt+1) * 5 * time.Millisecond)
	}
	return "", false, fmt.Errorf("store: find-or-create cluster: winner row never became visible for key %+v", key)
}

func (s *PostgresStore) clusterIDByKey(ctx context.Context, key ClusterKey) (string, error) {
	const q = `SELECT id FROM exception_clusters WHERE service_id = $1 AND fingerprint_static = $2`
	var id string
	err := s.pool.QueryRow(ctx, q, key.ServiceID, key.FingerprintStatic).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup cluster by key: %w", err)
	}
	return id, nil
}

// TouchCluster rolls the sliding bucket ring forward in the same statement
// that bumps size/last_seen, so the read-modify-write never races a
// concurrent TouchCluster for the same cluster id outside of Postgres's own
// row-level locking.
func (s *PostgresStore) TouchCluster(ctx context.Context, id string, now time.Time) error {
	hour := now.Unix() / 3600
	const q = `UPDATE exception_clusters SET
		size = size + 1,
		last_seen = $2,
		bucket_counts = excluster_roll_bucket(bucket_counts, bucket_last_hour, $3, 1),
		bucket_last_hour = $3
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, now, hour)
	if err != nil {
		return fmt.Errorf("store: touch cluster: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetClusterStatus(ctx context.Context, id string, status types.ClusterStatus, actor string, now time.Time) error {
	const q = `UPDATE exception_clusters SET
		status = $2,
		status_updated_at = $3,
		status_updated_by = $4
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status, now, actor)
	if err != nil {
		return fmt.Errorf("store: set cluster status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetCluster(ctx context.Context, id string) (*types.ExceptionCluster, error) {
	const q = `SELECT id, service_id, log_source_id, fingerprint_static, representative, canonical_logger,
		size, bucket_counts, bucket_last_hour, first_seen, last_seen, status, status_updated_at,
		status_updated_by, has_rca
		FROM exception_clusters WHERE id = $1`
	return s.scanCluster(s.pool.QueryRow(ctx, q, id))
}

func (s *PostgresStore) ListClusters(ctx context.Context, filter ClusterFilter) ([]types.ExceptionCluster, error) {
	q := `SELECT id, service_id, log_source_id, fingerprint_static, representative, canonical_logger,
		size, bucket_counts, bucket_last_hour, first_seen, last_seen, status, status_updated_at,
		status_updated_by, has_rca
		FROM exception_clusters WHERE service_id = $1`
	args := []interface{}{filter.ServiceID}

	if filter.Status != "" {
		args = append(args, filter.Status)
		q += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		q += fmt.Sprintf(" AND last_seen >= $%d", len(args))
	}
	q += " ORDER BY last_seen DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	q += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	q += fmt.Sprintf(" OFFSET $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list clusters: %w", err)
	}
	defer rows.Close()

	var out []types.ExceptionCluster
	for rows.Next() {
		c, err := s.scanClusterRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanCluster(row rowScanner) (*types.ExceptionCluster, error) {
	c, err := s.scanClusterRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) scanClusterRow(row rowScanner) (*types.ExceptionCluster, error) {
	var c types.ExceptionCluster
	var repJSON []byte
	var buckets []int64
	var bucketHour int64
	var statusUpdatedAt *time.Time
	var statusUpdatedBy *string

	if err := row.Scan(&c.ID, &c.ServiceID, &c.LogSourceID, &c.FingerprintStatic, &repJSON,
		&c.CanonicalLogger, &c.Size, &buckets, &bucketHour, &c.FirstSeen, &c.LastSeen, &c.Status,
		&statusUpdatedAt, &statusUpdatedBy, &c.HasRCA); err != nil {
		return nil, err
	}

	if len(repJSON) > 0 {
		_ = json.Unmarshal(repJSON, &c.Representative)
	}
	for i := 0; i < 24 && i < len(buckets); i++ {
		c.Frequency24h.Buckets[i] = buckets[i]
	}
	c.Frequency24h.LastUpdateHour = bucketHour
	if statusUpdatedAt != nil {
		c.StatusUpdatedAt = *statusUpdatedAt
	}
	if statusUpdatedBy != nil {
		c.StatusUpdatedBy = *statusUpdatedBy
	}
	return &c, nil
}

func (s *PostgresStore) AdvanceSourceFetchedAt(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE log_sources SET last_fetch_at = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, now)
	if err != nil {
		return fmt.Errorf("store: advance source fetched_at: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetSourceConnectionStatus(ctx context.Context, id string, status string) error {
	const q = `UPDATE log_sources SET connection_status = $2 WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id, status)
	if err != nil {
		return fmt.Errorf("store: set source connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordIndexingResult(ctx context.Context, serviceID, commitHash, status string, indexingErr error) error {
	var errMsg *string
	if indexingErr != nil {
		msg := indexingErr.Error()
		errMsg = &msg
	}
	const q = `INSERT INTO indexing_results (service_id, commit_hash, status, error, recorded_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, q, serviceID, commitHash, status, errMsg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record indexing result: %w", err)
	}
	return nil
}

func (s *PostgresStore) LastIndexedCommit(ctx context.Context, serviceID string) (string, error) {
	const q = `SELECT commit_hash FROM indexing_results
		WHERE service_id = $1 AND status = 'success'
		ORDER BY recorded_at DESC LIMIT 1`
	var commit string
	err := s.pool.QueryRow(ctx, q, serviceID).Scan(&commit)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: last indexed commit: %w", err)
	}
	return commit, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pgxpool.Pool for the migration runner.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}
