// Package ingress implements §4.4 and the §6 external interface surface:
// the push ingest endpoint, the cluster query API, health, and metrics.
//
// Router construction and the metrics middleware are grounded in the
// teacher's internal/app/handlers.go (gorilla/mux, a metricsMiddleware
// wrapping every route, JSON response helpers) and internal/app/
// initialization.go's initHTTPServer. The batch-validation pipeline itself
// has no teacher analogue — spec.md §4.4 names an ordered validation
// sequence the teacher's single-record logsIngestHandler does not need —
// and is built fresh against that ordering.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"excluster/internal/cluster"
	"excluster/internal/dedup"
	"excluster/internal/metrics"
	"excluster/internal/ratelimit"
	"excluster/internal/store"
	"excluster/internal/workerpool"
	"excluster/pkg/errors"
	"excluster/pkg/types"
)

const (
	maxMessageBytes    = 50 * 1024
	maxStackTraceBytes = 100 * 1024
)

// Config controls the ingress surface per spec.md §6.
type Config struct {
	Token      string
	BatchLimit int
}

// Server wires the HTTP surface to the shared pipeline components. It holds
// no durable state of its own — everything it touches (dedup cache, rate
// limiter, worker pool, store) is shared with the rest of the process.
type Server struct {
	cfg       Config
	store     store.Store
	pool      *workerpool.Pool
	limiter   *ratelimit.Limiter
	dedup     *dedup.Cache
	clusterer *cluster.Clusterer
	logger    *logrus.Logger

	router *mux.Router
}

// New constructs a Server and registers every route named in §6.
func New(cfg Config, s store.Store, pool *workerpool.Pool, limiter *ratelimit.Limiter, dedupCache *dedup.Cache, clusterer *cluster.Clusterer, logger *logrus.Logger) *Server {
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	srv := &Server{
		cfg:       cfg,
		store:     s,
		pool:      pool,
		limiter:   limiter,
		dedup:     dedupCache,
		clusterer: clusterer,
		logger:    logger,
	}
	srv.router = mux.NewRouter()
	srv.registerRoutes()
	return srv
}

// Router returns the underlying handler for http.Server wiring.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Use(metricsMiddleware)

	s.router.HandleFunc("/ingest/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/ingest/metrics", promhttp.Handler().ServeHTTP).Methods(http.MethodGet)
	s.router.Handle("/ingest/logs", s.requireAuth(http.HandlerFunc(s.handleIngestBatch))).Methods(http.MethodPost)
	s.router.Handle("/ingest/logs/single", s.requireAuth(http.HandlerFunc(s.handleIngestSingle))).Methods(http.MethodPost)

	s.router.HandleFunc("/clusters", s.handleListClusters).Methods(http.MethodGet)
	s.router.HandleFunc("/clusters/{id}", s.handleGetCluster).Methods(http.MethodGet)
	s.router.HandleFunc("/clusters/{id}/status", s.handleSetClusterStatus).Methods(http.MethodPost)
}

// metricsMiddleware logs request latency, matching the teacher's
// metricsMiddleware shape in internal/app/handlers.go. Per-record counters
// (IngestReceivedTotal et al.) are incremented deeper in the pipeline where
// the service_id label is known.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logrus.WithFields(logrus.Fields{
			"path":     r.URL.Path,
			"method":   r.Method,
			"duration": time.Since(start),
		}).Debug("ingress request handled")
	})
}

// requireAuth implements §4.4 validation step 1: bearer token auth.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if s.cfg.Token == "" || len(header) <= len(prefix) || header[:len(prefix)] != prefix || header[len(prefix):] != s.cfg.Token {
			authErr := errors.Auth("require_auth", "invalid or missing bearer token")
			s.logger.WithFields(logrus.Fields(authErr.ToMap())).Warn("ingress: request rejected")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": authErr.Message})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	storeOK := s.store.Ping(ctx) == nil
	status := http.StatusOK
	if !storeOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":   "ok",
		"store_ok": storeOK,
	})
}

type batchRequest struct {
	Logs []types.LogRecord `json:"logs"`
}

type batchResponse struct {
	ReceivedCount int            `json:"received_count"`
	AcceptedCount int            `json:"accepted_count"`
	RejectedCount map[string]int `json:"rejected_count"`
	TaskID        string         `json:"task_id"`
}

func (s *Server) handleIngestSingle(w http.ResponseWriter, r *http.Request) {
	var record types.LogRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	resp := s.ingest(r.Context(), []types.LogRecord{record})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if len(req.Logs) > s.cfg.BatchLimit {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": fmt.Sprintf("batch of %d records exceeds batch_limit %d", len(req.Logs), s.cfg.BatchLimit),
		})
		return
	}
	resp := s.ingest(r.Context(), req.Logs)
	writeJSON(w, http.StatusOK, resp)
}

// ingest runs the §4.4 validation pipeline in order and enqueues every
// record that survives it as a single batch, preserving submission order
// (§4.4 Ordering). The HTTP response always succeeds once authenticated —
// internal failures surface only through rejected_count and metrics (§7
// Propagation policy).
func (s *Server) ingest(ctx context.Context, records []types.LogRecord) batchResponse {
	resp := batchResponse{
		ReceivedCount: len(records),
		RejectedCount: map[string]int{},
	}

	type candidate struct {
		record    types.LogRecord
		normalized types.NormalizedLog
		idx        int
	}

	// Steps 2-4: shape, size, service existence/enablement. serviceOrder
	// tracks first-seen order for the per-service rate-limit pass; each
	// candidate keeps its position in the request so the final accepted slice
	// is rebuilt in submission order even though per-service rate limiting
	// groups records by service (§4.4 Ordering).
	bySevice := map[string][]candidate{}
	var serviceOrder []string
	for i, rec := range records {
		metrics.IngestReceivedTotal.WithLabelValues(rec.ServiceID).Inc()

		if rec.ServiceID == "" || rec.Timestamp.IsZero() || rec.Level == "" || rec.Message == "" {
			resp.RejectedCount["validation"]++
			metrics.IngestRejectedTotal.WithLabelValues(rec.ServiceID, "validation").Inc()
			validationErr := errors.Validation("ingress", "validate_shape", "missing required field").
				WithMetadata("service_id", rec.ServiceID)
			s.logger.WithFields(logrus.Fields(validationErr.ToMap())).Debug("ingress: record rejected")
			continue
		}
		if len(rec.Message) > maxMessageBytes || len(rec.StackTrace) > maxStackTraceBytes {
			resp.RejectedCount["size"]++
			metrics.IngestRejectedTotal.WithLabelValues(rec.ServiceID, "size").Inc()
			validationErr := errors.Validation("ingress", "validate_size", "record exceeds maximum message or stack trace size").
				WithMetadata("service_id", rec.ServiceID)
			s.logger.WithFields(logrus.Fields(validationErr.ToMap())).Debug("ingress: record rejected")
			continue
		}

		svc, err := s.store.GetService(ctx, rec.ServiceID)
		if err != nil || !svc.LogProcessingEnabled {
			resp.RejectedCount["service"]++
			metrics.IngestRejectedTotal.WithLabelValues(rec.ServiceID, "service").Inc()
			validationErr := errors.Validation("ingress", "validate_service", "unknown or disabled service").
				WithMetadata("service_id", rec.ServiceID)
			s.logger.WithFields(logrus.Fields(validationErr.ToMap())).Debug("ingress: record rejected")
			continue
		}

		normalized := types.NormalizedLog{
			Timestamp:        rec.Timestamp.UTC(),
			Level:            types.Level(rec.Level),
			Logger:           rec.Logger,
			Message:          rec.Message,
			ExceptionType:    rec.ExceptionType,
			ExceptionMessage: rec.ExceptionMessage,
			StackTrace:       rec.StackTrace,
			ServiceID:        rec.ServiceID,
			LogSourceID:      "http-push",
			LogID:            uuid.NewString(),
			Hostname:         rec.Hostname,
			TraceID:          rec.TraceID,
			RequestID:        rec.RequestID,
			Attributes:       rec.Attributes,
		}

		if _, ok := bySevice[rec.ServiceID]; !ok {
			serviceOrder = append(serviceOrder, rec.ServiceID)
		}
		bySevice[rec.ServiceID] = append(bySevice[rec.ServiceID], candidate{record: rec, normalized: normalized, idx: i})
	}

	// Step 5: rate limit, applied per service over the whole batch so the
	// accepted/rejected split matches §4.3's Allow(service_id, n) contract
	// (Scenario E: 2000 records against a 500-token bucket -> 500 accepted).
	kept := make([]*types.NormalizedLog, len(records))
	for _, serviceID := range serviceOrder {
		cands := bySevice[serviceID]
		acceptedN := cands
		if s.limiter != nil {
			n, rejected := s.limiter.Allow(serviceID, len(cands))
			acceptedN = cands[:n]
			if rejected > 0 {
				resp.RejectedCount["rate_limit"] += rejected
				metrics.IngestRejectedTotal.WithLabelValues(serviceID, "rate_limit").Add(float64(rejected))
				rateLimitErr := errors.RateLimited("allow", fmt.Sprintf("%d of %d records shed for service", rejected, len(cands))).
					WithMetadata("service_id", serviceID)
				s.logger.WithFields(logrus.Fields(rateLimitErr.ToMap())).Debug("ingress: batch partially rejected")
			}
		}

		// Step 6: dedup. Duplicates are counted but not forwarded.
		for _, cand := range acceptedN {
			if s.dedup != nil {
				hash := dedup.ContentHash(cand.normalized)
				if s.dedup.IsDuplicate(serviceID, hash) {
					resp.RejectedCount["duplicate"]++
					metrics.IngestRejectedTotal.WithLabelValues(serviceID, "duplicate").Inc()
					dupErr := errors.Duplicate("suppress_duplicate", "duplicate suppressed within window").
						WithMetadata("service_id", serviceID).
						WithMetadata("log_id", cand.normalized.LogID)
					s.logger.WithFields(logrus.Fields(dupErr.ToMap())).Debug("ingress: record rejected")
					continue
				}
			}
			normalized := cand.normalized
			kept[cand.idx] = &normalized
		}
	}

	var accepted []types.NormalizedLog
	for _, n := range kept {
		if n != nil {
			accepted = append(accepted, *n)
		}
	}

	if len(accepted) == 0 {
		resp.AcceptedCount = 0
		resp.TaskID = ""
		return resp
	}

	taskID := uuid.NewString()
	if err := s.pool.Submit(workerpool.Batch{TaskID: taskID, Records: accepted}); err != nil {
		s.logger.WithError(err).Warn("ingest: worker pool rejected batch, reporting as accepted=0")
		resp.RejectedCount["queue_overflow"] += len(accepted)
		resp.AcceptedCount = 0
		return resp
	}

	resp.AcceptedCount = len(accepted)
	resp.TaskID = taskID
	for _, log := range accepted {
		metrics.IngestAcceptedTotal.WithLabelValues(log.ServiceID).Inc()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
