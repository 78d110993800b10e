package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"excluster/internal/cluster"
	"excluster/internal/dedup"
	"excluster/internal/extract"
	"excluster/internal/ratelimit"
	"excluster/internal/store"
	"excluster/internal/workerpool"
	"excluster/pkg/types"
)

func newTestServer(t *testing.T, limiterCfg ratelimit.Config) (*Server, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	s.SeedService(types.Service{ID: "web-api", Active: true, LogProcessingEnabled: true})
	s.SeedService(types.Service{ID: "disabled-svc", Active: true, LogProcessingEnabled: false})

	c := cluster.New(s, nil)
	d := dedup.New(dedup.Config{Window: time.Minute}, nil)
	t.Cleanup(d.Close)

	limiter := ratelimit.New(limiterCfg)
	pool := workerpool.New(workerpool.Config{PoolSize: 2, QueueCapacity: 100, EnqueueTimeout: time.Second}, d, c, extract.Options{}, nil, nil)
	pool.Start()
	t.Cleanup(pool.Stop)

	srv := New(Config{Token: "secret", BatchLimit: 10}, s, pool, limiter, d, c, nil)
	return srv, s
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer secret")
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)
	return rr
}

func sampleLog(serviceID string) types.LogRecord {
	return types.LogRecord{
		ServiceID: serviceID,
		Timestamp: time.Now(),
		Level:     "ERROR",
		Logger:    "com.x.UserService",
		Message:   "boom",
	}
}

func TestIngest_RejectsWithoutBearerToken(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 100, RefillPerMinute: 100})

	req := httptest.NewRequest(http.MethodPost, "/ingest/logs", bytes.NewBufferString(`{"logs":[]}`))
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestIngest_ValidationOrderRejectsMissingFields(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 100, RefillPerMinute: 100})

	rr := doRequest(srv, http.MethodPost, "/ingest/logs", batchRequest{Logs: []types.LogRecord{
		{ServiceID: "web-api"}, // missing timestamp/level/message
	}})

	require.Equal(t, http.StatusOK, rr.Code)
	var resp batchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.RejectedCount["validation"])
	assert.Equal(t, 0, resp.AcceptedCount)
}

func TestIngest_RejectsDisabledService(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 100, RefillPerMinute: 100})

	rr := doRequest(srv, http.MethodPost, "/ingest/logs", batchRequest{Logs: []types.LogRecord{sampleLog("disabled-svc")}})

	var resp batchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.RejectedCount["service"])
}

// TestIngest_DuplicateWithinWindowIsRejected covers Scenario D: the same
// content submitted twice inside the dedup window is accepted once.
func TestIngest_DuplicateWithinWindowIsRejected(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 100, RefillPerMinute: 100})

	log := sampleLog("web-api")
	rr1 := doRequest(srv, http.MethodPost, "/ingest/logs", batchRequest{Logs: []types.LogRecord{log}})
	var resp1 batchResponse
	require.NoError(t, json.Unmarshal(rr1.Body.Bytes(), &resp1))
	assert.Equal(t, 1, resp1.AcceptedCount)

	rr2 := doRequest(srv, http.MethodPost, "/ingest/logs", batchRequest{Logs: []types.LogRecord{log}})
	var resp2 batchResponse
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &resp2))
	assert.Equal(t, 0, resp2.AcceptedCount)
	assert.Equal(t, 1, resp2.RejectedCount["duplicate"])
}

// TestIngest_RateLimitCutsOffExcessRecords covers Scenario E: a batch larger
// than the bucket capacity is partially accepted.
func TestIngest_RateLimitCutsOffExcessRecords(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 5, RefillPerMinute: 0})

	logs := make([]types.LogRecord, 10)
	for i := range logs {
		logs[i] = sampleLog("web-api")
		logs[i].Message = logs[i].Message + string(rune('a'+i)) // distinct content, avoid dedup interference
	}

	rr := doRequest(srv, http.MethodPost, "/ingest/logs", batchRequest{Logs: logs})
	var resp batchResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.Equal(t, 5, resp.AcceptedCount)
	assert.Equal(t, 5, resp.RejectedCount["rate_limit"])
}

func TestHealth_ReportsStoreOK(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 100, RefillPerMinute: 100})

	req := httptest.NewRequest(http.MethodGet, "/ingest/health", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["store_ok"])
}

func TestClusterQuery_GetUnknownClusterReturns404(t *testing.T) {
	srv, _ := newTestServer(t, ratelimit.Config{Capacity: 100, RefillPerMinute: 100})

	req := httptest.NewRequest(http.MethodGet, "/clusters/does-not-exist", nil)
	rr := httptest.NewRecorder()
	srv.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
}
