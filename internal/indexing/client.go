// Package indexing implements the boundary to the external code-indexing
// collaborator named in spec.md §1 and §4.8: a fire-and-forget HTTP trigger,
// grounded in the teacher's sinks package habit of wrapping an *http.Client
// with a fixed request timeout around a single outbound call (internal/sinks
// loki_sink.go's requestTimeout field) rather than reusing the default
// client's unlimited timeout.
package indexing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
)

// Client posts a trigger request to an external indexing service. It
// implements scheduler.IndexingTrigger without importing that package, since
// the dependency only needs to run one way.
type Client struct {
	endpoint   string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewClient constructs a Client. An empty endpoint is valid; TriggerIndexing
// becomes a no-op so callers can wire indexing.Client unconditionally instead
// of nil-checking at every call site.
func NewClient(endpoint string, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type triggerRequest struct {
	ServiceID string `json:"service_id"`
	ClusterID string `json:"cluster_id"`
}

// TriggerIndexing posts {service_id, cluster_id} to the configured endpoint
// and treats any non-2xx response as an error. The collaborator itself runs
// the indexing job asynchronously; this call only hands off the request.
func (c *Client) TriggerIndexing(ctx context.Context, serviceID, clusterID string) error {
	if c.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(triggerRequest{ServiceID: serviceID, ClusterID: clusterID})
	if err != nil {
		return fmt.Errorf("indexing: marshal trigger request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("indexing: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("indexing: trigger request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("indexing: trigger rejected with status %d", resp.StatusCode)
	}
	return nil
}

type contentHashResponse struct {
	ContentHash string `json:"content_hash"`
}

// SourceContentHash asks the collaborator for the service's current
// source-content hash, the fourth condition of the §4.8 indexing trigger
// gate: a cluster creation only re-triggers indexing when this differs from
// the store's recorded last_indexed_commit. An empty endpoint returns an
// empty hash, which the scheduler treats as "unknown, assume unchanged".
func (c *Client) SourceContentHash(ctx context.Context, serviceID string) (string, error) {
	if c.endpoint == "" {
		return "", nil
	}

	reqURL := fmt.Sprintf("%s/content-hash?service_id=%s", c.endpoint, url.QueryEscape(serviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("indexing: build content-hash request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("indexing: content-hash request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("indexing: content-hash rejected with status %d", resp.StatusCode)
	}

	var out contentHashResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("indexing: decode content-hash response: %w", err)
	}
	return out.ContentHash, nil
}
