package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"excluster/pkg/types"
)

// ElasticsearchConfig configures a single opensearch/elasticsearch-backed
// Adapter. Field names mirror the teacher's
// internal/sinks/elasticsearch_sink.go ElasticsearchConfig, trimmed to the
// read-side concerns a pull query needs (no batching/compression knobs).
type ElasticsearchConfig struct {
	Hosts    []string
	Username string
	Password string
	APIKey   string
}

// ElasticsearchAdapter queries a time-windowed range of documents out of an
// index pattern, the mirror image of the teacher's write-side
// ElasticsearchSink. It serves both SourceTypeOpenSearch and
// SourceTypeElasticsearch — the wire protocol the go-elasticsearch client
// speaks is the same for both.
type ElasticsearchAdapter struct {
	client *elasticsearch.Client
}

// NewElasticsearchAdapter constructs the client once; individual Fetch calls
// only vary by index pattern and window.
func NewElasticsearchAdapter(cfg ElasticsearchConfig) (*ElasticsearchAdapter, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Hosts,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("construct elasticsearch client: %w", err)
	}
	return &ElasticsearchAdapter{client: client}, nil
}

type esHit struct {
	Source struct {
		Timestamp        time.Time         `json:"@timestamp"`
		Level            string            `json:"level"`
		Logger           string            `json:"logger"`
		Message          string            `json:"message"`
		ExceptionType    string            `json:"exception_type"`
		ExceptionMessage string            `json:"exception_message"`
		StackTrace       string            `json:"stack_trace"`
		Hostname         string            `json:"hostname"`
		TraceID          string            `json:"trace_id"`
		Attributes       map[string]string `json:"attributes"`
	} `json:"_source"`
	ID string `json:"_id"`
}

type esSearchResponse struct {
	Hits struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

// Fetch runs a range query against source.IndexPattern bounded by window,
// optionally narrowed by source.QueryFilter (a raw query_string clause).
func (a *ElasticsearchAdapter) Fetch(ctx context.Context, source types.LogSource, window Window) ([]types.NormalizedLog, error) {
	query := map[string]interface{}{
		"size": 10000,
		"sort": []map[string]interface{}{{"@timestamp": "asc"}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"filter": []map[string]interface{}{
					{"range": map[string]interface{}{
						"@timestamp": map[string]interface{}{
							"gte": window.Start.Format(time.RFC3339Nano),
							"lte": window.End.Format(time.RFC3339Nano),
						},
					}},
				},
			},
		},
	}
	if source.QueryFilter != "" {
		boolQuery := query["query"].(map[string]interface{})["bool"].(map[string]interface{})
		musts := []map[string]interface{}{{"query_string": map[string]interface{}{"query": source.QueryFilter}}}
		boolQuery["must"] = musts
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("encode search body: %w", err)
	}

	req := esapi.SearchRequest{
		Index: []string{source.IndexPattern},
		Body:  &buf,
	}
	res, err := req.Do(ctx, a.client)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("elasticsearch search returned %s: %s", res.Status(), body)
	}

	var parsed esSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	logs := make([]types.NormalizedLog, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		logs = append(logs, types.NormalizedLog{
			Timestamp:        hit.Source.Timestamp,
			Level:            types.Level(hit.Source.Level),
			Logger:           hit.Source.Logger,
			Message:          hit.Source.Message,
			ExceptionType:    hit.Source.ExceptionType,
			ExceptionMessage: hit.Source.ExceptionMessage,
			StackTrace:       hit.Source.StackTrace,
			ServiceID:        source.ServiceID,
			LogSourceID:      source.ID,
			LogID:            hit.ID,
			Hostname:         hit.Source.Hostname,
			TraceID:          hit.Source.TraceID,
			Attributes:       hit.Source.Attributes,
		})
	}
	return logs, nil
}
