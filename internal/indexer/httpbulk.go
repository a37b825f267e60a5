package indexer

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// EventsIndex is the fixed index every bulk "create" operation
// targets. Document ids are always server-assigned.
const EventsIndex = "wazuh-events"

// Config configures the HTTP bulk adaptor.
type Config struct {
	Host     string
	User     string
	Password string

	// InsecureSkipVerify disables TLS verification; only ever set for
	// local development against a self-signed indexer.
	InsecureSkipVerify bool

	// Timeout bounds a single bulk HTTP call.
	Timeout time.Duration

	// RateLimit caps outbound bulk requests per second so a burst of
	// flushes can't overrun the indexer transport. 0 disables limiting.
	RateLimit float64
}

// HTTPBulkAdaptor implements BulkAdaptor against an indexer's bulk
// HTTP endpoint: gzip-compressed newline-delimited JSON, basic auth,
// and an optional outbound rate cap.
type HTTPBulkAdaptor struct {
	client      *http.Client
	host        string
	user        string
	password    string
	rateLimiter *rate.Limiter
	logger      *slog.Logger
}

// NewHTTPBulkAdaptor creates an HTTP-backed bulk adaptor.
func NewHTTPBulkAdaptor(cfg Config, logger *slog.Logger) *HTTPBulkAdaptor {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	return &HTTPBulkAdaptor{
		client:      &http.Client{Timeout: timeout, Transport: transport},
		host:        cfg.Host,
		user:        cfg.User,
		password:    cfg.Password,
		rateLimiter: limiter,
		logger:      logger.With("component", "indexer_http_bulk"),
	}
}

type bulkResponse struct {
	Items []bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	Create bulkResponseCreate `json:"create"`
}

type bulkResponseCreate struct {
	Status int        `json:"status"`
	Error  *ItemError `json:"error,omitempty"`
}

// Bulk frames docs as one bulk HTTP request and returns position-
// preserving per-item results. A whole-request failure (transport
// error or non-2xx status) is surfaced as a single error; the Batcher
// synthesizes per-uid failures from it.
func (a *HTTPBulkAdaptor) Bulk(ctx context.Context, docs []Doc) ([]ItemResult, error) {
	if a.rateLimiter != nil {
		if err := a.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	body, err := a.encodeBulkBody(docs)
	if err != nil {
		return nil, fmt.Errorf("encoding bulk request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.host+"/_bulk", body)
	if err != nil {
		return nil, fmt.Errorf("building bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Content-Encoding", "gzip")
	if a.user != "" {
		req.SetBasicAuth(a.user, a.password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending bulk request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("bulk request failed with status %d: %s", resp.StatusCode, string(msg))
	}

	var parsed bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding bulk response: %w", err)
	}
	if len(parsed.Items) != len(docs) {
		return nil, fmt.Errorf("bulk response item count %d does not match request count %d", len(parsed.Items), len(docs))
	}

	results := make([]ItemResult, len(parsed.Items))
	for i, item := range parsed.Items {
		results[i] = ItemResult{Status: item.Create.Status, Error: item.Create.Error}
	}
	return results, nil
}

// encodeBulkBody writes one create-action/doc pair per input document
// as newline-delimited JSON, gzip-compressed.
func (a *HTTPBulkAdaptor) encodeBulkBody(docs []Doc) (*bytes.Buffer, error) {
	var raw bytes.Buffer
	for _, doc := range docs {
		action := map[string]any{"create": map[string]any{"_index": EventsIndex}}
		if err := json.NewEncoder(&raw).Encode(action); err != nil {
			return nil, err
		}
		if err := json.NewEncoder(&raw).Encode(doc.Payload); err != nil {
			return nil, err
		}
	}

	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return &compressed, nil
}
