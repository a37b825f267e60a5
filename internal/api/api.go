// Package api implements the relay's thin HTTP surface: the
// producer-facing events endpoint, a health check, and an operator
// view of recent bulk failures.
//
// Everything this package does is deliberately shallow: no routing
// logic beyond a few patterns, no auth, no RBAC. The events handler
// exists only to expand a JSON event list into N
// producer.Client.Submit calls and reassemble the per-item results in
// submission order.
package api

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/events-relay/internal/health"
	"github.com/pilot-net/events-relay/internal/indexer"
	"github.com/pilot-net/events-relay/internal/muxdemux"
	"github.com/pilot-net/events-relay/internal/producer"
	"github.com/pilot-net/events-relay/internal/relaydb"
)

// FailureLister lists recent whole-batch indexer failures, newest
// first. Satisfied by relaydb.Store.
type FailureLister interface {
	ListRecentBulkFailures(ctx context.Context, limit int) ([]relaydb.BulkFailure, error)
}

// RequestTimeout bounds a single /events/stateful call.
const RequestTimeout = 30 * time.Second

// Server is the HTTP API server.
type Server struct {
	producer *producer.Client
	health   *health.Collector
	failures FailureLister // may be nil
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer creates a new API server. The producer Client is shared
// across requests; it is cheap and stateless, holding only the shared
// queue handle. failures may be nil when no database is configured,
// which disables the /failures/recent route.
func NewServer(p *producer.Client, h *health.Collector, failures FailureLister, logger *slog.Logger) *Server {
	s := &Server{
		producer: p,
		health:   h,
		failures: failures,
		logger:   logger.With("component", "api"),
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for embedding in an *http.Server.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /events/stateful", s.handleEventsStateful)
	if s.failures != nil {
		s.mux.HandleFunc("GET /failures/recent", s.handleRecentFailures)
	}
}

// handleRecentFailures serves the bulk-failure audit log, newest
// first.
func (s *Server) handleRecentFailures(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	failures, err := s.failures.ListRecentBulkFailures(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list bulk failures", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if failures == nil {
		failures = []relaydb.BulkFailure{}
	}
	s.writeJSON(w, http.StatusOK, failures)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.health.Snapshot(r.Context()))
}

type statefulEventsRequest struct {
	Events []json.RawMessage `json:"events"`
}

// handleEventsStateful expands {"events": [...]} into one
// producer.Client.Submit call per event and returns a JSON object
// keyed by submission order. Errors are surfaced as 400 for
// malformed/empty requests, 504 on timeout, 503 once the relay is
// shutting down, and 500 otherwise.
func (s *Server) handleEventsStateful(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), RequestTimeout)
	defer cancel()

	var reader io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid gzip body")
			return
		}
		defer gz.Close()
		reader = gz
	}

	var req statefulEventsRequest
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, http.StatusBadRequest, "events must be a non-empty array")
		return
	}

	results := make([]indexer.ItemResult, len(req.Events))
	errs := make([]error, len(req.Events))

	// Submit all events concurrently; each blocks independently on its
	// own demuxed response.
	done := make(chan int, len(req.Events))
	for i, event := range req.Events {
		go func(i int, payload json.RawMessage) {
			result, err := s.producer.Submit(ctx, payload, RequestTimeout)
			results[i] = result
			errs[i] = err
			done <- i
		}(i, event)
	}
	for range req.Events {
		<-done
	}

	for _, err := range errs {
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, muxdemux.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for indexer response")
		case errors.Is(err, muxdemux.ErrShuttingDown):
			s.writeError(w, http.StatusServiceUnavailable, "relay is shutting down")
		default:
			s.logger.Error("event submission failed", "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	response := make(map[string]indexer.ItemResult, len(results))
	for i, result := range results {
		response[strconv.Itoa(i)] = result
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
