// Package relaydb provides the relay's only persistent state: a
// periodically-reloaded batcher configuration row and an audit log of
// whole-batch indexer failures. Nothing about the in-flight buffer or
// mux/demux routing is persisted here; this is operational and config
// state only.
package relaydb

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/events-relay/internal/batcher"
)

// Store provides database access for the relay.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store over an existing pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL connects to url and returns a Store.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// LoadBatcherConfig reads the single active row from batcher_config.
// Returns fallback unchanged if no row exists yet (first boot before
// any operator override).
func (s *Store) LoadBatcherConfig(ctx context.Context, fallback batcher.Config) (batcher.Config, error) {
	var maxElements, maxSize, maxTimeSeconds int
	err := s.pool.QueryRow(ctx, `
		SELECT max_elements, max_size_bytes, max_time_seconds
		FROM batcher_config
		WHERE id = 1
	`).Scan(&maxElements, &maxSize, &maxTimeSeconds)
	if err != nil {
		return fallback, nil
	}

	return batcher.Config{
		MaxElements: maxElements,
		MaxSize:     maxSize,
		MaxTime:     time.Duration(maxTimeSeconds) * time.Second,
	}, nil
}

// RefreshBatcherConfig polls LoadBatcherConfig on interval and invokes
// apply whenever the effective config changes.
func (s *Store) RefreshBatcherConfig(ctx context.Context, interval time.Duration, current batcher.Config, apply func(batcher.Config)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg, err := s.LoadBatcherConfig(ctx, current)
			if err != nil {
				continue
			}
			if cfg != current {
				current = cfg
				apply(cfg)
			}
		}
	}
}

// BulkFailure is one audit-log row recording a whole-batch indexer
// failure.
type BulkFailure struct {
	OccurredAt time.Time `json:"occurred_at"`
	BatchSize  int       `json:"batch_size"`
	Reason     string    `json:"reason"`
}

// RecordBulkFailure appends a row to bulk_failures. Best-effort: a
// failure to record a failure must never block the batcher's recovery
// path, so callers should log and discard this method's error rather
// than retry.
func (s *Store) RecordBulkFailure(ctx context.Context, f BulkFailure) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bulk_failures (occurred_at, batch_size, reason)
		VALUES ($1, $2, $3)
	`, f.OccurredAt, f.BatchSize, f.Reason)
	return err
}

// ListRecentBulkFailures returns the most recent failures, newest
// first, bounded by limit.
func (s *Store) ListRecentBulkFailures(ctx context.Context, limit int) ([]BulkFailure, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT occurred_at, batch_size, reason
		FROM bulk_failures
		ORDER BY occurred_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []BulkFailure
	for rows.Next() {
		var f BulkFailure
		if err := rows.Scan(&f.OccurredAt, &f.BatchSize, &f.Reason); err != nil {
			return nil, err
		}
		failures = append(failures, f)
	}
	return failures, rows.Err()
}
