// Package supervisor owns the relay's core: it constructs the Queue
// and the Batcher worker, hands out the Queue handle producers use to
// build a producer.Client, and runs the shutdown sequence. Keeping
// construction and teardown here leaves cmd/relay/main.go a thin
// wiring shell.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/events-relay/internal/batcher"
	"github.com/pilot-net/events-relay/internal/config"
	"github.com/pilot-net/events-relay/internal/health"
	"github.com/pilot-net/events-relay/internal/indexer"
	"github.com/pilot-net/events-relay/internal/muxdemux"
	"github.com/pilot-net/events-relay/internal/relaydb"
)

// Supervisor constructs and owns the relay's core: the Queue, the
// Batcher worker, and (when configured) the Postgres-backed config
// reload/audit store. It never touches the buffer or timer directly;
// those stay exclusively inside the Batcher.
type Supervisor struct {
	queue      muxdemux.Queue
	batcherRun *batcher.Batcher
	batcherCfg batcher.Config
	health     *health.Collector
	store      *relaydb.Store
	reload     time.Duration
	logger     *slog.Logger

	cancelReload context.CancelFunc
}

// New constructs a Supervisor from loaded configuration: it builds the
// Queue, resolves indexer credentials, constructs the indexer Bulk
// Adaptor, and builds the Batcher, but does not start the Batcher yet
// (see Start). The Redis queue backend does start its Redis reader
// goroutine here, at construction. A config.Validate failure must be handled by the
// caller before New is reached; New assumes cfg is already valid.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = slog.Default()
	}

	queue, err := buildQueue(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "building mux/demux queue")
	}

	creds, err := indexer.ResolveCredentials(ctx, cfg.Indexer.SecretsBackend,
		indexer.Config{User: cfg.Indexer.User, Password: cfg.Indexer.Password},
		cfg.Indexer.VaultID, cfg.Indexer.ItemTitle, logger)
	if err != nil {
		return nil, errors.Wrap(err, "resolving indexer credentials")
	}

	adaptor := indexer.NewHTTPBulkAdaptor(indexer.Config{
		Host:      cfg.Indexer.Host,
		User:      creds.User,
		Password:  creds.Password,
		Timeout:   30 * time.Second,
		RateLimit: 50,
	}, logger)

	b := batcher.New(queue, adaptor, cfg.ToBatcherConfig(), nil, logger)

	var depthProvider health.QueueDepthProvider
	if dp, ok := queue.(health.QueueDepthProvider); ok {
		depthProvider = dp
	}

	var store *relaydb.Store
	if cfg.DB.URL != "" {
		store, err = relaydb.NewStoreFromURL(ctx, cfg.DB.URL)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to relay database")
		}
		b.OnBulkFailure(func(ctx context.Context, batchSize int, reason string) {
			rec := relaydb.BulkFailure{OccurredAt: time.Now(), BatchSize: batchSize, Reason: reason}
			if err := store.RecordBulkFailure(ctx, rec); err != nil {
				logger.Warn("failed to record bulk failure", "error", err)
			}
		})
	}

	reload := time.Duration(cfg.DB.ConfigReloadInterval) * time.Second
	if reload <= 0 {
		reload = 30 * time.Second
	}

	return &Supervisor{
		queue:      queue,
		batcherRun: b,
		batcherCfg: cfg.ToBatcherConfig(),
		health:     health.NewCollector(b, depthProvider),
		store:      store,
		reload:     reload,
		logger:     logger.With("component", "supervisor"),
	}, nil
}

func buildQueue(cfg *config.Config, logger *slog.Logger) (muxdemux.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		opts, err := redis.ParseURL(cfg.Queue.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid queue.redis_url: %w", err)
		}
		client := redis.NewClient(opts)
		return muxdemux.NewRedisQueue(client, cfg.Queue.KeyPrefix, logger), nil
	case "inproc", "":
		return muxdemux.NewInProcQueue(cfg.Queue.MuxCapacity, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}

// Queue returns the shared, non-owning Queue handle producers use to
// build a producer.Client.
func (s *Supervisor) Queue() muxdemux.Queue {
	return s.queue
}

// Store returns the optional database store, or nil when no database
// is configured.
func (s *Supervisor) Store() *relaydb.Store {
	return s.store
}

// Health returns the health collector for the HTTP /health handler.
func (s *Supervisor) Health() *health.Collector {
	return s.health
}

// Start spawns the Batcher worker and, if a database is configured,
// a loop that periodically re-reads the BatcherConfig row, mirroring
// worker.AlertWorker.refreshConfig's polling shape. A changed row is
// only logged; the running Batcher keeps the thresholds it was built
// with until the relay restarts.
func (s *Supervisor) Start(ctx context.Context) {
	go s.batcherRun.Run(ctx)
	s.logger.Info("batcher worker started")

	if s.store != nil {
		reloadCtx, cancel := context.WithCancel(ctx)
		s.cancelReload = cancel
		go s.store.RefreshBatcherConfig(reloadCtx, s.reload, s.batcherCfg, func(batcher.Config) {
			s.logger.Info("batcher config changed in database; restart the relay to apply it")
		})
		s.logger.Info("batcher config reload loop started")
	}
}

// Shutdown signals the Batcher to stop, which performs a final flush
// and drains in-flight flushes (see batcher.Batcher.Stop), closes the
// Queue so further Subscribe/SendToMux calls fail with
// muxdemux.ErrShuttingDown, and closes the database connection if one
// was opened.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down: stopping batcher")
	s.batcherRun.Stop()

	if s.cancelReload != nil {
		s.cancelReload()
	}

	if err := s.queue.Close(); err != nil {
		return errors.Wrap(err, "closing queue")
	}

	if s.store != nil {
		s.store.Close()
	}

	s.logger.Info("shutdown complete")
	return nil
}
