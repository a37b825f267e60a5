// Command relay runs the stateful events batching relay: a single
// HTTP endpoint accepting producer submissions, a batcher coalescing
// them into bulk writes, and an indexer bulk adaptor shipping the
// result.
//
// # Usage
//
//	relay --config /etc/events-relay/config.yaml
//
// # Configuration
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (RELAY_*)
//   - Config file (--config)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"

	"github.com/pilot-net/events-relay/db/migrate"
	"github.com/pilot-net/events-relay/internal/api"
	"github.com/pilot-net/events-relay/internal/config"
	"github.com/pilot-net/events-relay/internal/producer"
	"github.com/pilot-net/events-relay/internal/supervisor"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		listenAddr = flag.String("listen-addr", "", "HTTP listen address")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("events-relay v0.1.0")
		os.Exit(0)
	}

	cfg := config.Default()
	if *configFile != "" {
		loaded, err := config.LoadFromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logLevel := slog.LevelInfo
	if *debug || cfg.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Tracing is configured entirely through the standard JAEGER_*
	// environment variables; with none set the sampler never samples
	// and spans are no-ops.
	if tracerCfg, err := jaegercfg.FromEnv(); err != nil {
		logger.Warn("tracing disabled", "error", err)
	} else {
		if tracerCfg.ServiceName == "" {
			tracerCfg.ServiceName = "events-relay"
		}
		tracer, closer, err := tracerCfg.NewTracer()
		if err != nil {
			logger.Warn("tracing disabled", "error", err)
		} else {
			opentracing.SetGlobalTracer(tracer)
			defer closer.Close()
		}
	}

	ctx := context.Background()

	if cfg.DB.URL != "" {
		migCtx, migCancel := context.WithTimeout(ctx, 5*time.Minute)
		defer migCancel()
		pool, err := pgxpool.New(migCtx, cfg.DB.URL)
		if err != nil {
			logger.Error("failed to connect to database for migrations", "error", err)
			os.Exit(1)
		}
		if err := migrate.Run(migCtx, pool, logger); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		pool.Close()
	}

	sup, err := supervisor.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to construct supervisor", "error", err)
		os.Exit(1)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	sup.Start(runCtx)

	producerClient := producer.New(sup.Queue(), logger)
	var failures api.FailureLister
	if store := sup.Store(); store != nil {
		failures = store
	}
	apiServer := api.NewServer(producerClient, sup.Health(), failures, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      apiServer.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}

	if err := sup.Shutdown(context.Background()); err != nil {
		logger.Error("supervisor shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
