// Command memcored composes every memcore layer into one running process:
// ConversationLog, ImmutableStore, MutableStore, VectorIndex, FactStore,
// the MemoryOrchestrator, the Coordination layer, and — when NEO4J_URI is
// set — the GraphMirror sync worker. It has no network-facing API of its
// own; memcore is a library, and this binary exists to prove the wiring
// and give operators a process to run migrations and health checks against.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/internal/store"
	"github.com/kittclouds/memcore/pkg/config"
	"github.com/kittclouds/memcore/pkg/conversation"
	"github.com/kittclouds/memcore/pkg/coordination"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/graph"
	"github.com/kittclouds/memcore/pkg/immutable"
	"github.com/kittclouds/memcore/pkg/logging"
	"github.com/kittclouds/memcore/pkg/memory"
	"github.com/kittclouds/memcore/pkg/mutable"
	"github.com/kittclouds/memcore/pkg/vector"
)

func main() {
	logger := logging.New()
	defer logger.Sync()

	deployment := config.Load(os.Getenv("MEMCORE_ENV_FILE"), logger)
	logger.Info("memcored: starting", zap.String("mode", string(deployment.Mode)))

	dsn := os.Getenv("MEMCORE_DB_PATH")
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := store.NewWithDSN(dsn, logger)
	if err != nil {
		logger.Fatal("memcored: open store", zap.Error(err))
	}
	defer db.Close()

	convLog := conversation.New(db, conversation.Options{Logger: logger})
	imm := immutable.New(db, immutable.Options{Logger: logger})
	mut := mutable.New(db, mutable.Options{Logger: logger})
	vecIdx := vector.New(db, vector.Options{Logger: logger})
	facts := fact.New(db, fact.Options{Logger: logger})

	var mirror *graph.Mirror
	var worker *graph.Worker
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		adapter := graph.NewNeo4jAdapter(uri, os.Getenv("NEO4J_USER"), os.Getenv("NEO4J_PASSWORD"), logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := adapter.Connect(ctx); err != nil {
			logger.Error("memcored: graph adapter disabled, connect failed", zap.Error(err))
		} else {
			mirror = graph.NewMirror(adapter)
			logger.Info("memcored: graph mirror connected", zap.String("uri", uri))

			source := graph.NewStoreChangeSource(db, time.Now().UnixMilli())
			worker = graph.NewWorker(source, mirror, graphWorkerConfig(logger), logger)
			worker.Start(context.Background())
			logger.Info("memcored: graph sync worker started")
		}
		cancel()
	}

	var graphSync memory.GraphSyncer
	var cascadeGraph coordination.CascadeGraph
	if mirror != nil {
		graphSync = mirror
		cascadeGraph = mirror
	}

	orchestrator := memory.New(convLog, vecIdx, facts, memory.Options{
		Logger: logger,
		Graph:  graphSync,
	})
	_ = orchestrator

	coordinator := coordination.New(db, convLog, imm, mut, vecIdx, facts, cascadeGraph, coordination.Options{Logger: logger})
	_ = coordinator

	logger.Info("memcored: ready")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("memcored: shutting down")
	if worker != nil {
		worker.Stop()
	}
}

// graphWorkerConfig reads the sync worker's batching/retry/backoff knobs
// from the environment, falling back to graph.WorkerConfig's defaults for
// anything unset or unparseable.
func graphWorkerConfig(logger *zap.Logger) graph.WorkerConfig {
	cfg := graph.WorkerConfig{
		Verbose: os.Getenv("MEMCORE_GRAPH_WORKER_VERBOSE") == "true",
	}
	if v := os.Getenv("MEMCORE_GRAPH_WORKER_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		} else {
			logger.Warn("memcored: invalid MEMCORE_GRAPH_WORKER_BATCH_SIZE, using default", zap.String("value", v))
		}
	}
	if v := os.Getenv("MEMCORE_GRAPH_WORKER_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetryAttempts = n
		} else {
			logger.Warn("memcored: invalid MEMCORE_GRAPH_WORKER_RETRY_ATTEMPTS, using default", zap.String("value", v))
		}
	}
	if v := os.Getenv("MEMCORE_GRAPH_WORKER_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backoff = time.Duration(n) * time.Millisecond
		} else {
			logger.Warn("memcored: invalid MEMCORE_GRAPH_WORKER_BACKOFF_MS, using default", zap.String("value", v))
		}
	}
	if v := os.Getenv("MEMCORE_GRAPH_WORKER_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		} else {
			logger.Warn("memcored: invalid MEMCORE_GRAPH_WORKER_POLL_INTERVAL_MS, using default", zap.String("value", v))
		}
	}
	return cfg
}
