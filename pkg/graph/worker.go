package graph

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kittclouds/memcore/pkg/coordination"
	"github.com/kittclouds/memcore/pkg/fact"
	"github.com/kittclouds/memcore/pkg/vector"
)

// ChangeKind identifies which authoritative entity a ChangeRecord carries.
type ChangeKind string

const (
	ChangeMemory  ChangeKind = "memory"
	ChangeFact    ChangeKind = "fact"
	ChangeContext ChangeKind = "context"
)

// ChangeRecord is one entry from the authoritative store's change feed. Only
// the field matching Kind is populated. Deleted marks a removal rather than
// an upsert; EntityID identifies the removed entity in that case.
type ChangeRecord struct {
	Kind     ChangeKind
	EntityID string
	Deleted  bool

	Memory  *vector.Memory
	Fact    *fact.Fact
	Context *coordination.Context
}

// ChangeSource is a reactive subscription onto the authoritative stores.
// Next blocks (subject to ctx) until at least one change is available or
// the source is drained, returning up to max records in causal order.
type ChangeSource interface {
	Next(ctx context.Context, max int) ([]ChangeRecord, error)
}

// WorkerConfig configures the sync worker's batching and retry behavior.
type WorkerConfig struct {
	BatchSize     int
	RetryAttempts int
	Backoff       time.Duration
	Verbose       bool
	PollInterval  time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 200 * time.Millisecond
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// WorkerMetrics is the point-in-time snapshot exposed by Worker.Metrics.
type WorkerMetrics struct {
	Processed       int64
	Failed          int64
	LagMs           int64
	LastProcessedAt int64
}

// Worker drains a ChangeSource and applies it to a Mirror, in order of
// causality, with per-record retry and exponential backoff. Graph failures
// never propagate back to the authoritative writes that produced the
// change feed entries; after RetryAttempts a record is counted as failed
// and the worker moves on to the next one.
type Worker struct {
	source  ChangeSource
	mirror  *Mirror
	cfg     WorkerConfig
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	metrics WorkerMetrics
}

// NewWorker constructs a sync worker. cfg zero values fall back to defaults.
func NewWorker(source ChangeSource, mirror *Mirror, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		source: source,
		mirror: mirror,
		cfg:    cfg.withDefaults(),
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start begins the poll loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop halts further polling and waits for the in-flight batch to drain:
// every record in it is attempted, though a retry backoff still pending
// when Stop is called is cut short and that record is counted neither as
// processed nor as failed. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Metrics returns a snapshot of {processed, failed, lagMs, lastProcessedAt}.
func (w *Worker) Metrics() WorkerMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.metrics
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drainOnce(ctx)
		}
	}
}

// drainOnce pulls one batch and applies it. It is exported-shape (lowercase
// because there's no external caller yet) so tests can drive a single
// iteration deterministically instead of racing the ticker.
func (w *Worker) drainOnce(ctx context.Context) {
	batch, err := w.source.Next(ctx, w.cfg.BatchSize)
	if err != nil {
		if w.cfg.Verbose {
			w.logger.Warn("graph: change feed read failed", zap.Error(err))
		}
		return
	}
	for _, rec := range batch {
		w.applyWithRetry(ctx, rec)
	}
}

func (w *Worker) applyWithRetry(ctx context.Context, rec ChangeRecord) {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < w.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			wait := backoffDuration(w.cfg.Backoff, attempt)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			}
		}
		lastErr = w.apply(ctx, rec)
		if lastErr == nil {
			break
		}
		if w.cfg.Verbose {
			w.logger.Warn("graph: sync attempt failed", zap.String("kind", string(rec.Kind)), zap.String("entityId", rec.EntityID), zap.Int("attempt", attempt+1), zap.Error(lastErr))
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.metrics.LagMs = time.Since(start).Milliseconds()
	w.metrics.LastProcessedAt = time.Now().UnixMilli()
	if lastErr != nil {
		w.metrics.Failed++
		w.logger.Error("graph: sync exhausted retries", zap.String("kind", string(rec.Kind)), zap.String("entityId", rec.EntityID), zap.Error(lastErr))
		return
	}
	w.metrics.Processed++
}

func (w *Worker) apply(ctx context.Context, rec ChangeRecord) error {
	switch rec.Kind {
	case ChangeMemory:
		if rec.Deleted {
			return w.mirror.DeleteMemory(ctx, rec.EntityID)
		}
		if rec.Memory == nil {
			return nil
		}
		return w.mirror.SyncMemory(ctx, rec.Memory)
	case ChangeFact:
		if rec.Deleted {
			return nil // facts are append-only/superseded, never hard-deleted outside the GDPR cascade
		}
		if rec.Fact == nil {
			return nil
		}
		return w.mirror.SyncFact(ctx, rec.Fact)
	case ChangeContext:
		if rec.Deleted || rec.Context == nil {
			return nil
		}
		_, err := w.mirror.SyncContextToGraph(ctx, rec.Context)
		return err
	default:
		return nil
	}
}

// backoffDuration returns base * 2^(attempt-1), capped to avoid overflow on
// a long-running worker with a large RetryAttempts configured.
func backoffDuration(base time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return base
	}
	factor := math.Pow(2, float64(attempt-1))
	if factor > 64 {
		factor = 64
	}
	return time.Duration(float64(base) * factor)
}
