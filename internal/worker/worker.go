// Package worker owns the queue consumption loop: one job at a time,
// bounded retries with exponential backoff, shutdown-safe re-queueing, and
// sole authority over terminal job status.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/reelsmith/reelsmith/internal/cache"
	"github.com/reelsmith/reelsmith/internal/progress"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/pkg/models"
)

const statusTTL = 30 * time.Minute

// Pipeline is the orchestrator contract the worker supervises.
type Pipeline interface {
	Execute(ctx context.Context, payload models.JobPayload) (string, error)
}

// Config tunes the retry loop.
type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	DequeueTimeout time.Duration
}

// HealthStatus reports liveness of the worker's dependencies and loop, for
// an external probe.
type HealthStatus struct {
	QueueOK bool `json:"queue_ok"`
	StoreOK bool `json:"store_ok"`
	Running bool `json:"running"`
}

// Worker runs the sequential dequeue-execute-retry loop. Horizontal scaling
// is multiple worker processes competing on the same queue; there is no
// concurrency across jobs inside one worker.
type Worker struct {
	cfg      Config
	queue    queue.Queue
	store    store.Store
	cache    cache.Cache
	sink     progress.Sink
	pipeline Pipeline

	running      atomic.Bool
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

func New(cfg Config, q queue.Queue, st store.Store, ca cache.Cache, sink progress.Sink, p Pipeline) *Worker {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	return &Worker{
		cfg:        cfg,
		queue:      q,
		store:      st,
		cache:      ca,
		sink:       sink,
		pipeline:   p,
		shutdownCh: make(chan struct{}),
	}
}

// Shutdown requests a stop. The loop observes it at the next safe point:
// the dequeue boundary or an inter-retry wait, never mid-stage.
func (w *Worker) Shutdown() {
	w.shutdownOnce.Do(func() { close(w.shutdownCh) })
}

// Run consumes jobs until shutdown. The dequeue timeout is bounded so the
// shutdown flag is re-checked periodically even with no traffic.
func (w *Worker) Run(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)
	slog.Info("worker started", "max_retries", w.cfg.MaxRetries)

	for !w.stopping(ctx) {
		payload, err := w.queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			if w.stopping(ctx) {
				break
			}
			slog.Error("dequeue failed", "error", err)
			w.sleep(ctx, w.cfg.BackoffBase)
			continue
		}

		var jp models.JobPayload
		if err := json.Unmarshal(payload, &jp); err != nil || jp.JobID == uuid.Nil {
			slog.Error("dropping malformed job payload", "error", err)
			continue
		}

		w.process(ctx, jp, payload)
	}

	slog.Info("worker stopped")
}

// process runs up to MaxRetries attempts for one job. It is the single
// point deciding retry versus terminal, and the single writer of terminal
// job status.
func (w *Worker) process(ctx context.Context, jp models.JobPayload, raw []byte) {
	logger := slog.With("job_id", jp.JobID)

	for attempt := 0; attempt < w.cfg.MaxRetries; attempt++ {
		if w.stopping(ctx) {
			w.requeue(ctx, jp.JobID, raw)
			return
		}

		err := w.execute(ctx, jp)
		if err == nil {
			logger.Info("job completed", "attempt", attempt)
			return
		}

		if !retryable(err) {
			logger.Error("job failed", "attempt", attempt, "error", err)
			w.fail(ctx, jp.JobID, err)
			return
		}
		if attempt == w.cfg.MaxRetries-1 {
			logger.Error("job failed, retries exhausted", "attempts", w.cfg.MaxRetries, "error", err)
			w.fail(ctx, jp.JobID, err)
			return
		}

		delay := w.backoff(attempt)
		logger.Warn("job attempt failed, retrying", "attempt", attempt, "backoff", delay, "error", err)
		w.publishStatus(ctx, jp.JobID, models.EventStatusRetrying, 0,
			fmt.Sprintf("attempt %d failed: %v", attempt+1, err))
		w.sleep(ctx, delay)
	}
}

// execute performs one attempt: job to processing, pipeline run, job to
// completed with the artifact reference.
func (w *Worker) execute(ctx context.Context, jp models.JobPayload) error {
	if err := w.store.UpdateJobStatus(ctx, jp.JobID, models.JobStatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("mark job processing: %w", err)
		}
		return fmt.Errorf("%w: mark job processing: %v", errInfra, err)
	}
	_ = w.cache.SetJobStatus(ctx, jp.JobID, models.JobStatusProcessing, statusTTL)
	w.publishStatus(ctx, jp.JobID, models.EventStatusProcessing, 0, "job started")

	outputRef, err := w.pipeline.Execute(ctx, jp)
	if err != nil {
		return err
	}

	if err := w.store.UpdateJobStatus(ctx, jp.JobID, models.JobStatusCompleted, store.WithOutputRef(outputRef)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return fmt.Errorf("mark job completed: %w", err)
		}
		return fmt.Errorf("%w: mark job completed: %v", errInfra, err)
	}
	_ = w.cache.SetJobStatus(ctx, jp.JobID, models.JobStatusCompleted, statusTTL)
	w.publishStatus(ctx, jp.JobID, models.EventStatusCompleted, 100, "video ready")
	return nil
}

// fail records the terminal failure and publishes the single terminal
// event. Uses an uncancellable context so a shutdown signal cannot lose the
// terminal write.
func (w *Worker) fail(ctx context.Context, jobID uuid.UUID, cause error) {
	base := context.WithoutCancel(ctx)
	msg := cause.Error()
	if err := w.store.UpdateJobStatus(base, jobID, models.JobStatusFailed, store.WithErrorMessage(msg)); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// A stale duplicate delivery of a job that already reached a
			// terminal status. The durable state wins: no failed event and
			// no mirror write on top of it.
			slog.Warn("job already terminal, skipping failed mark", "job_id", jobID, "error", err)
			return
		}
		slog.Error("persist job failure", "job_id", jobID, "error", err)
	}
	_ = w.cache.SetJobStatus(base, jobID, models.JobStatusFailed, statusTTL)
	w.publishStatus(base, jobID, models.EventStatusFailed, 100, msg)
}

// requeue puts a job interrupted by shutdown back on the queue with its raw
// payload untouched. No terminal status is ever published for it here.
func (w *Worker) requeue(ctx context.Context, jobID uuid.UUID, raw []byte) {
	base := context.WithoutCancel(ctx)
	if err := w.store.UpdateJobStatus(base, jobID, models.JobStatusPending,
		store.WithErrorMessage("re-queued: worker shutting down")); err != nil {
		slog.Error("mark job pending for re-queue", "job_id", jobID, "error", err)
	}
	if err := w.queue.Enqueue(base, raw); err != nil {
		slog.Error("re-enqueue failed, job remains pending", "job_id", jobID, "error", err)
		return
	}
	_ = w.cache.SetJobStatus(base, jobID, models.JobStatusPending, statusTTL)
	slog.Info("job re-queued on shutdown", "job_id", jobID)
}

// backoff returns min(base * 2^attempt, cap); attempt is zero-indexed for
// the first retry.
func (w *Worker) backoff(attempt int) time.Duration {
	if attempt >= 30 {
		return w.cfg.BackoffCap
	}
	d := w.cfg.BackoffBase << attempt
	if d <= 0 || d > w.cfg.BackoffCap {
		return w.cfg.BackoffCap
	}
	return d
}

func (w *Worker) publishStatus(ctx context.Context, jobID uuid.UUID, status string, progressPct int, msg string) {
	err := w.sink.Publish(ctx, models.ProgressEvent{
		JobID:     jobID,
		Stage:     models.StagePipeline,
		Progress:  progressPct,
		Status:    status,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Warn("publish status event failed", "job_id", jobID, "status", status, "error", err)
	}
}

// sleep waits for d, returning early on shutdown or context cancellation.
func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-w.shutdownCh:
	case <-t.C:
	}
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.shutdownCh:
		return true
	default:
	}
	return ctx.Err() != nil
}

// Health reports queue and store connectivity plus whether the loop is
// still running.
func (w *Worker) Health(ctx context.Context) HealthStatus {
	return HealthStatus{
		QueueOK: w.queue.Ping(ctx) == nil,
		StoreOK: w.store.Ping(ctx) == nil,
		Running: w.running.Load(),
	}
}
