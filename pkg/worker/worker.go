// Package worker consumes pending jobs from storage.JobStore and dispatches
// them to per-type handlers. The worker pool is a semaphore sized to the
// detected CPU count capped by total memory, heartbeat-free since claiming is a DB-level
// compare-and-swap, not a node registry; a job's type selects a Handler
// registered by the caller.
package worker

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"contentctl/pkg/metrics"
	"contentctl/pkg/models"
	tracing "contentctl/pkg/observability"
	"contentctl/pkg/storage"
)

// tracerName identifies this process's spans to whatever OTLP collector
// cmd/worker's tracing.Init was configured to export to.
const tracerName = "contentctl-worker"

// memPerJobMB estimates the memory footprint of one in-flight job (an LLM
// or commerce call holding request/response bodies), used to keep the
// default concurrency from outrunning available memory on small nodes.
const memPerJobMB = 256

// Handler executes one job and returns its result payload, or an error if
// the job failed. Handlers must respect ctx cancellation.
type Handler func(ctx context.Context, job *models.Job) (models.JSONMap, error)

// Config tunes the worker pool.
type Config struct {
	// Concurrency caps simultaneously running jobs. Zero defaults to
	// detectConcurrency: the CPU count, lowered when total memory holds
	// fewer jobs of memPerJobMB each.
	Concurrency int
	// PollInterval is how long an idle worker waits before asking
	// ClaimNextJob again.
	PollInterval time.Duration
	// ClaimBatchSize bounds how many pending-job candidates ClaimNextJob
	// considers per poll.
	ClaimBatchSize int
}

func (c *Config) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = detectConcurrency()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ClaimBatchSize <= 0 {
		c.ClaimBatchSize = 50
	}
}

// ErrNoHandler is the error recorded when no handler is registered for a
// job's type; the job is retried like any handler failure and marked
// failed once its attempts are exhausted.
var ErrNoHandler = errors.New("worker: no handler registered for job type")

// detectConcurrency caps runtime.NumCPU() by total memory so the pool
// doesn't outgrow the host.
func detectConcurrency() int {
	cpu := runtime.NumCPU()
	v, err := mem.VirtualMemory()
	if err != nil {
		return cpu
	}
	memCap := int(v.Total / 1024 / 1024 / memPerJobMB)
	if memCap <= 0 {
		return 1
	}
	if memCap < cpu {
		return memCap
	}
	return cpu
}

// Worker polls storage.JobStore for claimable jobs and runs them through
// registered handlers with a bounded-concurrency pool.
type Worker struct {
	jobs     storage.JobStore
	handlers map[models.JobType]Handler
	logger   *zap.Logger
	cfg      Config
}

// New constructs a Worker. handlers maps job types to the domain logic that
// executes them; a type with no entry fails with ErrNoHandler and is retried
// until its attempts are exhausted.
func New(jobs storage.JobStore, handlers map[models.JobType]Handler, logger *zap.Logger, cfg Config) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()
	return &Worker{jobs: jobs, handlers: handlers, logger: logger, cfg: cfg}
}

// Run blocks until ctx is done, continuously claiming and dispatching jobs
// with at most cfg.Concurrency running at once.
func (w *Worker) Run(ctx context.Context) {
	sem := make(chan struct{}, w.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case sem <- struct{}{}:
			job, err := w.jobs.ClaimNextJob(ctx, w.cfg.ClaimBatchSize)
			if err != nil {
				<-sem
				if !errors.Is(err, storage.ErrNotFound) {
					w.logger.Warn("failed to claim job", zap.Error(err))
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(w.cfg.PollInterval):
				}
				continue
			}
			go func(j *models.Job) {
				defer func() { <-sem }()
				w.process(ctx, j)
			}(job)
		}
	}
}

// process runs one job through its handler and settles its terminal or
// retry status.
func (w *Worker) process(ctx context.Context, job *models.Job) {
	metrics.ExecutorJobsRunning.Inc()
	defer metrics.ExecutorJobsRunning.Dec()

	ctx, span := tracing.StartNamedSpan(ctx, tracerName, "job."+string(job.Type))
	defer span.End()
	tracing.SetAttributes(ctx,
		attribute.String("contentctl.job_id", job.ID.String()),
		attribute.Int("contentctl.attempt", job.Attempts),
	)

	start := time.Now()
	handler, ok := w.handlers[job.Type]
	var (
		result models.JSONMap
		err    error
	)
	if !ok {
		err = ErrNoHandler
	} else {
		result, err = handler(ctx, job)
	}
	duration := time.Since(start)

	if err != nil {
		tracing.SetError(ctx, err)
	}

	if err == nil {
		metrics.RecordExecution(job.ID.String(), string(job.Type), "completed", duration.Seconds())
		if uerr := w.jobs.UpdateStatus(ctx, job.ID, models.JobStatusCompleted, result); uerr != nil {
			w.logger.Error("failed to mark job completed", zap.String("job_id", job.ID.String()), zap.Error(uerr))
		}
		return
	}

	w.logger.Warn("job handler failed",
		zap.String("job_id", job.ID.String()), zap.String("job_type", string(job.Type)),
		zap.Int("attempts", job.Attempts), zap.Int("max_attempts", job.MaxAttempts), zap.Error(err))

	if job.AttemptsExhausted() {
		metrics.RecordExecution(job.ID.String(), string(job.Type), "failed", duration.Seconds())
		if uerr := w.jobs.UpdateStatus(ctx, job.ID, models.JobStatusFailed, models.JSONMap{"error": err.Error()}); uerr != nil {
			w.logger.Error("failed to mark job failed", zap.String("job_id", job.ID.String()), zap.Error(uerr))
		}
		return
	}

	metrics.RecordExecution(job.ID.String(), string(job.Type), "retrying", duration.Seconds())
	delay := retryBackoff(job.Attempts, job.RetryDelayMs)
	if rerr := w.jobs.ScheduleRetry(ctx, job.ID, delay); rerr != nil {
		w.logger.Error("failed to schedule retry", zap.String("job_id", job.ID.String()), zap.Error(rerr))
	}
}

// retryBackoff computes an exponential delay with +/-20% jitter from the
// job's own configured base delay (RetryDelayMs).
func retryBackoff(attempt, baseMs int) time.Duration {
	base := time.Duration(baseMs) * time.Millisecond
	if base <= 0 {
		base = 5 * time.Second
	}
	const maxDelay = 5 * time.Minute

	backoff := float64(base) * math.Pow(2, float64(attempt))
	if backoff > float64(maxDelay) {
		backoff = float64(maxDelay)
	}
	jitter := (rand.Float64() - 0.5) * 0.4 * backoff
	backoff += jitter
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}
