// Package reconciler runs a leader-elected periodic sweep: a single leader
// does the sweep for trial/grace expiration and orphaned-job recovery, on
// a cron schedule.
package reconciler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"contentctl/pkg/coordination"
	"contentctl/pkg/metrics"
	"contentctl/pkg/quota"
	"contentctl/pkg/storage"
)

// staleJobThreshold bounds how long a job may sit in "processing" before
// the reconciler treats its worker as dead and requeues it.
const staleJobThreshold = 5 * time.Minute

// defaultSchedule sweeps once a minute, the finest granularity the
// standard five-field cron parser supports.
const defaultSchedule = "* * * * *"

// Config parameterizes the reconciler's sweep cadence. Schedule is a
// standard five-field cron expression driving the sweep's own tick.
type Config struct {
	Schedule string
}

func (c *Config) withDefaults() {
	if c.Schedule == "" {
		c.Schedule = defaultSchedule
	}
}

// Reconciler sweeps stores past their trial/grace window and requeues
// orphaned jobs, running only while it holds the leader election.
type Reconciler struct {
	jobs   storage.JobStore
	quotas storage.QuotaStore
	quota  *quota.Manager
	logger *zap.Logger
	cfg    Config
	sched  cron.Schedule
}

// New constructs a Reconciler. A malformed cfg.Schedule falls back to
// defaultSchedule rather than failing construction, since the reconciler
// is not worth taking a process down over a typo'd env var.
func New(jobs storage.JobStore, quotas storage.QuotaStore, quotaMgr *quota.Manager, logger *zap.Logger, cfg Config) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.withDefaults()

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		logger.Warn("reconciler: invalid schedule, falling back to default",
			zap.String("schedule", cfg.Schedule), zap.Error(err))
		sched, _ = parser.Parse(defaultSchedule)
	}

	return &Reconciler{jobs: jobs, quotas: quotas, quota: quotaMgr, logger: logger, cfg: cfg, sched: sched}
}

// Run blocks, waking at each cfg.Schedule occurrence, performing a sweep
// only while election reports this process as leader. It returns when ctx
// is done.
func (r *Reconciler) Run(ctx context.Context, election coordination.Election, selfID string) {
	for {
		next := r.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("reconciler shutting down")
			return
		case <-timer.C:
			leader, err := election.Leader(ctx)
			if err != nil {
				r.logger.Warn("reconciler failed to check leadership", zap.Error(err))
				continue
			}
			if leader != selfID {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconciler sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one reconciliation pass: trial/grace expiration across
// stores due for it, and orphaned-job recovery. Each half is independent;
// a failure in one does not block the other.
func (r *Reconciler) Sweep(ctx context.Context) error {
	metrics.ReconcileSweeps.Inc()

	if err := r.sweepTrialsAndGrace(ctx); err != nil {
		r.logger.Error("trial/grace sweep failed", zap.Error(err))
	}

	requeued, err := r.jobs.RequeueStaleJobs(ctx, staleJobThreshold, 500)
	if err != nil {
		return err
	}
	if requeued > 0 {
		metrics.OrphansReaped.Add(float64(requeued))
		r.logger.Info("reconciler requeued orphaned jobs", zap.Int("count", requeued))
	}
	return nil
}

func (r *Reconciler) sweepTrialsAndGrace(ctx context.Context) error {
	stores, err := r.quotas.ListStoresPendingReconciliation(ctx, 500)
	if err != nil {
		return err
	}
	for _, store := range stores {
		correlationID := "reconcile-" + store.ID
		if _, err := r.quota.EnforceQuotaWithLock(ctx, store.ID, correlationID); err != nil {
			r.logger.Warn("reconciler failed to sweep store",
				zap.String("store_id", store.ID), zap.Error(err))
		}
	}
	return nil
}
