package storage

import (
	"context"
	"errors"
	"time"

	"contentctl/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// JobStore defines the data access layer for job queue management.
type JobStore interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	// FindActiveByHash returns an un-expired job sharing jobHash for
	// storeID, created within window, if one exists.
	FindActiveByHash(ctx context.Context, storeID, jobHash string, window time.Duration) (*models.Job, error)

	// IncrementBatchTotal is called when a member job is enqueued into a
	// batch. The Postgres implementation keeps no expected-total counter.
	IncrementBatchTotal(ctx context.Context, batchID uuid.UUID) error

	// UpdateStatus transitions a job's status, stamping started/completed
	// timestamps as appropriate.
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, result models.JSONMap) error

	// RequeueStaleJobs finds jobs stuck in "processing" for longer than
	// staleAfter (a worker died mid-attempt) and either returns them to
	// "pending" with attempts incremented, or marks them "failed" once
	// attempts are exhausted. Returns the number of jobs touched.
	RequeueStaleJobs(ctx context.Context, staleAfter time.Duration, limit int) (int, error)

	// ClaimNextJob atomically selects the highest-priority, oldest pending
	// job whose scheduled_at has passed and whose depends_on jobs have all
	// completed, transitions it to "processing", and returns it. Returns
	// ErrNotFound when nothing is eligible.
	ClaimNextJob(ctx context.Context, limit int) (*models.Job, error)

	// ScheduleRetry returns a job to "pending" with scheduled_at pushed out
	// by delay, for a handler failure that still has attempts remaining
	// (attempts themselves are incremented by ClaimNextJob, not here).
	ScheduleRetry(ctx context.Context, id uuid.UUID, delay time.Duration) error
}

// ResultCacheStore is the content-addressed result cache referenced by
// enqueue's cache-hit short-circuit path.
type ResultCacheStore interface {
	// Get looks up a cache entry by key; ok is false on miss or expiry.
	Get(ctx context.Context, key string) (entry *models.ResultCacheEntry, ok bool, err error)

	// Set writes (or overwrites) a cache entry with the given TTL.
	Set(ctx context.Context, entry *models.ResultCacheEntry, ttl time.Duration) error

	// Touch increments hit_count and refreshes last_accessed_at;
	// failures are logged by callers, never fatal.
	Touch(ctx context.Context, key string) error
}

// LockStore backs the plan/quota/trial distributed lock table.
type LockStore interface {
	// AcquireLock attempts to insert or take over an expired lock row;
	// ok reports whether the caller now holds it.
	AcquireLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string, ttl time.Duration) (ok bool, err error)

	// ReleaseLock deletes the lock row iff it is still held by
	// correlationID, so a caller whose lock already expired and was
	// taken over never releases another holder's lock.
	ReleaseLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string) error
}

// QuotaStore is the Store/Plan/usage data access layer backing the quota
// manager.
type QuotaStore interface {
	GetStore(ctx context.Context, storeID string) (*models.Store, error)
	GetPlan(ctx context.Context, planID string) (*models.Plan, error)
	UpdateStore(ctx context.Context, storeID string, updates map[string]interface{}) error
	CountArticlesThisPeriod(ctx context.Context, storeID string, periodStart, periodEnd time.Time) (int, error)

	// ListStoresPendingReconciliation returns active, unpaused stores whose
	// trial or grace period has already ended, so the reconciler can sweep
	// them through quota.Manager without the store having to check in
	// first.
	ListStoresPendingReconciliation(ctx context.Context, limit int) ([]*models.Store, error)
}

// AuditStore is the append-only audit log; a write failure is non-fatal
// and callers should log-and-continue on error.
type AuditStore interface {
	Record(ctx context.Context, record *models.AuditRecord) error
}
