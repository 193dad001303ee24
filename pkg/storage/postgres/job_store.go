package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"contentctl/pkg/models"
	"contentctl/pkg/storage"
)

// PostgresStore implements storage.JobStore, storage.QuotaStore, and
// storage.AuditStore over a single GORM connection.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore initializes GORM connection and AutoMigrates schemas.
func NewPostgresStore(connString string) (*PostgresStore, error) {
	config := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Info),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	err = db.AutoMigrate(
		&models.Job{},
		&models.ResultCacheEntry{},
		&models.Lock{},
		&models.Plan{},
		&models.Store{},
		&models.AuditRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying GORM handle for packages (dbbatch) that need
// raw transaction access.
func (s *PostgresStore) DB() *gorm.DB { return s.db }

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateJob persists a new job using GORM.
func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		return fmt.Errorf("failed to create job: %w", result.Error)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	result := s.db.WithContext(ctx).First(&job, "id = ?", id)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

// FindActiveByHash returns an un-expired job sharing jobHash for storeID,
// created within window, if one exists.
func (s *PostgresStore) FindActiveByHash(ctx context.Context, storeID, jobHash string, window time.Duration) (*models.Job, error) {
	var job models.Job
	cutoff := time.Now().Add(-window)
	result := s.db.WithContext(ctx).
		Where("store_id = ? AND job_hash = ? AND created_at >= ?", storeID, jobHash, cutoff).
		Order("created_at desc").
		First(&job)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &job, nil
}

// IncrementBatchTotal is called when a member job is enqueued into a batch.
// No expected-total counter is stored: the update sets batch_id to the
// value it already has on the batch's jobs, so nothing changes and only a
// database error is reported.
func (s *PostgresStore) IncrementBatchTotal(ctx context.Context, batchID uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("batch_id = ?", batchID).
		Limit(1).
		Update("batch_id", batchID)
	if result.Error != nil {
		return fmt.Errorf("failed to touch batch: %w", result.Error)
	}
	return nil
}

// UpdateStatus transitions a job's status, stamping started/completed
// timestamps as appropriate.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, result models.JSONMap) error {
	updates := map[string]interface{}{"status": status}
	now := time.Now()
	switch status {
	case models.JobStatusProcessing:
		updates["started_at"] = now
	case models.JobStatusCompleted, models.JobStatusFailed:
		updates["completed_at"] = now
		if result != nil {
			updates["result"] = result
		}
	}

	res := s.db.WithContext(ctx).Model(&models.Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update job status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RequeueStaleJobs reaps jobs a dead worker left in "processing": jobs
// still under their attempt budget go back to "pending" for redispatch;
// exhausted ones are marked "failed".
func (s *PostgresStore) RequeueStaleJobs(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	cutoff := time.Now().Add(-staleAfter)

	var stale []models.Job
	result := s.db.WithContext(ctx).
		Where("status = ? AND started_at IS NOT NULL AND started_at < ?", models.JobStatusProcessing, cutoff).
		Limit(limit).
		Find(&stale)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to list stale processing jobs: %w", result.Error)
	}

	touched := 0
	for _, job := range stale {
		var res *gorm.DB
		if job.AttemptsExhausted() {
			res = s.db.WithContext(ctx).Model(&models.Job{}).
				Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
				Updates(map[string]interface{}{"status": models.JobStatusFailed, "completed_at": time.Now()})
		} else {
			res = s.db.WithContext(ctx).Model(&models.Job{}).
				Where("id = ? AND status = ?", job.ID, models.JobStatusProcessing).
				Updates(map[string]interface{}{"status": models.JobStatusPending, "attempts": job.Attempts + 1, "started_at": nil})
		}
		if res.Error != nil {
			return touched, fmt.Errorf("failed to requeue stale job %s: %w", job.ID, res.Error)
		}
		touched += int(res.RowsAffected)
	}
	return touched, nil
}

// ClaimNextJob selects eligible pending jobs ordered by priority then age,
// and atomically claims the first whose dependencies have all completed.
// Candidates skipped for unmet dependencies or lost to a racing worker are
// simply passed over, matching the optimistic-update idiom used throughout
// this store.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, limit int) (*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	var candidates []models.Job
	result := s.db.WithContext(ctx).
		Where("status = ? AND scheduled_at <= ?", models.JobStatusPending, time.Now()).
		Order("CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END, created_at asc").
		Limit(limit).
		Find(&candidates)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", result.Error)
	}

	for _, job := range candidates {
		ready, err := s.dependenciesSatisfied(ctx, job.DependsOn)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}

		now := time.Now()
		res := s.db.WithContext(ctx).Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobStatusPending).
			Updates(map[string]interface{}{"status": models.JobStatusProcessing, "started_at": now, "attempts": job.Attempts + 1})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}

		claimed := job
		claimed.Status = models.JobStatusProcessing
		claimed.StartedAt = &now
		claimed.Attempts++
		return &claimed, nil
	}
	return nil, storage.ErrNotFound
}

// ScheduleRetry returns a job to "pending" with a pushed-out scheduled_at,
// for handler failures that still have attempts remaining.
func (s *PostgresStore) ScheduleRetry(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.JobStatusPending,
			"scheduled_at": time.Now().Add(delay),
			"started_at":   nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to schedule retry for job %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) dependenciesSatisfied(ctx context.Context, deps models.UUIDSlice) (bool, error) {
	if len(deps) == 0 {
		return true, nil
	}
	var incomplete int64
	err := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id IN ? AND status <> ?", []uuid.UUID(deps), models.JobStatusCompleted).
		Count(&incomplete).Error
	if err != nil {
		return false, fmt.Errorf("failed to check job dependencies: %w", err)
	}
	return incomplete == 0, nil
}

// --- ResultCacheStore ---

// GetResultCache looks up a cache entry by key.
func (s *PostgresStore) GetResultCache(ctx context.Context, key string) (*models.ResultCacheEntry, bool, error) {
	var entry models.ResultCacheEntry
	result := s.db.WithContext(ctx).First(&entry, "key = ?", key)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, result.Error
	}
	if entry.Expired(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// SetResultCache writes or overwrites a cache entry.
func (s *PostgresStore) SetResultCache(ctx context.Context, entry *models.ResultCacheEntry, ttl time.Duration) error {
	entry.CreatedAt = time.Now()
	entry.ExpiresAt = entry.CreatedAt.Add(ttl)
	entry.LastAccessed = entry.CreatedAt
	result := s.db.WithContext(ctx).Save(entry)
	return result.Error
}

// TouchResultCache increments hit_count and refreshes last_accessed_at.
func (s *PostgresStore) TouchResultCache(ctx context.Context, key string) error {
	result := s.db.WithContext(ctx).
		Model(&models.ResultCacheEntry{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"hit_count":     gorm.Expr("hit_count + 1"),
			"last_accessed": time.Now(),
		})
	return result.Error
}

// --- LockStore ---

// AcquireLock attempts to insert or take over an expired lock row.
func (s *PostgresStore) AcquireLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	lock := &models.Lock{
		StoreID:           storeID,
		Operation:         string(op),
		HolderCorrelation: correlationID,
		ExpiresAt:         now.Add(ttl),
	}

	result := s.db.WithContext(ctx).Clauses().Create(lock)
	if result.Error == nil {
		return true, nil
	}

	// Conflict path: row exists. Conditional update only succeeds if the
	// existing lock has expired.
	update := s.db.WithContext(ctx).
		Model(&models.Lock{}).
		Where("store_id = ? AND operation = ? AND expires_at < ?", storeID, string(op), now).
		Updates(map[string]interface{}{
			"holder_correlation_id": correlationID,
			"expires_at":            now.Add(ttl),
		})
	if update.Error != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", update.Error)
	}
	return update.RowsAffected > 0, nil
}

// ReleaseLock deletes the lock row iff it is still held by correlationID.
func (s *PostgresStore) ReleaseLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string) error {
	result := s.db.WithContext(ctx).
		Where("store_id = ? AND operation = ? AND holder_correlation_id = ?", storeID, string(op), correlationID).
		Delete(&models.Lock{})
	return result.Error
}

// --- QuotaStore ---

// GetStore retrieves a tenant's Store row.
func (s *PostgresStore) GetStore(ctx context.Context, storeID string) (*models.Store, error) {
	var store models.Store
	result := s.db.WithContext(ctx).First(&store, "id = ?", storeID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &store, nil
}

// GetPlan retrieves a billing plan definition.
func (s *PostgresStore) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	var plan models.Plan
	result := s.db.WithContext(ctx).First(&plan, "id = ?", planID)
	if result.Error != nil {
		if result.Error == gorm.ErrRecordNotFound {
			return nil, storage.ErrNotFound
		}
		return nil, result.Error
	}
	return &plan, nil
}

// UpdateStore applies a partial update to a Store row.
func (s *PostgresStore) UpdateStore(ctx context.Context, storeID string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	result := s.db.WithContext(ctx).Model(&models.Store{}).Where("id = ?", storeID).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update store: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// CountArticlesThisPeriod counts completed article jobs for storeID within
// [periodStart, periodEnd).
func (s *PostgresStore) CountArticlesThisPeriod(ctx context.Context, storeID string, periodStart, periodEnd time.Time) (int, error) {
	var count int64
	result := s.db.WithContext(ctx).
		Model(&models.Job{}).
		Where("store_id = ?", storeID).
		Where("type IN ?", []models.JobType{models.JobTypeArticleGenerate, models.JobTypeArticleRewrite}).
		Where("status = ?", models.JobStatusCompleted).
		Where("created_at >= ? AND created_at < ?", periodStart, periodEnd).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count articles: %w", result.Error)
	}
	return int(count), nil
}

// ListStoresPendingReconciliation returns active, unpaused stores whose
// trial_ends_at or grace_period_ends_at has already passed, bounded by
// limit, for the reconciler's periodic sweep.
func (s *PostgresStore) ListStoresPendingReconciliation(ctx context.Context, limit int) ([]*models.Store, error) {
	if limit <= 0 {
		limit = 500
	}
	now := time.Now()
	var stores []*models.Store
	result := s.db.WithContext(ctx).
		Where("active = ? AND paused = ?", true, false).
		Where("(trial_ends_at IS NOT NULL AND trial_ends_at < ?) OR (grace_period_ends_at IS NOT NULL AND grace_period_ends_at < ?)", now, now).
		Limit(limit).
		Find(&stores)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to list stores pending reconciliation: %w", result.Error)
	}
	return stores, nil
}

// --- AuditStore ---

// Record inserts an append-only audit row.
func (s *PostgresStore) Record(ctx context.Context, record *models.AuditRecord) error {
	record.CreatedAt = time.Now()
	result := s.db.WithContext(ctx).Create(record)
	return result.Error
}
