package reconciler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"contentctl/pkg/models"
	. "contentctl/pkg/reconciler"
	"contentctl/pkg/quota"
	"contentctl/pkg/storage"
)

type fakeJobStore struct {
	mu            sync.Mutex
	requeuedCalls int
	requeueResult int
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *models.Job) error { return nil }
func (f *fakeJobStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeJobStore) FindActiveByHash(ctx context.Context, storeID, jobHash string, window time.Duration) (*models.Job, error) {
	return nil, storage.ErrNotFound
}
func (f *fakeJobStore) IncrementBatchTotal(ctx context.Context, batchID uuid.UUID) error { return nil }
func (f *fakeJobStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, result models.JSONMap) error {
	return nil
}
func (f *fakeJobStore) RequeueStaleJobs(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeuedCalls++
	return f.requeueResult, nil
}
func (f *fakeJobStore) ClaimNextJob(ctx context.Context, limit int) (*models.Job, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeJobStore) ScheduleRetry(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	return nil
}

type fakeQuotaStore struct {
	mu     sync.Mutex
	stores map[string]*models.Store
	plans  map[string]*models.Plan
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{stores: make(map[string]*models.Store), plans: make(map[string]*models.Plan)}
}

func (f *fakeQuotaStore) GetStore(ctx context.Context, storeID string) (*models.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[storeID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeQuotaStore) GetPlan(ctx context.Context, planID string) (*models.Plan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.plans[planID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeQuotaStore) UpdateStore(ctx context.Context, storeID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.stores[storeID]
	if !ok {
		return storage.ErrNotFound
	}
	if v, ok := updates["paused"]; ok {
		s.Paused = v.(bool)
	}
	return nil
}

func (f *fakeQuotaStore) CountArticlesThisPeriod(ctx context.Context, storeID string, periodStart, periodEnd time.Time) (int, error) {
	return 0, nil
}

func (f *fakeQuotaStore) ListStoresPendingReconciliation(ctx context.Context, limit int) ([]*models.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Store
	for _, s := range f.stores {
		out = append(out, s)
	}
	return out, nil
}

type fakeLockStore struct {
	mu    sync.Mutex
	held  map[string]string
}

func newFakeLockStore() *fakeLockStore { return &fakeLockStore{held: make(map[string]string)} }

func (f *fakeLockStore) AcquireLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := storeID + ":" + string(op)
	if _, held := f.held[key]; held {
		return false, nil
	}
	f.held[key] = correlationID
	return true, nil
}

func (f *fakeLockStore) ReleaseLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := storeID + ":" + string(op)
	if f.held[key] == correlationID {
		delete(f.held, key)
	}
	return nil
}

type fakeAuditStore struct{}

func (f *fakeAuditStore) Record(ctx context.Context, record *models.AuditRecord) error { return nil }

func TestSweep_RequeuesStaleJobsAndSweepsDueStores(t *testing.T) {
	jobs := &fakeJobStore{requeueResult: 3}
	quotas := newFakeQuotaStore()
	trialEnded := time.Now().Add(-96 * time.Hour)
	graceEnded := time.Now().Add(-1 * time.Hour)
	quotas.stores["store-1"] = &models.Store{
		ID: "store-1", PlanID: "free_trial", Active: true,
		TrialEndsAt: &trialEnded, GracePeriodEndsAt: &graceEnded,
	}
	quotas.plans["free_trial"] = &models.Plan{ID: "free_trial", MonthlyArticleLimit: 5}

	mgr := quota.New(newFakeLockStore(), quotas, &fakeAuditStore{}, nil)
	r := New(jobs, quotas, mgr, nil, Config{})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if jobs.requeuedCalls != 1 {
		t.Errorf("expected RequeueStaleJobs to be called once, got %d", jobs.requeuedCalls)
	}

	store, _ := quotas.GetStore(context.Background(), "store-1")
	if !store.Paused {
		t.Errorf("expected a store past its trial and grace period to be paused after sweep")
	}
}

func TestNew_FallsBackToDefaultScheduleOnInvalidCron(t *testing.T) {
	jobs := &fakeJobStore{}
	quotas := newFakeQuotaStore()
	mgr := quota.New(newFakeLockStore(), quotas, &fakeAuditStore{}, nil)

	r := New(jobs, quotas, mgr, nil, Config{Schedule: "not a cron expression"})
	if r == nil {
		t.Fatal("expected New to construct a Reconciler even with an invalid schedule")
	}
}

func TestSweep_ToleratesEmptyStoreList(t *testing.T) {
	jobs := &fakeJobStore{}
	quotas := newFakeQuotaStore()
	mgr := quota.New(newFakeLockStore(), quotas, &fakeAuditStore{}, nil)
	r := New(jobs, quotas, mgr, nil, Config{})

	if err := r.Sweep(context.Background()); err != nil {
		t.Fatalf("unexpected error sweeping with no stores due: %v", err)
	}
}
