package api

import (
	"context"
	"time"

	"github.com/google/uuid"

	"contentctl/pkg/coordination"
	"contentctl/pkg/models"
	"contentctl/pkg/storage"
)

// fakeCoordinator is a coordination.Coordinator for handler tests that only
// need a coordinator to be wired.
type fakeCoordinator struct{}

func (fakeCoordinator) NewElection(name string) coordination.Election { return nil }

func (fakeCoordinator) Close() error { return nil }

// fakeJobStore is an in-memory storage.JobStore for handler tests that
// don't need a real Postgres connection.
type fakeJobStore struct {
	jobs map[uuid.UUID]*models.Job
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[uuid.UUID]*models.Job{}}
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobStore) FindActiveByHash(ctx context.Context, storeID, jobHash string, window time.Duration) (*models.Job, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeJobStore) IncrementBatchTotal(ctx context.Context, batchID uuid.UUID) error {
	return nil
}

func (f *fakeJobStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, result models.JSONMap) error {
	job, ok := f.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	job.Status = status
	job.Result = result
	return nil
}

func (f *fakeJobStore) RequeueStaleJobs(ctx context.Context, staleAfter time.Duration, limit int) (int, error) {
	return 0, nil
}

func (f *fakeJobStore) ClaimNextJob(ctx context.Context, limit int) (*models.Job, error) {
	return nil, storage.ErrNotFound
}

func (f *fakeJobStore) ScheduleRetry(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	return nil
}

// fakeResultCacheStore is an in-memory storage.ResultCacheStore.
type fakeResultCacheStore struct {
	entries map[string]*models.ResultCacheEntry
}

func newFakeResultCacheStore() *fakeResultCacheStore {
	return &fakeResultCacheStore{entries: map[string]*models.ResultCacheEntry{}}
}

func (f *fakeResultCacheStore) Get(ctx context.Context, key string) (*models.ResultCacheEntry, bool, error) {
	entry, ok := f.entries[key]
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

func (f *fakeResultCacheStore) Set(ctx context.Context, entry *models.ResultCacheEntry, ttl time.Duration) error {
	f.entries[entry.Key] = entry
	return nil
}

func (f *fakeResultCacheStore) Touch(ctx context.Context, key string) error {
	return nil
}
