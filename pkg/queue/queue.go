// Package queue implements the job-queue enqueue path: validation,
// content-hash deduplication, and result-cache short-circuit.
// Execution itself is an external collaborator; this package only
// validates, deduplicates, and persists.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"contentctl/pkg/models"
	"contentctl/pkg/storage"
)

// ErrInvalidJobType is returned when the requested job type is not in the
// enumerated set.
var ErrInvalidJobType = errors.New("queue: invalid job type")

// ErrInvalidOptions is returned when a numeric option is out of bounds.
var ErrInvalidOptions = errors.New("queue: invalid options")

// EnqueueOptions mirrors the enqueue-time knobs a caller may set.
type EnqueueOptions struct {
	Priority            models.JobPriority
	DelayMs             int
	RetryDelayMs        int
	MaxAttempts         int
	DeduplicationKey    string
	SkipIfDuplicate     bool
	DedupWindowMinutes  int
	CacheKey            string
	CacheTTLSec         int
	DependsOn           []uuid.UUID
	BatchID             *uuid.UUID
	StoreID             string
}

// EnqueueResult reports what enqueue actually did.
type EnqueueResult struct {
	JobID        uuid.UUID
	Deduplicated bool
	CacheHit     bool
}

// Queue is the enqueue facade over a JobStore and ResultCacheStore.
type Queue struct {
	jobs   storage.JobStore
	cache  storage.ResultCacheStore
	logger *zap.Logger
}

// New constructs a Queue.
func New(jobs storage.JobStore, cache storage.ResultCacheStore, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{jobs: jobs, cache: cache, logger: logger}
}

func validateOptions(opts EnqueueOptions) error {
	if opts.DelayMs < 0 || opts.RetryDelayMs < 0 {
		return ErrInvalidOptions
	}
	if opts.MaxAttempts < 0 || opts.MaxAttempts > 100 {
		return ErrInvalidOptions
	}
	if opts.DedupWindowMinutes < 0 {
		return ErrInvalidOptions
	}
	if opts.CacheTTLSec < 0 {
		return ErrInvalidOptions
	}
	return nil
}

// canonicalJSON recursively sorts map keys so the same logical payload
// always serializes identically.
func canonicalJSON(v interface{}) ([]byte, error) {
	var buf []byte
	buf, err := appendCanonical(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyBytes...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf = append(buf, '[')
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return append(buf, encoded...), nil
	}
}

// hash32 hashes data with a 32-bit non-cryptographic hash, rendered base-36
// to keep job hashes and cache keys short.
func hash32(data []byte) string {
	h := fnv.New32a()
	h.Write(data)
	return strconv.FormatUint(uint64(h.Sum32()), 36)
}

func computeJobHash(opts EnqueueOptions, jobType models.JobType, payload models.JSONMap) (string, error) {
	if opts.DeduplicationKey != "" {
		return opts.DeduplicationKey, nil
	}
	canon, err := canonicalJSON(map[string]interface{}(payload))
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	return hash32(append([]byte(jobType), canon...)), nil
}

// Enqueue validates, deduplicates, and persists a new job.
func (q *Queue) Enqueue(ctx context.Context, jobType models.JobType, payload models.JSONMap, opts EnqueueOptions) (EnqueueResult, error) {
	if !models.IsValidJobType(jobType) {
		return EnqueueResult{}, ErrInvalidJobType
	}
	if err := validateOptions(opts); err != nil {
		return EnqueueResult{}, err
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}

	jobHash, err := computeJobHash(opts, jobType, payload)
	if err != nil {
		return EnqueueResult{}, err
	}

	if opts.DedupWindowMinutes > 0 {
		window := time.Duration(opts.DedupWindowMinutes) * time.Minute
		existing, err := q.jobs.FindActiveByHash(ctx, opts.StoreID, jobHash, window)
		if err == nil && existing != nil {
			if opts.SkipIfDuplicate {
				return EnqueueResult{JobID: existing.ID, Deduplicated: true}, nil
			}
			return q.dedupWithCacheFallback(ctx, existing, opts)
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return EnqueueResult{}, fmt.Errorf("dedup lookup failed: %w", err)
		}
	}

	if opts.CacheKey != "" {
		if result, hit, cerr := q.tryCacheShortCircuit(ctx, opts.CacheKey, jobType, opts); cerr == nil && hit {
			return result, nil
		} else if cerr != nil {
			return EnqueueResult{}, cerr
		}
	}

	job := &models.Job{
		Type:         jobType,
		Payload:      payload,
		Priority:     opts.Priority,
		Status:       models.JobStatusPending,
		MaxAttempts:  opts.MaxAttempts,
		RetryDelayMs: opts.RetryDelayMs,
		ScheduledAt:  time.Now().Add(time.Duration(opts.DelayMs) * time.Millisecond),
		BatchID:      opts.BatchID,
		DependsOn:    models.UUIDSlice(opts.DependsOn),
		CacheKey:     opts.CacheKey,
		CacheTTLSec:  opts.CacheTTLSec,
		JobHash:      jobHash,
		StoreID:      opts.StoreID,
	}

	if err := q.jobs.CreateJob(ctx, job); err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to create job: %w", err)
	}

	if opts.BatchID != nil {
		if err := q.jobs.IncrementBatchTotal(ctx, *opts.BatchID); err != nil {
			q.logger.Warn("failed to increment batch total", zap.Error(err), zap.String("batch_id", opts.BatchID.String()))
		}
	}

	return EnqueueResult{JobID: job.ID}, nil
}

// dedupWithCacheFallback handles the non-skip duplicate branch: look up
// the result cache; a hit produces a synthetic completed row, a miss
// returns the existing pending job's id without reinserting.
func (q *Queue) dedupWithCacheFallback(ctx context.Context, existing *models.Job, opts EnqueueOptions) (EnqueueResult, error) {
	cacheKey := opts.CacheKey
	if cacheKey == "" {
		cacheKey = existing.JobHash
	}
	if result, hit, err := q.tryCacheShortCircuit(ctx, cacheKey, existing.Type, opts); err == nil && hit {
		return result, nil
	} else if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{JobID: existing.ID, Deduplicated: true}, nil
}

// tryCacheShortCircuit looks up cacheKey; on hit it inserts a synthetic
// completed row and returns it.
func (q *Queue) tryCacheShortCircuit(ctx context.Context, cacheKey string, jobType models.JobType, opts EnqueueOptions) (EnqueueResult, bool, error) {
	entry, ok, err := q.cache.Get(ctx, cacheKey)
	if err != nil {
		return EnqueueResult{}, false, fmt.Errorf("cache lookup failed: %w", err)
	}
	if !ok {
		return EnqueueResult{}, false, nil
	}

	if err := q.cache.Touch(ctx, cacheKey); err != nil {
		q.logger.Warn("cache hit bookkeeping failed", zap.Error(err), zap.String("cache_key", cacheKey))
	}

	job := &models.Job{
		Type:         jobType,
		Status:       models.JobStatusCompleted,
		ResultCached: true,
		Result:       entry.Result,
		CacheKey:     cacheKey,
		StoreID:      opts.StoreID,
		MaxAttempts:  1,
	}
	now := time.Now()
	job.CompletedAt = &now

	if err := q.jobs.CreateJob(ctx, job); err != nil {
		return EnqueueResult{}, false, fmt.Errorf("failed to create cache-hit job: %w", err)
	}
	return EnqueueResult{JobID: job.ID, CacheHit: true}, true, nil
}
