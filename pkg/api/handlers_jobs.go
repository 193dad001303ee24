package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"contentctl/pkg/models"
	"contentctl/pkg/queue"
)

// CreateJobRequest is the payload for POST /api/v1/jobs (enqueue options).
type CreateJobRequest struct {
	Type                models.JobType      `json:"type" binding:"required"`
	Payload             models.JSONMap      `json:"payload"`
	Priority            models.JobPriority  `json:"priority"`
	DelayMs             int                 `json:"delay_ms"`
	RetryDelayMs        int                 `json:"retry_delay_ms"`
	MaxAttempts         int                 `json:"max_attempts"`
	DeduplicationKey    string              `json:"deduplication_key"`
	SkipIfDuplicate     bool                `json:"skip_if_duplicate"`
	DedupWindowMinutes  int                 `json:"dedup_window_minutes"`
	CacheKey            string              `json:"cache_key"`
	CacheTTLSec         int                 `json:"cache_ttl_sec"`
	DependsOn           []uuid.UUID         `json:"depends_on"`
	BatchID             *uuid.UUID          `json:"batch_id"`
	StoreID             string              `json:"store_id"`
}

// JobResponse is the API representation of a job.
type JobResponse struct {
	ID           uuid.UUID        `json:"id"`
	Type         models.JobType   `json:"type"`
	Payload      models.JSONMap   `json:"payload"`
	Priority     models.JobPriority `json:"priority"`
	Status       models.JobStatus `json:"status"`
	Attempts     int              `json:"attempts"`
	MaxAttempts  int              `json:"max_attempts"`
	Result       models.JSONMap   `json:"result,omitempty"`
	ResultCached bool             `json:"result_cached"`
	StoreID      string           `json:"store_id"`
}

// createJob handles POST /api/v1/jobs — validates and enqueues a job via
// the queue package's dedup/cache-short-circuit path.
func (s *Server) createJob(c *gin.Context) {
	var req CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.validator.ValidateJobType(req.Type); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if encoded, merr := json.Marshal(req.Payload); merr == nil {
		if err := s.validator.ValidatePayloadSize(encoded); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	opts := queue.EnqueueOptions{
		Priority:           req.Priority,
		DelayMs:            req.DelayMs,
		RetryDelayMs:       req.RetryDelayMs,
		MaxAttempts:        req.MaxAttempts,
		DeduplicationKey:   req.DeduplicationKey,
		SkipIfDuplicate:    req.SkipIfDuplicate,
		DedupWindowMinutes: req.DedupWindowMinutes,
		CacheKey:           req.CacheKey,
		CacheTTLSec:        req.CacheTTLSec,
		DependsOn:          req.DependsOn,
		BatchID:            req.BatchID,
		StoreID:            req.StoreID,
	}

	result, err := s.queue.Enqueue(c.Request.Context(), req.Type, req.Payload, opts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status := http.StatusAccepted
	if result.Deduplicated || result.CacheHit {
		status = http.StatusOK
	}

	c.JSON(status, gin.H{
		"job_id":       result.JobID,
		"deduplicated": result.Deduplicated,
		"cache_hit":    result.CacheHit,
	})
}

// getJob handles GET /api/v1/jobs/:id
func (s *Server) getJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job ID"})
		return
	}

	job, err := s.jobStore.GetJob(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.JSON(http.StatusOK, jobToResponse(job))
}

// jobToResponse converts a Job to its API representation.
func jobToResponse(job *models.Job) JobResponse {
	return JobResponse{
		ID:           job.ID,
		Type:         job.Type,
		Payload:      job.Payload,
		Priority:     job.Priority,
		Status:       job.Status,
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Result:       job.Result,
		ResultCached: job.ResultCached,
		StoreID:      job.StoreID,
	}
}
