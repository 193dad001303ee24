package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"contentctl/pkg/api/middleware"
	"contentctl/pkg/dbbatch"
	"contentctl/pkg/models"
)

func durationFromMs(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// batchOperationRequest is one operation within a batch request.
type batchOperationRequest struct {
	models.BatchOperation
	RetryMaxAttempts  int `json:"retry_max_attempts"`
	RetryInitialDelayMs int `json:"retry_initial_delay_ms"`
}

// executeBatchRequest is the payload for POST /api/v1/batch.
type executeBatchRequest struct {
	Strategy           dbbatch.Strategy        `json:"strategy"`
	EnableTransactions bool                    `json:"enable_transactions"`
	EnableRollback     bool                    `json:"enable_rollback"`
	Operations         []batchOperationRequest `json:"operations" binding:"required"`
}

// executeBatch handles POST /api/v1/batch — builds a dbbatch.Batch from the
// request and runs it to completion.
func (s *Server) executeBatch(c *gin.Context) {
	if s.db == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "batch executor not configured"})
		return
	}

	var req executeBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.GetString(middleware.ContextRequestIDKey)
	batch := dbbatch.New(s.db, dbbatch.Config{
		Strategy:           req.Strategy,
		EnableTransactions: req.EnableTransactions,
		EnableRollback:     req.EnableRollback,
		CorrelationID:      correlationID,
	}, nil)

	for _, opReq := range req.Operations {
		op := dbbatch.Operation{BatchOperation: opReq.BatchOperation}
		if opReq.RetryMaxAttempts > 0 {
			op.Retry = &dbbatch.RetryOverride{
				MaxAttempts:  opReq.RetryMaxAttempts,
				InitialDelay: durationFromMs(opReq.RetryInitialDelayMs),
			}
		}
		if err := batch.Add(op); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := batch.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, progress, err := batch.Execute(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	failures := make(map[string]string, len(results))
	for id, rerr := range results {
		if rerr != nil {
			failures[id] = rerr.Error()
		}
	}

	status := http.StatusOK
	if progress.Failed > 0 {
		status = http.StatusMultiStatus
	}

	c.JSON(status, gin.H{
		"progress": progress,
		"failures": failures,
	})
}
