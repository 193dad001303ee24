package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"contentctl/pkg/api/middleware"
	"contentctl/pkg/models"
	"contentctl/pkg/quota"
)

// checkQuota handles POST /api/v1/stores/:store_id/quota/check — runs
// quota.Manager.EnforceQuotaWithLock and returns the domain Decision — a
// result value, never an exception.
func (s *Server) checkQuota(c *gin.Context) {
	storeID := c.Param("store_id")
	if err := s.validator.ValidateStoreID(storeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.GetString(middleware.ContextRequestIDKey)
	decision, err := s.quota.EnforceQuotaWithLock(c.Request.Context(), storeID, correlationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, decision)
}

// initializeTrialRequest is the payload for POST /api/v1/stores/:store_id/trial.
type initializeTrialRequest struct {
	TrialDays  int  `json:"trial_days"`
	ForceReset bool `json:"force_reset"`
}

// initializeTrial handles POST /api/v1/stores/:store_id/trial
func (s *Server) initializeTrial(c *gin.Context) {
	storeID := c.Param("store_id")
	if err := s.validator.ValidateStoreID(storeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req initializeTrialRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.GetString(middleware.ContextRequestIDKey)
	status, err := s.quota.InitializeTrial(c.Request.Context(), storeID, req.TrialDays, correlationID, req.ForceReset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

// transitionPlanRequest is the payload for POST /api/v1/stores/:store_id/plan.
type transitionPlanRequest struct {
	FromPlanID     string                      `json:"from_plan_id"`
	ToPlanID       string                      `json:"to_plan_id" binding:"required"`
	Reason         models.PlanTransitionReason `json:"reason" binding:"required"`
	SubscriptionID string                      `json:"subscription_id"`
	Metadata       models.JSONMap              `json:"metadata"`
}

// transitionPlan handles POST /api/v1/stores/:store_id/plan
func (s *Server) transitionPlan(c *gin.Context) {
	storeID := c.Param("store_id")
	if err := s.validator.ValidateStoreID(storeID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var req transitionPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.GetString(middleware.ContextRequestIDKey)
	err := s.quota.TransitionPlan(c.Request.Context(), storeID, quota.PlanTransitionRequest{
		FromPlanID:     req.FromPlanID,
		ToPlanID:       req.ToPlanID,
		Reason:         req.Reason,
		SubscriptionID: req.SubscriptionID,
		Metadata:       req.Metadata,
	}, correlationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "transitioned", "store_id": storeID, "to_plan_id": req.ToPlanID})
}

// billingWebhookRequest is the payload the commerce platform posts on
// subscription lifecycle events.
type billingWebhookRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
	Status         string `json:"status" binding:"required"`
}

// billingWebhook handles POST /api/v1/billing/webhook — live-verifies the
// reported status against the platform before trusting it.
func (s *Server) billingWebhook(c *gin.Context) {
	var req billingWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	correlationID := c.GetString(middleware.ContextRequestIDKey)
	sub, err := s.billing.ReconcileWebhook(c.Request.Context(), req.SubscriptionID, req.Status, correlationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, sub)
}

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	if s.election == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "leader election not configured"})
		return
	}

	leader, err := s.election.Leader(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"leader": leader})
}
