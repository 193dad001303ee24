// Package quota implements a plan/trial/quota manager:
// a distributed lock table separating quota_check, plan_update, and
// trial_update; quota enforcement under lock; trial lifecycle with a grace
// period; and plan transitions. All state mutations go through the
// storage.QuotaStore/LockStore/AuditStore contracts so the manager itself
// holds no database handle.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contentctl/pkg/models"
	"contentctl/pkg/storage"
)

const (
	defaultLockTTL       = 30 * time.Second
	defaultTrialDays     = 14
	defaultGraceDays     = 3
	graceCreationWindow  = time.Hour
	defaultFreeTrialPlan = "free_trial"
)

// Decision is the domain result of a quota check — never an exception.
type Decision struct {
	Allowed      bool
	Reason       string
	LockAcquired bool
	Quota        *models.QuotaStatus
}

// Manager implements the lock/quota/trial/plan operations.
type Manager struct {
	locks  storage.LockStore
	quotas storage.QuotaStore
	audit  storage.AuditStore
	logger *zap.Logger

	lockTTL   time.Duration
	trialDays int
	graceDays int
}

// Option configures a Manager.
type Option func(*Manager)

// WithLockTTL overrides the default 30s lock TTL.
func WithLockTTL(ttl time.Duration) Option { return func(m *Manager) { m.lockTTL = ttl } }

// WithTrialDays overrides the default 14-day trial length.
func WithTrialDays(days int) Option { return func(m *Manager) { m.trialDays = days } }

// WithGraceDays overrides the default 3-day post-expiration grace period.
func WithGraceDays(days int) Option { return func(m *Manager) { m.graceDays = days } }

// New constructs a Manager over the given stores.
func New(locks storage.LockStore, quotas storage.QuotaStore, audit storage.AuditStore, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		locks: locks, quotas: quotas, audit: audit, logger: logger,
		lockTTL: defaultLockTTL, trialDays: defaultTrialDays, graceDays: defaultGraceDays,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) audited(ctx context.Context, storeID string, event models.AuditEvent, metadata models.JSONMap) {
	if err := m.audit.Record(ctx, &models.AuditRecord{StoreID: storeID, EventType: event, Metadata: metadata}); err != nil {
		m.logger.Warn("audit record failed", zap.Error(err), zap.String("store_id", storeID), zap.String("event_type", string(event)))
	}
}

// withLock acquires op's lock for storeID, runs fn, and guarantees release
// even if fn panics or returns an error.
func (m *Manager) withLock(ctx context.Context, storeID string, op models.LockOperation, correlationID string, fn func() error) (acquired bool, err error) {
	acquired, err = m.locks.AcquireLock(ctx, storeID, op, correlationID, m.lockTTL)
	if err != nil {
		return false, fmt.Errorf("acquire lock failed: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if releaseErr := m.locks.ReleaseLock(ctx, storeID, op, correlationID); releaseErr != nil {
			m.logger.Warn("lock release failed", zap.Error(releaseErr), zap.String("store_id", storeID), zap.String("operation", string(op)))
		}
	}()
	return true, fn()
}

// EnforceQuotaWithLock acquires the quota_check lock and evaluates usage.
func (m *Manager) EnforceQuotaWithLock(ctx context.Context, storeID string, correlationID string) (Decision, error) {
	var decision Decision
	acquired, err := m.withLock(ctx, storeID, models.LockOpQuotaCheck, correlationID, func() error {
		d, innerErr := m.checkQuota(ctx, storeID, correlationID)
		decision = d
		return innerErr
	})
	if err != nil {
		return Decision{}, err
	}
	if !acquired {
		return Decision{Allowed: false, Reason: "processing", LockAcquired: false}, nil
	}
	decision.LockAcquired = true
	return decision, nil
}

func (m *Manager) checkQuota(ctx context.Context, storeID, correlationID string) (Decision, error) {
	store, err := m.quotas.GetStore(ctx, storeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{Allowed: false, Reason: "not configured"}, nil
		}
		return Decision{}, fmt.Errorf("fetch store failed: %w", err)
	}
	plan, err := m.quotas.GetPlan(ctx, store.PlanID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Decision{Allowed: false, Reason: "not configured"}, nil
		}
		return Decision{}, fmt.Errorf("fetch plan failed: %w", err)
	}

	if !store.Active {
		return Decision{Allowed: false, Reason: "inactive"}, nil
	}
	if store.Paused {
		return Decision{Allowed: false, Reason: "paused"}, nil
	}

	now := time.Now()
	trial := models.DeriveTrialStatus(store, now)
	if trial.IsExpired {
		denied, reason, err := m.handleTrialExpiration(ctx, store, correlationID, now)
		if err != nil {
			return Decision{}, err
		}
		if denied {
			return Decision{Allowed: false, Reason: reason}, nil
		}
	}

	periodStart, periodEnd := currentBillingPeriod(now)
	used, err := m.quotas.CountArticlesThisPeriod(ctx, storeID, periodStart, periodEnd)
	if err != nil {
		return Decision{}, fmt.Errorf("count usage failed: %w", err)
	}
	allowed := plan.MonthlyArticleLimit
	status := models.NewQuotaStatus(plan.Name, trial.IsActive, periodStart, periodEnd, used, allowed)

	if status.Remaining <= 0 {
		return Decision{Allowed: false, Reason: "quota exceeded", Quota: &status}, nil
	}
	return Decision{Allowed: true, Quota: &status}, nil
}

// currentBillingPeriod returns the calendar-month window containing now.
func currentBillingPeriod(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	end := start.AddDate(0, 1, 0)
	return start, end
}

// handleTrialExpiration runs the grace-period state machine. Returns
// (denied, reason, error); denied=false with no error
// means the caller should continue to the quota count.
func (m *Manager) handleTrialExpiration(ctx context.Context, store *models.Store, correlationID string, now time.Time) (bool, string, error) {
	if store.GracePeriodEndsAt == nil {
		if store.TrialEndsAt == nil {
			return false, "", nil
		}
		sinceExpiry := now.Sub(*store.TrialEndsAt)
		if sinceExpiry > 0 && sinceExpiry < graceCreationWindow {
			graceEnds := now.AddDate(0, 0, m.graceDays)
			if err := m.quotas.UpdateStore(ctx, store.ID, map[string]interface{}{"grace_period_ends_at": graceEnds}); err != nil {
				return false, "", fmt.Errorf("failed to start grace period: %w", err)
			}
			m.audited(ctx, store.ID, models.AuditGracePeriodStarted, models.JSONMap{"grace_period_ends_at": graceEnds, "correlation_id": correlationID})
			return false, "", nil
		}
		// No grace row and outside the creation window: the caller goes on
		// to the usage count, so this fails open on ambiguous edge cases
		// like an already-long-expired trial with no grace row yet.
		return false, "", nil
	}

	if now.After(*store.GracePeriodEndsAt) {
		if err := m.quotas.UpdateStore(ctx, store.ID, map[string]interface{}{"paused": true}); err != nil {
			return false, "", fmt.Errorf("failed to pause store: %w", err)
		}
		m.audited(ctx, store.ID, models.AuditStorePausedTrialExpire, models.JSONMap{"correlation_id": correlationID})
		return true, "trial expired", nil
	}
	return false, "", nil
}

// InitializeTrial sets up a new trial period for a store.
func (m *Manager) InitializeTrial(ctx context.Context, storeID string, trialDays int, correlationID string, forceReset bool) (models.TrialStatus, error) {
	if trialDays <= 0 {
		trialDays = m.trialDays
	}
	var result models.TrialStatus
	acquired, err := m.withLock(ctx, storeID, models.LockOpTrialUpdate, correlationID, func() error {
		store, err := m.quotas.GetStore(ctx, storeID)
		if err != nil {
			return fmt.Errorf("fetch store failed: %w", err)
		}

		if store.SubscriptionID != "" && store.Active && !forceReset {
			result = models.DeriveTrialStatus(store, time.Now())
			return nil
		}

		now := time.Now()
		trial := models.DeriveTrialStatus(store, now)
		if store.TrialEndsAt != nil && trial.IsActive && !forceReset {
			result = trial
			return nil
		}

		start := now
		if store.TrialStartedAt != nil && !forceReset {
			start = *store.TrialStartedAt
		}
		ends := start.AddDate(0, 0, trialDays)

		updates := map[string]interface{}{
			"trial_started_at": start,
			"trial_ends_at":    ends,
			"plan_id":          defaultFreeTrialPlan,
			"active":           true,
			"paused":           false,
		}
		if err := m.quotas.UpdateStore(ctx, storeID, updates); err != nil {
			return fmt.Errorf("failed to initialize trial: %w", err)
		}
		m.audited(ctx, storeID, models.AuditTrialInitialized, models.JSONMap{
			"trial_started_at": start, "trial_ends_at": ends, "correlation_id": correlationID,
		})
		result = models.TrialStatus{IsActive: true, StartedAt: &start, EndsAt: &ends}
		return nil
	})
	if err != nil {
		return models.TrialStatus{}, err
	}
	if !acquired {
		return models.TrialStatus{}, fmt.Errorf("trial_update lock not acquired for store %s", storeID)
	}
	return result, nil
}

// PlanTransitionRequest carries TransitionPlan's inputs.
type PlanTransitionRequest struct {
	FromPlanID     string
	ToPlanID       string
	Reason         models.PlanTransitionReason
	SubscriptionID string
	Metadata       models.JSONMap
}

// ErrInvalidTransitionReason is returned for an unenumerated reason.
var ErrInvalidTransitionReason = errors.New("quota: invalid plan transition reason")

// TransitionPlan moves a store from one plan to another under lock.
func (m *Manager) TransitionPlan(ctx context.Context, storeID string, req PlanTransitionRequest, correlationID string) error {
	if !models.IsValidTransitionReason(req.Reason) {
		return ErrInvalidTransitionReason
	}

	acquired, err := m.withLock(ctx, storeID, models.LockOpPlanUpdate, correlationID, func() error {
		updates := map[string]interface{}{"plan_id": req.ToPlanID}

		switch req.Reason {
		case models.ReasonSubscriptionActivated, models.ReasonUpgrade:
			updates["trial_started_at"] = nil
			updates["trial_ends_at"] = nil
		case models.ReasonTrialStart:
			trialDays := m.trialDays
			if plan, perr := m.quotas.GetPlan(ctx, req.ToPlanID); perr == nil && plan.TrialDays != nil {
				trialDays = *plan.TrialDays
			}
			now := time.Now()
			ends := now.AddDate(0, 0, trialDays)
			updates["trial_started_at"] = now
			updates["trial_ends_at"] = ends
		case models.ReasonTrialExpired, models.ReasonSubscriptionCancelled:
			if req.SubscriptionID == "" {
				updates["paused"] = true
			}
		}

		if req.SubscriptionID != "" {
			updates["subscription_id"] = req.SubscriptionID
		}

		if err := m.quotas.UpdateStore(ctx, storeID, updates); err != nil {
			return fmt.Errorf("failed to transition plan: %w", err)
		}

		if err := m.syncPlanLimitsToStore(ctx, storeID, req.ToPlanID); err != nil {
			m.logger.Warn("sync_plan_limits_to_store failed, limits self-heal on next quota check",
				zap.Error(err), zap.String("store_id", storeID), zap.String("to_plan_id", req.ToPlanID))
		}

		metadata := req.Metadata
		if metadata == nil {
			metadata = models.JSONMap{}
		}
		metadata["from_plan_id"] = req.FromPlanID
		metadata["to_plan_id"] = req.ToPlanID
		metadata["reason"] = string(req.Reason)
		metadata["correlation_id"] = correlationID
		m.audited(ctx, storeID, models.AuditPlanTransitioned, metadata)
		return nil
	})
	if err != nil {
		return err
	}
	if !acquired {
		return fmt.Errorf("plan_update lock not acquired for store %s", storeID)
	}
	return nil
}

// syncPlanLimitsToStore persists the new plan onto the store row. It is a
// best-effort collaborator procedure; its failure is logged, not fatal,
// because limits self-heal on the next quota check via GetPlan/GetStore.
func (m *Manager) syncPlanLimitsToStore(ctx context.Context, storeID, newPlanID string) error {
	return m.quotas.UpdateStore(ctx, storeID, map[string]interface{}{"plan_id": newPlanID})
}
