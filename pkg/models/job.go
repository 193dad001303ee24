package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobType enumerates the kinds of work the queue accepts.
type JobType string

const (
	JobTypeArticleGenerate   JobType = "ARTICLE_GENERATE"
	JobTypeArticleRewrite    JobType = "ARTICLE_REWRITE"
	JobTypeKeywordMine       JobType = "KEYWORD_MINE"
	JobTypeImageGenerate     JobType = "IMAGE_GENERATE"
	JobTypeImagePoll         JobType = "IMAGE_POLL"
	JobTypeProductSync       JobType = "PRODUCT_SYNC"
	JobTypeCollectionSync    JobType = "COLLECTION_SYNC"
	JobTypeLLMSnippet        JobType = "LLM_SNIPPET"
	JobTypeLLMEmbedding      JobType = "LLM_EMBEDDING"
	JobTypeBillingReconcile  JobType = "BILLING_RECONCILE"
	JobTypeUsageRecord       JobType = "USAGE_RECORD"
	JobTypeSubscriptionEvent JobType = "SUBSCRIPTION_EVENT"
)

var validJobTypes = map[JobType]bool{
	JobTypeArticleGenerate: true, JobTypeArticleRewrite: true, JobTypeKeywordMine: true,
	JobTypeImageGenerate: true, JobTypeImagePoll: true, JobTypeProductSync: true,
	JobTypeCollectionSync: true, JobTypeLLMSnippet: true, JobTypeLLMEmbedding: true,
	JobTypeBillingReconcile: true, JobTypeUsageRecord: true, JobTypeSubscriptionEvent: true,
}

// IsValidJobType reports whether t is one of the enumerated job types.
func IsValidJobType(t JobType) bool {
	return validJobTypes[t]
}

// JobPriority orders dispatch within the queue.
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityNormal   JobPriority = "normal"
	PriorityHigh     JobPriority = "high"
	PriorityCritical JobPriority = "critical"
)

var priorityWeight = map[JobPriority]int{
	PriorityLow: 0, PriorityNormal: 1, PriorityHigh: 2, PriorityCritical: 3,
}

// Weight returns a numeric ordering key for priority queues; higher runs first.
func (p JobPriority) Weight() int {
	if w, ok := priorityWeight[p]; ok {
		return w
	}
	return priorityWeight[PriorityNormal]
}

// JobStatus tracks a job through its lifecycle.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// JSONMap is a GORM-compatible arbitrary JSON payload.
type JSONMap map[string]interface{}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for JSONMap")
	}
	return json.Unmarshal(bytes, m)
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// UUIDSlice stores an ordered list of job IDs (e.g. dependsOn) as JSONB.
type UUIDSlice []uuid.UUID

func (s *UUIDSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for UUIDSlice")
	}
	return json.Unmarshal(bytes, s)
}

func (s UUIDSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// Job is the persisted unit of work in the queue.
type Job struct {
	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Type         JobType        `json:"type" gorm:"type:varchar(40);not null;index"`
	Payload      JSONMap        `json:"payload" gorm:"type:jsonb"`
	Priority     JobPriority    `json:"priority" gorm:"type:varchar(16);not null;default:'normal'"`
	Status       JobStatus      `json:"status" gorm:"type:varchar(16);not null;default:'pending';index"`
	Attempts     int            `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts  int            `json:"max_attempts" gorm:"not null;default:3"`
	RetryDelayMs int            `json:"retry_delay_ms" gorm:"not null;default:0"`
	CreatedAt    time.Time      `json:"created_at"`
	ScheduledAt  time.Time      `json:"scheduled_at" gorm:"index"`
	StartedAt    *time.Time     `json:"started_at"`
	CompletedAt  *time.Time     `json:"completed_at"`
	BatchID      *uuid.UUID     `json:"batch_id" gorm:"type:uuid;index"`
	DependsOn    UUIDSlice      `json:"depends_on" gorm:"type:jsonb"`
	Result       JSONMap        `json:"result" gorm:"type:jsonb"`
	ResultCached bool           `json:"result_cached" gorm:"not null;default:false"`
	CacheKey     string         `json:"cache_key" gorm:"type:varchar(64);index"`
	CacheTTLSec  int            `json:"cache_ttl_sec"`
	JobHash      string         `json:"job_hash" gorm:"type:varchar(16);not null;index:idx_job_hash_created"`
	StoreID      string         `json:"store_id" gorm:"index"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

func (j *Job) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	return nil
}

// AttemptsExhausted reports whether the job has used its retry budget.
func (j *Job) AttemptsExhausted() bool {
	return j.Attempts >= j.MaxAttempts
}

// ResultCacheEntry is a content-addressed cache of job results.
type ResultCacheEntry struct {
	Key          string    `json:"key" gorm:"type:varchar(64);primaryKey"`
	JobType      JobType   `json:"job_type" gorm:"type:varchar(40);not null;index"`
	PayloadHash  string    `json:"payload_hash" gorm:"type:varchar(16);not null;index"`
	Result       JSONMap   `json:"result" gorm:"type:jsonb"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at" gorm:"index"`
	HitCount     int       `json:"hit_count" gorm:"not null;default:0"`
	LastAccessed time.Time `json:"last_accessed"`
}

// Expired reports whether the cache entry is no longer visible to readers.
func (e *ResultCacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt.Before(now)
}

// Lock is a row in plan_operation_locks.
type Lock struct {
	StoreID           string    `json:"store_id" gorm:"primaryKey;type:varchar(64)"`
	Operation         string    `json:"operation" gorm:"primaryKey;type:varchar(32)"`
	HolderCorrelation string    `json:"holder_correlation_id" gorm:"type:varchar(64);not null"`
	ExpiresAt         time.Time `json:"expires_at" gorm:"not null"`
}

// LockOperation names the three lock-separated operations.
type LockOperation string

const (
	LockOpQuotaCheck  LockOperation = "quota_check"
	LockOpPlanUpdate  LockOperation = "plan_update"
	LockOpTrialUpdate LockOperation = "trial_update"
)

// Plan describes a billing plan's quota limits.
type Plan struct {
	ID                  string  `json:"id" gorm:"primaryKey;type:varchar(32)"`
	Name                string  `json:"name" gorm:"type:varchar(64);uniqueIndex:idx_plan_name"`
	MonthlyArticleLimit int     `json:"monthly_article_limit"`
	WeeklyArticleLimit  *int    `json:"weekly_article_limit"`
	MonthlyPrice        float64 `json:"monthly_price"`
	TrialDays           *int    `json:"trial_days"`
}

// Store is the tenant/subscription state the quota manager mutates.
type Store struct {
	ID                string     `json:"id" gorm:"primaryKey;type:varchar(64)"`
	PlanID            string     `json:"plan_id" gorm:"type:varchar(32);not null"`
	SubscriptionID    string     `json:"subscription_id" gorm:"type:varchar(64)"`
	Active            bool       `json:"active" gorm:"not null;default:true"`
	Paused            bool       `json:"paused" gorm:"not null;default:false"`
	TrialStartedAt    *time.Time `json:"trial_started_at"`
	TrialEndsAt       *time.Time `json:"trial_ends_at"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// QuotaStatus is the computed view returned to callers.
type QuotaStatus struct {
	PlanName    string    `json:"plan_name"`
	IsTrial     bool      `json:"is_trial"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Used        int       `json:"used"`
	Allowed     int       `json:"allowed"`
	Remaining   int       `json:"remaining"`
	UsagePct    float64   `json:"usage_pct"`
}

// NewQuotaStatus computes the derived fields from raw counters, enforcing
// the invariant remaining = max(0, allowed - used).
func NewQuotaStatus(planName string, isTrial bool, start, end time.Time, used, allowed int) QuotaStatus {
	remaining := allowed - used
	if remaining < 0 {
		remaining = 0
	}
	pct := 0.0
	if allowed > 0 {
		pct = float64(used) / float64(allowed) * 100
	}
	return QuotaStatus{
		PlanName: planName, IsTrial: isTrial,
		PeriodStart: start, PeriodEnd: end,
		Used: used, Allowed: allowed, Remaining: remaining, UsagePct: pct,
	}
}

// TrialStatus is derived purely from Store dates; it has no persisted
// form of its own.
type TrialStatus struct {
	IsActive          bool       `json:"is_active"`
	IsExpired         bool       `json:"is_expired"`
	DaysRemaining     int        `json:"days_remaining"`
	StartedAt         *time.Time `json:"started_at"`
	EndsAt            *time.Time `json:"ends_at"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at"`
}

// DeriveTrialStatus computes a TrialStatus from a Store at time now.
func DeriveTrialStatus(s *Store, now time.Time) TrialStatus {
	ts := TrialStatus{
		StartedAt: s.TrialStartedAt, EndsAt: s.TrialEndsAt,
		GracePeriodEndsAt: s.GracePeriodEndsAt,
	}
	if s.TrialEndsAt == nil {
		return ts
	}
	ts.IsExpired = now.After(*s.TrialEndsAt)
	ts.IsActive = !ts.IsExpired
	if ts.IsActive {
		ts.DaysRemaining = int(s.TrialEndsAt.Sub(now).Hours() / 24)
		if ts.DaysRemaining < 0 {
			ts.DaysRemaining = 0
		}
	}
	return ts
}

// AuditEvent names the event_type values the quota manager writes.
type AuditEvent string

const (
	AuditTrialInitialized       AuditEvent = "trial_initialized"
	AuditPlanTransitioned       AuditEvent = "plan_transitioned"
	AuditGracePeriodStarted     AuditEvent = "grace_period_started"
	AuditStorePausedTrialExpire AuditEvent = "store_paused_trial_expired"
)

// AuditRecord is an append-only audit row.
type AuditRecord struct {
	ID        uint       `json:"-" gorm:"primaryKey;autoIncrement"`
	StoreID   string     `json:"store_id" gorm:"type:varchar(64);index"`
	EventType AuditEvent `json:"event_type" gorm:"type:varchar(48)"`
	Metadata  JSONMap    `json:"metadata" gorm:"type:jsonb"`
	CreatedAt time.Time  `json:"created_at"`
}

// PlanTransitionReason enumerates valid plan-transition reasons.
type PlanTransitionReason string

const (
	ReasonUpgrade               PlanTransitionReason = "upgrade"
	ReasonDowngrade             PlanTransitionReason = "downgrade"
	ReasonTrialStart            PlanTransitionReason = "trial_start"
	ReasonTrialExpired          PlanTransitionReason = "trial_expired"
	ReasonSubscriptionCancelled PlanTransitionReason = "subscription_cancelled"
	ReasonSubscriptionActivated PlanTransitionReason = "subscription_activated"
)

var validTransitionReasons = map[PlanTransitionReason]bool{
	ReasonUpgrade: true, ReasonDowngrade: true, ReasonTrialStart: true,
	ReasonTrialExpired: true, ReasonSubscriptionCancelled: true, ReasonSubscriptionActivated: true,
}

// IsValidTransitionReason reports whether r is an enumerated transition reason.
func IsValidTransitionReason(r PlanTransitionReason) bool {
	return validTransitionReasons[r]
}

// BatchOperationType enumerates database-batch mutation kinds.
type BatchOperationType string

const (
	OpInsert BatchOperationType = "insert"
	OpUpdate BatchOperationType = "update"
	OpUpsert BatchOperationType = "upsert"
	OpDelete BatchOperationType = "delete"
)

// BatchOperation is a single mutation within a database batch.
type BatchOperation struct {
	ID        string                 `json:"id"`
	Type      BatchOperationType     `json:"type"`
	Table     string                 `json:"table"`
	Values    map[string]interface{} `json:"values,omitempty"`
	Where     map[string]interface{} `json:"where,omitempty"`
	DependsOn []string               `json:"depends_on,omitempty"`
}

// RateLimitState is the per-key bookkeeping the rate limiter package
// maintains in memory; it is never persisted directly.
type RateLimitState struct {
	Tokens             float64
	LastRefill         time.Time
	Requests           int64
	Rejected           int64
	CurrentConcurrency int
	MaxConcurrency     int
}
