// Package billing reconciles subscription and billing-preference state
// against the commerce platform, live-verifying webhook-reported status
// before trusting it.
package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"contentctl/pkg/resilience"
	"contentctl/pkg/retry"
)

// subscriptionCacheTTL and preferenceCacheTTL are the short caches: 5 min
// for subscriptions, 1 h for billing preferences.
const (
	subscriptionCacheTTL = 5 * time.Minute
	preferenceCacheTTL   = time.Hour
)

// Status is the internal subscription status vocabulary the platform's
// PENDING/ACTIVE/CANCELLED/EXPIRED/FROZEN/DECLINED map onto.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusPaused    Status = "paused"
)

// MapPlatformStatus translates the platform's vocabulary to the internal
// one.
func MapPlatformStatus(platform string) Status {
	switch platform {
	case "PENDING":
		return StatusPending
	case "ACTIVE":
		return StatusActive
	case "CANCELLED":
		return StatusCancelled
	case "EXPIRED":
		return StatusExpired
	case "FROZEN", "DECLINED":
		return StatusPaused
	default:
		return StatusPending
	}
}

// Subscription is the reconciled view of a store's subscription.
type Subscription struct {
	ID        string
	StoreID   string
	Status    Status
	UpdatedAt time.Time
}

// Preference is a store's billing preference (payment method, currency,
// invoicing cadence — the precise field set is a platform concern; this
// adapter only caches and refreshes it).
type Preference struct {
	StoreID   string
	Data      map[string]interface{}
	UpdatedAt time.Time
}

// PlatformClient is the narrow surface billing needs from the commerce
// platform's subscription endpoints — implemented by pkg/clients/commerce
// in production, faked in tests.
type PlatformClient interface {
	FetchSubscription(ctx context.Context, subscriptionID string) (Subscription, error)
	FetchPreference(ctx context.Context, storeID string) (Preference, error)
}

type subscriptionCacheEntry struct {
	sub       Subscription
	expiresAt time.Time
}

type preferenceCacheEntry struct {
	pref      Preference
	expiresAt time.Time
}

// Client reconciles subscription/billing state, live-verifying any
// webhook-reported ACTIVE status against the platform before trusting it.
type Client struct {
	platform  PlatformClient
	breaker   *resilience.CircuitBreaker
	retryOpts retry.Options
	logger    *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]subscriptionCacheEntry
	preferences   map[string]preferenceCacheEntry
}

// Option configures a Client.
type Option func(*Client)

// WithRetryOptions overrides the default retry policy.
func WithRetryOptions(o retry.Options) Option { return func(c *Client) { c.retryOpts = o } }

// New constructs a billing Client wrapping platform.
func New(platform PlatformClient, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		platform:      platform,
		breaker:       resilience.NewCircuitBreaker("billing-platform", resilience.DefaultCircuitBreakerConfig()),
		retryOpts:     retry.Options{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, Strategy: retry.StrategyExponential},
		logger:        logger,
		subscriptions: make(map[string]subscriptionCacheEntry),
		preferences:   make(map[string]preferenceCacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) withOpts(correlationID string) retry.Options {
	opts := c.retryOpts
	opts.CorrelationID = correlationID
	opts.Logger = c.logger
	return opts
}

// ReconcileWebhook live-verifies a webhook-reported status before trusting
// it: if the webhook claims ACTIVE but the platform disagrees, the fetched
// subscription is authoritative.
func (c *Client) ReconcileWebhook(ctx context.Context, subscriptionID, webhookStatus string, correlationID string) (Subscription, error) {
	reported := MapPlatformStatus(webhookStatus)
	if reported != StatusActive {
		return Subscription{ID: subscriptionID, Status: reported, UpdatedAt: time.Now()}, nil
	}

	fetched, err := c.FetchSubscription(ctx, subscriptionID, correlationID)
	if err != nil {
		return Subscription{}, err
	}
	if fetched.Status != StatusActive {
		c.logger.Warn("webhook reported active subscription platform disagrees with",
			zap.String("subscription_id", subscriptionID),
			zap.String("webhook_status", webhookStatus),
			zap.String("fetched_status", string(fetched.Status)),
		)
	}
	return fetched, nil
}

// FetchSubscription returns subscriptionID's status, serving from the
// 5-minute cache when fresh.
func (c *Client) FetchSubscription(ctx context.Context, subscriptionID string, correlationID string) (Subscription, error) {
	c.mu.Lock()
	if entry, ok := c.subscriptions[subscriptionID]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.sub, nil
	}
	c.mu.Unlock()

	var sub Subscription
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func() error {
			fetched, err := c.platform.FetchSubscription(ctx, subscriptionID)
			if err != nil {
				return err
			}
			sub = fetched
			return nil
		})
	}, c.withOpts(correlationID), nil)
	if err != nil {
		return Subscription{}, fmt.Errorf("billing: fetch subscription %s: %w", subscriptionID, err)
	}

	c.mu.Lock()
	c.subscriptions[subscriptionID] = subscriptionCacheEntry{sub: sub, expiresAt: time.Now().Add(subscriptionCacheTTL)}
	c.mu.Unlock()

	return sub, nil
}

// FetchPreference returns storeID's billing preference, serving from the
// 1-hour cache when fresh.
func (c *Client) FetchPreference(ctx context.Context, storeID string, correlationID string) (Preference, error) {
	c.mu.Lock()
	if entry, ok := c.preferences[storeID]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.pref, nil
	}
	c.mu.Unlock()

	var pref Preference
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func() error {
			fetched, err := c.platform.FetchPreference(ctx, storeID)
			if err != nil {
				return err
			}
			pref = fetched
			return nil
		})
	}, c.withOpts(correlationID), nil)
	if err != nil {
		return Preference{}, fmt.Errorf("billing: fetch preference %s: %w", storeID, err)
	}

	c.mu.Lock()
	c.preferences[storeID] = preferenceCacheEntry{pref: pref, expiresAt: time.Now().Add(preferenceCacheTTL)}
	c.mu.Unlock()

	return pref, nil
}

// InvalidateSubscription drops subscriptionID's cache entry, used after a
// plan transition changes the underlying subscription out from under the
// cache's TTL.
func (c *Client) InvalidateSubscription(subscriptionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, subscriptionID)
}
