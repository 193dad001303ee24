package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PlanTier selects the GraphQL bucket parameters for a commerce-platform
// subscription tier.
type PlanTier string

const (
	TierStandard PlanTier = "standard"
	TierAdvanced PlanTier = "advanced"
	TierPlus     PlanTier = "plus"
	TierEnterprise PlanTier = "enterprise"
)

type graphQLTierConfig struct {
	pointsPerSecond float64
	bucket          float64
}

var graphQLTiers = map[PlanTier]graphQLTierConfig{
	TierStandard:   {pointsPerSecond: 100, bucket: 1000},
	TierAdvanced:   {pointsPerSecond: 200, bucket: 2000},
	TierPlus:       {pointsPerSecond: 1000, bucket: 10000},
	TierEnterprise: {pointsPerSecond: 2000, bucket: 20000},
}

// graphQLRestoreByTier returns the points-per-second restore rate for tier.
// Each tier's rate is a tenth of its bucket size, matching the ratio the
// commerce platform documents for standard/advanced/plus/enterprise.
func graphQLRestoreByTier(tier PlanTier) float64 {
	cfg, ok := graphQLTiers[tier]
	if !ok {
		cfg = graphQLTiers[TierStandard]
	}
	return cfg.pointsPerSecond
}

// ErrQueryCostExceedsMaximum is returned when a GraphQL query's requested
// cost exceeds the hard maximum and is refused without consuming budget.
var ErrQueryCostExceedsMaximum = errors.New("ratelimit: query cost exceeds hard maximum")

const graphQLHardMaxCost = 1000

// CommerceLimiter implements a two-tier REST + GraphQL limiter, built on
// golang.org/x/time/rate rather than the hand-rolled algorithms in
// limiter.go: REST is a straightforward token bucket and GraphQL needs a
// true refund primitive, which only rate.Reservation.Cancel() provides in
// this codebase's dependency set.
type CommerceLimiter struct {
	mu        sync.Mutex
	rest      *rate.Limiter
	graphql   *rate.Limiter
	tier      PlanTier
	pending   map[string]*rate.Reservation
	pendingMu sync.Mutex
}

// NewCommerceLimiter constructs the per-shop REST+GraphQL limiter pair.
// restPerMinute defaults to 40 when zero.
func NewCommerceLimiter(tier PlanTier, restPerMinute int) *CommerceLimiter {
	if restPerMinute <= 0 {
		restPerMinute = 40
	}
	cfg, ok := graphQLTiers[tier]
	if !ok {
		cfg = graphQLTiers[TierStandard]
	}
	restore := graphQLRestoreByTier(tier)

	return &CommerceLimiter{
		rest:    rate.NewLimiter(rate.Limit(float64(restPerMinute)/60.0), restPerMinute),
		graphql: rate.NewLimiter(rate.Limit(restore), int(cfg.bucket)),
		tier:    tier,
		pending: make(map[string]*rate.Reservation),
	}
}

// CheckRESTLimit admits a single REST call if a token is immediately
// available.
func (c *CommerceLimiter) CheckRESTLimit() Decision {
	r := c.rest.ReserveN(time.Now(), 1)
	if !r.OK() {
		return Decision{Allowed: false}
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, Wait: delay}
	}
	return Decision{Allowed: true, Tokens: float64(c.rest.Tokens())}
}

// CheckGraphQLLimit reserves requestedCost points for requestID, refusing
// without consuming budget when requestedCost exceeds the hard maximum.
// The reservation is tracked so a later RefundGraphQLCost call can adjust
// it down to the actual cost.
func (c *CommerceLimiter) CheckGraphQLLimit(requestID string, requestedCost int) Decision {
	if requestedCost > graphQLHardMaxCost {
		return Decision{Allowed: false}
	}

	r := c.graphql.ReserveN(time.Now(), requestedCost)
	if !r.OK() {
		return Decision{Allowed: false}
	}
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, Wait: delay, Tokens: float64(c.graphql.Tokens())}
	}

	c.pendingMu.Lock()
	c.pending[requestID] = r
	c.pendingMu.Unlock()

	return Decision{Allowed: true, Tokens: float64(c.graphql.Tokens())}
}

// RefundGraphQLCost is called once the caller learns the query's actual
// cost; the difference between the originally requested cost and
// actualCost is returned to the bucket, never exceeding burst. It cancels
// the original reservation (restoring requestedCost tokens) and
// immediately re-reserves actualCost, netting out the refund.
func (c *CommerceLimiter) RefundGraphQLCost(requestID string, actualCost int) {
	c.pendingMu.Lock()
	r, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
	if !ok {
		return
	}

	r.CancelAt(time.Now())
	if actualCost <= 0 {
		return
	}
	// Re-reserve only the actual cost; if this momentarily fails to clear
	// immediately the tokens still account correctly since CancelAt already
	// restored the requested amount.
	c.graphql.ReserveN(time.Now(), actualCost)
}

// Tier reports the plan tier this limiter was constructed for.
func (c *CommerceLimiter) Tier() PlanTier { return c.tier }
