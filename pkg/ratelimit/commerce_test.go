package ratelimit_test

import (
	"testing"
	"time"

	. "contentctl/pkg/ratelimit"
)

func TestCommerceLimiter_RESTAllowsWithinBurst(t *testing.T) {
	c := NewCommerceLimiter(TierStandard, 40)
	for i := 0; i < 5; i++ {
		if !c.CheckRESTLimit().Allowed {
			t.Fatalf("expected REST request %d to be allowed", i)
		}
	}
}

func TestCommerceLimiter_GraphQLRefusesOverHardMax(t *testing.T) {
	c := NewCommerceLimiter(TierStandard, 40)
	d := c.CheckGraphQLLimit("req-1", 1001)
	if d.Allowed {
		t.Fatal("expected query over hard maximum to be refused")
	}
}

func TestCommerceLimiter_GraphQLAllowsWithinBucket(t *testing.T) {
	c := NewCommerceLimiter(TierStandard, 40)
	d := c.CheckGraphQLLimit("req-1", 500)
	if !d.Allowed {
		t.Fatal("expected query within bucket to be allowed")
	}
}

func TestCommerceLimiter_RefundRestoresUnusedCost(t *testing.T) {
	c := NewCommerceLimiter(TierStandard, 40)

	first := c.CheckGraphQLLimit("req-1", 900)
	if !first.Allowed {
		t.Fatal("expected first reservation to be allowed")
	}

	c.RefundGraphQLCost("req-1", 100)

	// After refunding 800 of the 900 requested, a second moderate query
	// should be admitted immediately rather than waiting for restore.
	second := c.CheckGraphQLLimit("req-2", 500)
	if !second.Allowed {
		t.Fatal("expected second query to be allowed after refund restored capacity")
	}
}

func TestCommerceLimiter_TierSelection(t *testing.T) {
	c := NewCommerceLimiter(TierEnterprise, 40)
	if c.Tier() != TierEnterprise {
		t.Errorf("expected enterprise tier, got %v", c.Tier())
	}
}

// Each tier restores GraphQL points at a rate proportional to its bucket
// size, so a higher tier recovers from exhaustion faster than a lower one.
func TestCommerceLimiter_GraphQLRestoreRateScalesWithTier(t *testing.T) {
	waitFor := func(tier PlanTier) time.Duration {
		c := NewCommerceLimiter(tier, 40)
		cfg := map[PlanTier]int{
			TierStandard:   1000,
			TierAdvanced:   2000,
			TierPlus:       10000,
			TierEnterprise: 20000,
		}[tier]

		drain := c.CheckGraphQLLimit("drain", cfg)
		if !drain.Allowed {
			t.Fatalf("expected draining reservation for %s to be allowed", tier)
		}

		d := c.CheckGraphQLLimit("probe", 100)
		if d.Allowed {
			t.Fatalf("expected probe for %s to wait after the bucket was drained", tier)
		}
		return d.Wait
	}

	standardWait := waitFor(TierStandard)
	enterpriseWait := waitFor(TierEnterprise)

	if enterpriseWait >= standardWait {
		t.Errorf("expected enterprise tier's faster restore rate to produce a shorter wait than standard: standard=%v enterprise=%v", standardWait, enterpriseWait)
	}
}
