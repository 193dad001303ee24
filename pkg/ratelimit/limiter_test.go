package ratelimit_test

import (
	"sync"
	"testing"
	"time"

	. "contentctl/pkg/ratelimit"
)

func TestCheckLimit_TokenBucketAllowsWithinBurst(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    60,
		WindowMs:       1000,
		Burst:          5,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	for i := 0; i < 5; i++ {
		d := l.CheckLimit("shop-1", 1)
		if !d.Allowed {
			t.Fatalf("expected request %d to be allowed within burst", i)
		}
	}
}

func TestCheckLimit_TokenBucketRejectsOverBurst(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    1,
		WindowMs:       60000,
		Burst:          1,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	first := l.CheckLimit("shop-1", 1)
	if !first.Allowed {
		t.Fatal("expected first request to be allowed")
	}
	second := l.CheckLimit("shop-1", 1)
	if second.Allowed {
		t.Fatal("expected second request to be rejected before refill")
	}
	if second.Wait <= 0 {
		t.Errorf("expected a positive wait time, got %v", second.Wait)
	}
}

func TestCheckLimit_FixedWindowResetsOnBoundary(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmFixedWindow,
		MaxRequests:    1,
		WindowMs:       50,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	if !l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected first request allowed")
	}
	if l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected second request in same window rejected")
	}
	time.Sleep(60 * time.Millisecond)
	if !l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected request in new window to be allowed")
	}
}

func TestCheckLimit_SlidingWindowCountAndCost(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmSlidingWindow,
		MaxRequests:    2,
		WindowMs:       1000,
		Burst:          10,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	if !l.CheckLimit("k", 3).Allowed {
		t.Fatal("expected first request allowed")
	}
	if !l.CheckLimit("k", 3).Allowed {
		t.Fatal("expected second request allowed (count within limit)")
	}
	if l.CheckLimit("k", 3).Allowed {
		t.Fatal("expected third request rejected by count limit")
	}
}

func TestCheckLimit_ConcurrencyCap(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    1000,
		WindowMs:       1000,
		Burst:          1000,
		MaxConcurrency: 2,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	if !l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected request 1 allowed")
	}
	if !l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected request 2 allowed")
	}
	time.Sleep(time.Millisecond)
	if l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected request 3 rejected by concurrency cap")
	}
	l.Release("k")
	time.Sleep(time.Millisecond)
	if !l.CheckLimit("k", 1).Allowed {
		t.Fatal("expected request allowed again after release")
	}
}

func TestCheckLimit_ResultCacheDeduplicatesBackToBack(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    1,
		WindowMs:       60000,
		Burst:          1,
		ResultCacheTTL: time.Hour,
	}, nil)

	first := l.CheckLimit("k", 1)
	second := l.CheckLimit("k", 1)
	if first.Allowed != second.Allowed {
		t.Errorf("expected cached decision to match original within TTL")
	}
}

func TestWaitForToken_SucceedsOnceTokensReplenish(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    100,
		WindowMs:       100,
		Burst:          1,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	l.CheckLimit("k", 1) // consume the only token

	ok := l.WaitForToken("k", 500*time.Millisecond, 1)
	if !ok {
		t.Fatal("expected token to become available within the wait window")
	}
}

func TestWaitForToken_TimesOut(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    1,
		WindowMs:       60000,
		Burst:          1,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	l.CheckLimit("k", 1)

	ok := l.WaitForToken("k", 20*time.Millisecond, 1)
	if ok {
		t.Fatal("expected timeout before token replenishes")
	}
}

func TestCheckLimit_ConcurrentSafety(t *testing.T) {
	l := New(Config{
		Algorithm:      AlgorithmTokenBucket,
		MaxRequests:    1000,
		WindowMs:       1000,
		Burst:          1000,
		ResultCacheTTL: time.Nanosecond,
	}, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.CheckLimit("shared", 1)
		}()
	}
	wg.Wait()

	m := l.MetricsFor("shared")
	if m.Requests != 50 {
		t.Errorf("expected 50 recorded requests, got %d", m.Requests)
	}
}
