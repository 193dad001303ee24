// Package ratelimit implements a per-key, multi-algorithm rate limiter:
// token bucket, leaky bucket, sliding window, and fixed window, each with
// a concurrency cap and a short-TTL result cache, plus a waitForToken
// helper with growing backoff.
package ratelimit

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Algorithm selects the limiting strategy for a key.
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmLeakyBucket   Algorithm = "leaky_bucket"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
)

// Config parameterizes a Limiter for one algorithm.
type Config struct {
	Algorithm Algorithm

	// Token bucket / leaky bucket.
	MaxRequests int           // tokens granted per WindowMs (token bucket) or burst size (leaky uses RestoreRate instead)
	WindowMs    int64         // window length in ms for token bucket / sliding / fixed window
	Burst       int           // cap on accumulated tokens
	RestoreRate float64       // leaky bucket: tokens restored per second

	MaxConcurrency int // per-key concurrency cap; 0 means unlimited

	ResultCacheTTL time.Duration // short-TTL dedup of back-to-back checkLimit calls; default 1s
}

// DistributedStorage lets the limiter enforce limits cluster-wide instead
// of per-process. go-redis/v9-backed implementations live in pkg/storage.
type DistributedStorage interface {
	Get(key string) (float64, bool)
	Set(key string, value float64, ttl time.Duration)
	Increment(key string, delta float64, ttl time.Duration) float64
	Decrement(key string, delta float64) float64
	Delete(key string)
}

// Decision is the outcome of a checkLimit call.
type Decision struct {
	Allowed  bool
	Wait     time.Duration // time to wait before retrying, when not allowed
	Tokens   float64       // tokens remaining after this check
}

type windowEntry struct {
	timestamp time.Time
	cost      float64
}

type keyState struct {
	mu sync.Mutex

	// token/leaky bucket
	tokens      float64
	lastRefill  time.Time
	initialized bool // tokens seeded to a full bucket on first use

	// fixed window
	windowStart time.Time
	windowUsed  float64

	// sliding window
	history []windowEntry

	concurrency int

	// metrics
	requests     int64
	rejected     int64
	totalWait    time.Duration
	totalCost    float64
	peakConc     int
	recentWindow []float64 // bounded ring of recent window summaries

	cachedAt      time.Time
	cachedResult  Decision
	cachedValid   bool
}

// Limiter enforces a single algorithm/config across a set of keys.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	keys   map[string]*keyState
	dist   DistributedStorage
}

// New constructs a Limiter. dist may be nil for process-local enforcement.
func New(cfg Config, dist DistributedStorage) *Limiter {
	if cfg.ResultCacheTTL <= 0 {
		cfg.ResultCacheTTL = time.Second
	}
	return &Limiter{
		cfg:  cfg,
		keys: make(map[string]*keyState),
		dist: dist,
	}
}

// concurrencyKey namespaces a key's in-flight counter in the distributed
// store, separate from the algorithm's own rate-limit state.
func (l *Limiter) concurrencyKey(key string) string {
	return key + ":concurrency"
}

// concurrencyFor returns the in-flight count to compare against
// MaxConcurrency: cluster-wide via dist when configured, otherwise the
// process-local counter.
func (l *Limiter) concurrencyFor(key string, s *keyState) int {
	if l.dist != nil {
		if v, ok := l.dist.Get(l.concurrencyKey(key)); ok {
			return int(v)
		}
		return 0
	}
	return s.concurrency
}

func (l *Limiter) stateFor(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.keys[key]
	if !ok {
		s = &keyState{lastRefill: time.Now(), windowStart: time.Now()}
		l.keys[key] = s
	}
	return s
}

// CheckLimit evaluates whether cost units may be admitted for key right
// now, per the algorithm selected in Config.
func (l *Limiter) CheckLimit(key string, cost float64) Decision {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if s.cachedValid && now.Sub(s.cachedAt) < l.cfg.ResultCacheTTL {
		return s.cachedResult
	}

	if l.cfg.MaxConcurrency > 0 && l.concurrencyFor(key, s) >= l.cfg.MaxConcurrency {
		d := Decision{Allowed: false, Wait: time.Second}
		s.cachedResult, s.cachedAt, s.cachedValid = d, now, true
		s.rejected++
		return d
	}

	var d Decision
	switch l.cfg.Algorithm {
	case AlgorithmLeakyBucket:
		d = l.checkLeakyBucket(s, now, cost)
	case AlgorithmSlidingWindow:
		d = l.checkSlidingWindow(s, now, cost)
	case AlgorithmFixedWindow:
		d = l.checkFixedWindow(s, now, cost)
	default:
		d = l.checkTokenBucket(s, now, cost)
	}

	s.requests++
	if d.Allowed {
		s.concurrency++
		if l.dist != nil {
			l.dist.Increment(l.concurrencyKey(key), 1, time.Minute)
		}
		if s.concurrency > s.peakConc {
			s.peakConc = s.concurrency
		}
		s.totalCost += cost
	} else {
		s.rejected++
		s.totalWait += d.Wait
	}

	s.cachedResult, s.cachedAt, s.cachedValid = d, now, true
	return d
}

// Release decrements the concurrency counter for key, following a
// successful admit. When a DistributedStorage is configured, the
// cluster-wide counter is decremented too so the cap is enforced across
// every process sharing the key.
func (l *Limiter) Release(key string) {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concurrency > 0 {
		s.concurrency--
	}
	if l.dist != nil {
		l.dist.Decrement(l.concurrencyKey(key), 1)
	}
}

func (l *Limiter) checkTokenBucket(s *keyState, now time.Time, cost float64) Decision {
	windowMs := l.cfg.WindowMs
	if windowMs <= 0 {
		windowMs = 1000
	}
	burst := float64(l.cfg.Burst)
	if burst <= 0 {
		burst = float64(l.cfg.MaxRequests)
	}

	if !s.initialized {
		s.tokens = burst
		s.lastRefill = now
		s.initialized = true
	} else {
		elapsed := now.Sub(s.lastRefill).Milliseconds()
		refill := float64(elapsed) / float64(windowMs) * float64(l.cfg.MaxRequests)
		s.tokens += refill
		if s.tokens > burst {
			s.tokens = burst
		}
		s.lastRefill = now
	}

	if s.tokens >= cost {
		s.tokens -= cost
		return Decision{Allowed: true, Tokens: s.tokens}
	}
	wait := time.Duration((cost - s.tokens) / float64(l.cfg.MaxRequests) * float64(windowMs)) * time.Millisecond
	return Decision{Allowed: false, Wait: wait, Tokens: s.tokens}
}

func (l *Limiter) checkLeakyBucket(s *keyState, now time.Time, cost float64) Decision {
	burst := float64(l.cfg.Burst)

	if !s.initialized {
		s.tokens = burst
		s.lastRefill = now
		s.initialized = true
	} else {
		elapsedSec := now.Sub(s.lastRefill).Seconds()
		s.tokens += elapsedSec * l.cfg.RestoreRate
		if s.tokens > burst {
			s.tokens = burst
		}
		s.lastRefill = now
	}

	if s.tokens >= cost {
		s.tokens -= cost
		return Decision{Allowed: true, Tokens: s.tokens}
	}
	wait := time.Duration((cost-s.tokens)/l.cfg.RestoreRate*1000) * time.Millisecond
	return Decision{Allowed: false, Wait: wait, Tokens: s.tokens}
}

// checkSlidingWindow keeps timestamped history entries and admits iff both
// count and summed cost within [now-windowMs, now] stay within limits.
// TODO: trimming only happens inline here; a dedicated background trimmer
// would bound memory under very high key cardinality.
func (l *Limiter) checkSlidingWindow(s *keyState, now time.Time, cost float64) Decision {
	windowMs := l.cfg.WindowMs
	if windowMs <= 0 {
		windowMs = 1000
	}
	cutoff := now.Add(-time.Duration(windowMs) * time.Millisecond)

	trimmed := s.history[:0]
	for _, e := range s.history {
		if e.timestamp.After(cutoff) {
			trimmed = append(trimmed, e)
		}
	}
	s.history = trimmed

	var count int
	var sumCost float64
	for _, e := range s.history {
		count++
		sumCost += e.cost
	}

	if count+1 > l.cfg.MaxRequests || sumCost+cost > float64(l.cfg.Burst) {
		var wait time.Duration
		if len(s.history) > 0 {
			wait = s.history[0].timestamp.Add(time.Duration(windowMs) * time.Millisecond).Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		return Decision{Allowed: false, Wait: wait}
	}

	s.history = append(s.history, windowEntry{timestamp: now, cost: cost})
	return Decision{Allowed: true, Tokens: float64(l.cfg.MaxRequests - count - 1)}
}

func (l *Limiter) checkFixedWindow(s *keyState, now time.Time, cost float64) Decision {
	windowMs := l.cfg.WindowMs
	if windowMs <= 0 {
		windowMs = 1000
	}
	bucketStart := time.UnixMilli(now.UnixMilli() / windowMs * windowMs)
	if !bucketStart.Equal(s.windowStart) {
		s.windowStart = bucketStart
		s.windowUsed = 0
	}

	if s.windowUsed+cost > float64(l.cfg.MaxRequests) {
		wait := s.windowStart.Add(time.Duration(windowMs) * time.Millisecond).Sub(now)
		if wait < 0 {
			wait = 0
		}
		return Decision{Allowed: false, Wait: wait}
	}

	s.windowUsed += cost
	return Decision{Allowed: true, Tokens: float64(l.cfg.MaxRequests) - s.windowUsed}
}

// WaitForToken loops checkLimit + sleep until admitted or maxWait elapses,
// with backoff growing ×1.5 up to 5s plus jitter.
func (l *Limiter) WaitForToken(key string, maxWait time.Duration, cost float64) bool {
	deadline := time.Now().Add(maxWait)
	backoff := 10 * time.Millisecond

	for {
		d := l.CheckLimit(key, cost)
		if d.Allowed {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}

		wait := d.Wait
		if wait <= 0 {
			wait = backoff
		}
		jitter := time.Duration(rand.IntN(20)) * time.Millisecond
		sleepFor := wait + jitter
		if remaining := time.Until(deadline); sleepFor > remaining {
			sleepFor = remaining
		}
		if sleepFor > 0 {
			time.Sleep(sleepFor)
		}

		backoff = time.Duration(float64(backoff) * 1.5)
		if backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
		if time.Now().After(deadline) {
			return false
		}
	}
}

// Metrics is the per-key snapshot of a Limiter's bookkeeping.
type Metrics struct {
	Requests       int64
	Rejected       int64
	RejectionRate  float64
	AverageWait    time.Duration
	AverageCost    float64
	Concurrency    int
	PeakConcurrency int
}

// MetricsFor returns a snapshot of key's bookkeeping.
func (l *Limiter) MetricsFor(key string) Metrics {
	s := l.stateFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		Requests:        s.requests,
		Rejected:        s.rejected,
		Concurrency:     s.concurrency,
		PeakConcurrency: s.peakConc,
	}
	if s.requests > 0 {
		m.RejectionRate = float64(s.rejected) / float64(s.requests)
		m.AverageCost = s.totalCost / float64(s.requests)
	}
	if s.rejected > 0 {
		m.AverageWait = s.totalWait / time.Duration(s.rejected)
	}
	return m
}
