// Package retry implements a bounded retry engine: pluggable backoff
// strategies, jitter, shared budgets, cancellation, and error sampling,
// all built around the classify package's verdicts.
package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contentctl/pkg/classify"
)

// Strategy selects how the base delay grows between attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyPolynomial  Strategy = "polynomial"
	StrategyFixed       Strategy = "fixed"
	StrategyCustom      Strategy = "custom"
)

// JitterMode selects how randomness is added to the computed delay.
type JitterMode string

const (
	JitterOff      JitterMode = "off"
	JitterFixed    JitterMode = "fixed"
	JitterAdditive JitterMode = "additive"
)

// Budget caps the number of retries (not initial attempts) allowed across
// all calls sharing it within a rolling window, refunded on success.
type Budget struct {
	mu         sync.Mutex
	maxRetries int
	window     time.Duration
	windowEnd  time.Time
	used       int
}

// NewBudget constructs a shared retry budget.
func NewBudget(maxRetries int, window time.Duration) *Budget {
	return &Budget{maxRetries: maxRetries, window: window}
}

func (b *Budget) rollLocked(now time.Time) {
	if b.windowEnd.IsZero() || now.After(b.windowEnd) {
		b.windowEnd = now.Add(b.window)
		b.used = 0
	}
}

// tryConsume attempts to spend one retry unit; it reports whether the
// budget allowed it.
func (b *Budget) tryConsume(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollLocked(now)
	if b.used >= b.maxRetries {
		return false
	}
	b.used++
	return true
}

// Refund returns one retry unit to the budget, floored at zero.
func (b *Budget) Refund() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used > 0 {
		b.used--
	}
}

// CancellationToken is an observable cancellation flag checked between
// attempts. Safe for concurrent use.
type CancellationToken struct {
	cancelled atomicBool
}

type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) set(v bool) {
	a.mu.Lock()
	a.v = v
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// NewCancellationToken returns an unset token.
func NewCancellationToken() *CancellationToken { return &CancellationToken{} }

// Cancel marks the token cancelled. Idempotent.
func (t *CancellationToken) Cancel() { t.cancelled.set(true) }

// Cancelled reports whether Cancel has been called.
func (t *CancellationToken) Cancelled() bool { return t.cancelled.get() }

// CustomDelayFunc computes the delay for a custom strategy; it must return
// a non-negative duration.
type CustomDelayFunc func(attempt int) time.Duration

// Options configures a call to Do.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Strategy          Strategy
	Multiplier        float64          // exponential strategy base; default 2
	PolynomialExp     float64          // polynomial strategy exponent; default 2
	CustomDelay       CustomDelayFunc  // required when Strategy == StrategyCustom
	Jitter            JitterMode
	JitterFixedMs     int
	JitterAdditiveMs  int
	RetryableErrors   []string // extra substrings treated as retryable regardless of classification
	OnRetry           func(attempt int, err error)
	Budget            *Budget
	CancellationToken *CancellationToken
	ErrorSampling     float64 // fraction of calls subject to retry; rest get one attempt
	Classifier        *classify.Classifier
	Hints             classify.Hints
	CorrelationID     string
	Logger            *zap.Logger
}

// RetryError wraps a terminal retry failure with the classification of the
// last error seen.
type RetryError struct {
	Attempts   int
	LastErr    error
	Classified classify.Classified
	Reason     string // "exhausted", "cancelled", "budget_exhausted"
}

func (e *RetryError) Error() string {
	if e.LastErr == nil {
		return "retry: " + e.Reason
	}
	return "retry: " + e.Reason + ": " + e.LastErr.Error()
}

func (e *RetryError) Unwrap() error { return e.LastErr }

func defaults(o Options) Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.MaxAttempts > 100 {
		o.MaxAttempts = 100
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 100 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.Strategy == "" {
		o.Strategy = StrategyExponential
	}
	if o.Multiplier <= 0 {
		o.Multiplier = 2
	}
	if o.PolynomialExp <= 0 {
		o.PolynomialExp = 2
	}
	if o.Jitter == "" {
		o.Jitter = JitterOff
	}
	if o.ErrorSampling <= 0 {
		o.ErrorSampling = 1
	}
	if o.Classifier == nil {
		o.Classifier = classify.New(classify.WithCleanupInterval(0))
	}
	return o
}

func isExtraRetryable(err error, extra []string) bool {
	if err == nil || len(extra) == 0 {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range extra {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func baseDelay(o Options, attempt int) time.Duration {
	switch o.Strategy {
	case StrategyLinear:
		return o.InitialDelay * time.Duration(attempt)
	case StrategyPolynomial:
		d := float64(o.InitialDelay) * math.Pow(float64(attempt), o.PolynomialExp)
		return time.Duration(d)
	case StrategyFixed:
		return o.InitialDelay
	case StrategyCustom:
		if o.CustomDelay == nil {
			return o.InitialDelay
		}
		d := o.CustomDelay(attempt)
		if d < 0 {
			d = 0
		}
		return d
	default: // exponential
		d := float64(o.InitialDelay) * math.Pow(o.Multiplier, float64(attempt-1))
		return time.Duration(d)
	}
}

func applyJitter(o Options, d time.Duration) time.Duration {
	switch o.Jitter {
	case JitterFixed:
		return d + time.Duration(o.JitterFixedMs)*time.Millisecond
	case JitterAdditive:
		if o.JitterAdditiveMs <= 0 {
			return d
		}
		return d + time.Duration(rand.IntN(o.JitterAdditiveMs))*time.Millisecond
	default:
		return d
	}
}

func computeDelay(o Options, attempt int, classified classify.Classified, slowResponse bool) time.Duration {
	d := baseDelay(o, attempt)
	if classified.Category == classify.CategoryRateLimit {
		d *= 2
	}
	if classified.Category == classify.CategoryTimeout && slowResponse {
		d = time.Duration(float64(d) * 1.5)
	}
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	d = applyJitter(o, d)
	if d < 0 {
		d = 0
	}
	return d
}

// Do executes fn under the retry policy in opts. SlowResponse lets callers
// flag that the most recent attempt took longer than 5s, driving the
// timeout-multiplier rule.
func Do(ctx context.Context, fn func(ctx context.Context) error, opts Options, slowResponse func() bool) error {
	o := defaults(opts)
	sampled := o.ErrorSampling >= 1 || rand.Float64() < o.ErrorSampling

	var lastErr error
	var lastClassified classify.Classified

	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		if o.CancellationToken != nil && o.CancellationToken.Cancelled() {
			return &RetryError{Attempts: attempt - 1, LastErr: lastErr, Classified: lastClassified, Reason: "cancelled"}
		}

		err := fn(ctx)
		if err == nil {
			if o.Budget != nil {
				o.Budget.Refund()
			}
			return nil
		}

		lastErr = err
		hints := o.Hints
		classified := o.Classifier.Classify(err, hints, o.CorrelationID)
		lastClassified = classified

		retryable := classified.Retryable || isExtraRetryable(err, o.RetryableErrors)

		if !sampled {
			// Not subject to retry sampling: one attempt only, surface raw error.
			return err
		}
		if !retryable {
			return err
		}
		if attempt == o.MaxAttempts {
			return &RetryError{Attempts: attempt, LastErr: err, Classified: classified, Reason: "exhausted"}
		}

		if o.Budget != nil {
			now := time.Now()
			if !o.Budget.tryConsume(now) {
				return &RetryError{Attempts: 0, LastErr: err, Classified: classified, Reason: "budget_exhausted"}
			}
		}

		if o.OnRetry != nil {
			safeOnRetry(o.OnRetry, attempt, err, o.Logger)
		}

		slow := false
		if slowResponse != nil {
			slow = slowResponse()
		}
		delay := computeDelay(o, attempt, classified, slow)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return &RetryError{Attempts: attempt, LastErr: ctx.Err(), Classified: classified, Reason: "cancelled"}
		case <-timer.C:
		}
	}

	return &RetryError{Attempts: o.MaxAttempts, LastErr: lastErr, Classified: lastClassified, Reason: "exhausted"}
}

// safeOnRetry invokes the observer, recovering a panic rather than letting
// it escape: errors inside it are logged, not rethrown.
func safeOnRetry(onRetry func(attempt int, err error), attempt int, err error, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Warn("onRetry observer panicked", zap.Any("panic", r), zap.Int("attempt", attempt))
		}
	}()
	onRetry(attempt, err)
}
