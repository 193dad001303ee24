package retry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"contentctl/pkg/classify"
	. "contentctl/pkg/retry"
)

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, Options{MaxAttempts: 3, InitialDelay: time.Millisecond}, nil)

	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDo_RetriesRetryableErrorThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("internal server error")
		}
		return nil
	}, Options{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Hints:        classify.Hints{Status: 500},
	}, nil)

	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("unauthorized")
	}, Options{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Hints:        classify.Hints{Status: 401},
	}, nil)

	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := err.(*RetryError); ok {
		t.Errorf("non-retryable error should not be wrapped in RetryError")
	}
	if calls != 1 {
		t.Errorf("expected exactly 1 call for non-retryable error, got %d", calls)
	}
}

func TestDo_ExhaustsAttemptsReturnsRetryError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("internal server error")
	}, Options{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Hints:        classify.Hints{Status: 500},
	}, nil)

	var retryErr *RetryError
	if !errorAs(err, &retryErr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if retryErr.Attempts != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", retryErr.Attempts)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDo_CancellationTokenAbortsBetweenAttempts(t *testing.T) {
	token := NewCancellationToken()
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		token.Cancel()
		return errors.New("internal server error")
	}, Options{
		MaxAttempts:       5,
		InitialDelay:      time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		Hints:             classify.Hints{Status: 500},
		CancellationToken: token,
	}, nil)

	var retryErr *RetryError
	if !errorAs(err, &retryErr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if retryErr.Reason != "cancelled" {
		t.Errorf("expected cancelled reason, got %s", retryErr.Reason)
	}
	if calls != 1 {
		t.Errorf("expected only the first attempt to run, got %d calls", calls)
	}
}

func TestDo_BudgetExhaustedRefusesRetry(t *testing.T) {
	budget := NewBudget(0, time.Minute)
	calls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("internal server error")
	}, Options{
		MaxAttempts:  5,
		InitialDelay: time.Millisecond,
		Hints:        classify.Hints{Status: 500},
		Budget:       budget,
	}, nil)

	var retryErr *RetryError
	if !errorAs(err, &retryErr) {
		t.Fatalf("expected RetryError, got %v", err)
	}
	if retryErr.Reason != "budget_exhausted" {
		t.Errorf("expected budget_exhausted, got %s", retryErr.Reason)
	}
	if retryErr.Attempts != 0 {
		t.Errorf("expected attempts=0 on budget exhaustion, got %d", retryErr.Attempts)
	}
	if calls != 1 {
		t.Errorf("expected only the first attempt before budget refusal, got %d", calls)
	}
}

func TestDo_BudgetRefundedOnSuccess(t *testing.T) {
	budget := NewBudget(1, time.Minute)
	calls := 0
	_ = Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("internal server error")
		}
		return nil
	}, Options{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Hints:        classify.Hints{Status: 500},
		Budget:       budget,
	}, nil)

	// Budget should be back to full after the first call's success; a second
	// failing call should still get its one allotted retry.
	secondCalls := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		secondCalls++
		if secondCalls < 2 {
			return errors.New("internal server error")
		}
		return nil
	}, Options{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		Hints:        classify.Hints{Status: 500},
		Budget:       budget,
	}, nil)
	if err != nil {
		t.Errorf("expected the refunded budget to allow one retry, got %v", err)
	}
}

func errorAs(err error, target **RetryError) bool {
	re, ok := err.(*RetryError)
	if !ok {
		return false
	}
	*target = re
	return true
}

func TestDeduplicator_JoinsInFlightCall(t *testing.T) {
	d := NewDeduplicator(10)
	var executions int
	var mu sync.Mutex
	release := make(chan struct{})

	var wg sync.WaitGroup
	results := make([]bool, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, shared, _ := d.Do(context.Background(), "key-1", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				executions++
				mu.Unlock()
				<-release
				return "value", nil
			})
			results[idx] = shared
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if executions != 1 {
		t.Errorf("expected exactly 1 underlying execution, got %d", executions)
	}
	sharedCount := 0
	for _, s := range results {
		if s {
			sharedCount++
		}
	}
	if sharedCount != 4 {
		t.Errorf("expected 4 of 5 callers to join the in-flight call, got %d", sharedCount)
	}
}

func TestDeduplicator_SeparateKeysExecuteIndependently(t *testing.T) {
	d := NewDeduplicator(10)
	var calls sync.Map

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		key := []string{"a", "b"}[i]
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			_, _, _ = d.Do(context.Background(), k, func(ctx context.Context) (interface{}, error) {
				calls.Store(k, true)
				return k, nil
			})
		}(key)
	}
	wg.Wait()

	if _, ok := calls.Load("a"); !ok {
		t.Errorf("expected key a to execute")
	}
	if _, ok := calls.Load("b"); !ok {
		t.Errorf("expected key b to execute")
	}
}

func TestDeduplicator_EvictsAfterSettleDelay(t *testing.T) {
	d := NewDeduplicator(10)
	calls := 0
	ctx := context.Background()

	_, _, _ = d.Do(ctx, "k", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, nil
	})

	time.Sleep(150 * time.Millisecond)

	_, _, _ = d.Do(ctx, "k", func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, nil
	})

	if calls != 2 {
		t.Errorf("expected second call after eviction window to execute independently, got %d calls", calls)
	}
}
