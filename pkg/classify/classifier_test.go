package classify_test

import (
	"errors"
	"testing"
	"time"

	. "contentctl/pkg/classify"
)

func TestClassify_NetworkCode(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("connection reset by peer"), Hints{Code: "ECONNRESET"}, "corr-1")
	if result.Category != CategoryNetwork {
		t.Errorf("expected network category, got %v", result.Category)
	}
	if !result.Retryable {
		t.Errorf("expected network errors to be retryable")
	}
}

func TestClassify_TimeoutMessage(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("request timeout after 30s"), Hints{}, "corr-2")
	if result.Category != CategoryTimeout {
		t.Errorf("expected timeout category, got %v", result.Category)
	}
}

func TestClassify_RateLimitStatus(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("too many requests"), Hints{Status: 429}, "corr-3")
	if result.Category != CategoryRateLimit {
		t.Errorf("expected rate_limit category, got %v", result.Category)
	}
	if result.Severity != SeverityLow {
		t.Errorf("expected low severity, got %v", result.Severity)
	}
}

func TestClassify_AuthenticationNotRetryable(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("unauthorized"), Hints{Status: 401}, "corr-4")
	if result.Category != CategoryAuthentication {
		t.Errorf("expected authentication category, got %v", result.Category)
	}
	if result.Retryable {
		t.Errorf("expected authentication errors to not be retryable")
	}
}

func TestClassify_ServerErrorRetryable(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("internal error"), Hints{Status: 503}, "corr-5")
	if result.Category != CategoryServerError {
		t.Errorf("expected server_error category, got %v", result.Category)
	}
	if !result.Retryable {
		t.Errorf("expected server errors to be retryable")
	}
}

func TestClassify_ClientErrorDefault(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("conflict"), Hints{Status: 409}, "corr-6")
	if result.Category != CategoryClientError {
		t.Errorf("expected client_error category, got %v", result.Category)
	}
}

func TestClassify_UnknownFallback(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(errors.New("something strange"), Hints{}, "corr-7")
	if result.Category != CategoryUnknown {
		t.Errorf("expected unknown category, got %v", result.Category)
	}
}

func TestClassify_CacheHitReusesResultAcrossCorrelationIDs(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	err := errors.New("rate limit exceeded")
	first := c.Classify(err, Hints{}, "corr-a")
	if c.Size() != 1 {
		t.Fatalf("expected 1 cached entry, got %d", c.Size())
	}
	second := c.Classify(err, Hints{}, "corr-b")
	if second.Category != first.Category || second.Severity != first.Severity {
		t.Errorf("expected cached classification to match original")
	}
	if second.CorrelationID != "corr-b" {
		t.Errorf("expected correlation id to reflect the current call, got %s", second.CorrelationID)
	}
	if c.Size() != 1 {
		t.Errorf("expected cache hit not to grow the cache, got size %d", c.Size())
	}
}

func TestClassify_CacheEntryExpires(t *testing.T) {
	c := New(WithTTL(10*time.Millisecond), WithCleanupInterval(0))
	defer c.Close()

	err := errors.New("server error")
	c.Classify(err, Hints{Status: 500}, "corr-1")
	time.Sleep(20 * time.Millisecond)
	c.Classify(err, Hints{Status: 500}, "corr-2")
	if c.Size() != 1 {
		t.Errorf("expected expired entry to be replaced, not accumulated, got size %d", c.Size())
	}
}

func TestClassify_BoundedSize(t *testing.T) {
	c := New(WithMaxSize(5), WithCleanupInterval(0))
	defer c.Close()

	for i := 0; i < 50; i++ {
		c.Classify(errors.New(randomish(i)), Hints{Status: 500}, "corr")
	}
	if c.Size() > 5 {
		t.Errorf("expected cache to stay bounded at 5, got %d", c.Size())
	}
}

func randomish(i int) string {
	suffix := make([]byte, 0, 8)
	for n := i + 1; n > 0; n /= 26 {
		suffix = append(suffix, byte('a'+n%26))
	}
	return "distinct message " + string(suffix)
}

func TestClassify_NilError(t *testing.T) {
	c := New(WithCleanupInterval(0))
	defer c.Close()

	result := c.Classify(nil, Hints{}, "corr-nil")
	if result.Category != CategoryUnknown {
		t.Errorf("expected unknown category for nil error, got %v", result.Category)
	}
}
