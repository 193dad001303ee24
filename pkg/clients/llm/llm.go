// Package llm adapts an LLM provider's responses and embeddings endpoints
// behind the retry engine, per-model token-bucket limiters, an embedding
// cache, and in-flight prompt deduplication.
package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"contentctl/pkg/classify"
	"contentctl/pkg/ratelimit"
	"contentctl/pkg/resilience"
	"contentctl/pkg/retry"
)

// embeddingCacheTTL is the per-call embedding cache lifetime.
const embeddingCacheTTL = 30 * time.Minute

const (
	defaultRequestsPerMinute = 60
	defaultBurst             = 10
)

type embeddingCacheEntry struct {
	vector    []float32
	expiresAt time.Time
}

// Client wraps an OpenAI-compatible provider, rate-limiting per model,
// caching embeddings, and collapsing concurrent identical prompts.
type Client struct {
	provider *openai.Client
	breaker  *resilience.CircuitBreaker

	limiter *ratelimit.Limiter

	embedMu    sync.Mutex
	embedCache map[string]embeddingCacheEntry

	dedup      *retry.Deduplicator
	classifier *classify.Classifier
	retryOpts  retry.Options
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithRetryOptions overrides the default retry policy.
func WithRetryOptions(o retry.Options) Option { return func(c *Client) { c.retryOpts = o } }

// WithDistributedStorage enforces the per-model rate limit cluster-wide
// instead of per-process, backed by dist (typically
// redis.DistributedRateLimitStorage).
func WithDistributedStorage(dist ratelimit.DistributedStorage) Option {
	return func(c *Client) {
		c.limiter = ratelimit.New(ratelimit.Config{
			Algorithm:   ratelimit.AlgorithmTokenBucket,
			MaxRequests: defaultRequestsPerMinute,
			WindowMs:    60_000,
			Burst:       defaultBurst,
		}, dist)
	}
}

// New constructs an LLM Client for the given API key.
func New(apiKey string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		provider: openai.NewClient(apiKey),
		breaker:  resilience.NewCircuitBreaker("llm-provider", resilience.DefaultCircuitBreakerConfig()),
		limiter: ratelimit.New(ratelimit.Config{
			Algorithm:   ratelimit.AlgorithmTokenBucket,
			MaxRequests: defaultRequestsPerMinute,
			WindowMs:    60_000,
			Burst:       defaultBurst,
		}, nil),
		embedCache: make(map[string]embeddingCacheEntry),
		dedup:      retry.NewDeduplicator(0),
		classifier: classify.New(),
		retryOpts:  retry.Options{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, Strategy: retry.StrategyExponential},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the classifier's background goroutine.
func (c *Client) Close() { c.classifier.Close() }

// awaitToken blocks until model's per-key token bucket admits one request,
// or ctx is done.
func (c *Client) awaitToken(ctx context.Context, model string) error {
	key := "llm:" + model
	for {
		d := c.limiter.CheckLimit(key, 1)
		if d.Allowed {
			return nil
		}
		wait := d.Wait
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) withClassifierOpts(correlationID string) retry.Options {
	opts := c.retryOpts
	opts.Classifier = c.classifier
	opts.CorrelationID = correlationID
	opts.Logger = c.logger
	return opts
}

// ResponseRequest describes a single completion-style call.
type ResponseRequest struct {
	Model       string
	Prompt      string
	Temperature float32
	MaxTokens   int
}

// ResponseResult is the permissive, defaults-filled decode of a dynamic
// JSON provider response under a permissive schema.
type ResponseResult struct {
	Text         string
	FinishReason string
	TokensUsed   int
}

// GenerateResponse executes req under the per-model limiter, the circuit
// breaker, and the retry engine, collapsing concurrent identical prompts
// for the same model into a single upstream call.
func (c *Client) GenerateResponse(ctx context.Context, req ResponseRequest, correlationID string) (*ResponseResult, error) {
	key := dedupKey(req.Model, req.Prompt, req.Temperature, req.MaxTokens)

	result, _, err := c.dedup.Do(ctx, key, func(ctx context.Context) (interface{}, error) {
		if err := c.awaitToken(ctx, req.Model); err != nil {
			return nil, err
		}

		var out *ResponseResult
		err := retry.Do(ctx, func(ctx context.Context) error {
			return c.breaker.Execute(ctx, func() error {
				resp, err := c.provider.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
					Model: req.Model,
					Messages: []openai.ChatCompletionMessage{
						{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
					},
					Temperature: req.Temperature,
					MaxTokens:   req.MaxTokens,
				})
				if err != nil {
					return err
				}
				out = decodeChatResponse(resp)
				return nil
			})
		}, c.withClassifierOpts(correlationID), nil)
		if err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ResponseResult), nil
}

// decodeChatResponse applies permissive-schema defaults: missing choices
// fall back to an empty, non-retryable result rather than panicking on an
// out-of-range index.
func decodeChatResponse(resp openai.ChatCompletionResponse) *ResponseResult {
	if len(resp.Choices) == 0 {
		return &ResponseResult{}
	}
	choice := resp.Choices[0]
	return &ResponseResult{
		Text:         choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		TokensUsed:   resp.Usage.TotalTokens,
	}
}

func dedupKey(model, prompt string, temperature float32, maxTokens int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%.3f|%d|%s", model, temperature, maxTokens, prompt)))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding vector for text under model, serving from
// the 30-minute cache when available.
func (c *Client) Embed(ctx context.Context, model, text string, correlationID string) ([]float32, error) {
	key := embedCacheKey(model, text)

	c.embedMu.Lock()
	if entry, ok := c.embedCache[key]; ok && time.Now().Before(entry.expiresAt) {
		c.embedMu.Unlock()
		return entry.vector, nil
	}
	c.embedMu.Unlock()

	result, _, err := c.dedup.Do(ctx, "embed:"+key, func(ctx context.Context) (interface{}, error) {
		if err := c.awaitToken(ctx, model); err != nil {
			return nil, err
		}

		var vector []float32
		err := retry.Do(ctx, func(ctx context.Context) error {
			return c.breaker.Execute(ctx, func() error {
				resp, err := c.provider.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
					Input: []string{text},
					Model: openai.EmbeddingModel(model),
				})
				if err != nil {
					return err
				}
				if len(resp.Data) == 0 {
					return fmt.Errorf("llm: embedding response contained no data")
				}
				vector = resp.Data[0].Embedding
				return nil
			})
		}, c.withClassifierOpts(correlationID), nil)
		if err != nil {
			return nil, err
		}
		return vector, nil
	})
	if err != nil {
		return nil, err
	}
	vector = result.([]float32)

	c.embedMu.Lock()
	c.embedCache[key] = embeddingCacheEntry{vector: vector, expiresAt: time.Now().Add(embeddingCacheTTL)}
	c.embedMu.Unlock()

	return vector, nil
}

func embedCacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(model + "|" + text))
	return hex.EncodeToString(sum[:])
}

// EvictExpiredEmbeddings drops cache entries past their TTL. Embed skips
// expired entries on lookup but leaves them in the map until this runs or
// a fresh result overwrites them.
func (c *Client) EvictExpiredEmbeddings() {
	now := time.Now()
	c.embedMu.Lock()
	defer c.embedMu.Unlock()
	for k, entry := range c.embedCache {
		if now.After(entry.expiresAt) {
			delete(c.embedCache, k)
		}
	}
}
