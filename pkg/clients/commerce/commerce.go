// Package commerce adapts the commerce platform's REST and GraphQL APIs
// behind the circuit breaker, rate limiter, and retry engine: a minimal
// http.Client wrapper doing JSON marshal/post and status checks,
// generalized to two transports instead of one.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"contentctl/pkg/classify"
	"contentctl/pkg/ratelimit"
	"contentctl/pkg/resilience"
	"contentctl/pkg/retry"
)

// ErrorKind distinguishes GraphQL's two error shapes.
type ErrorKind string

const (
	ErrorKindUser    ErrorKind = "USER_ERROR"
	ErrorKindGraphQL ErrorKind = "GRAPHQL_ERROR"
)

// GraphQLError is a single entry from a GraphQL response's errors array.
type GraphQLError struct {
	Message string        `json:"message"`
	Path    []interface{} `json:"path,omitempty"`
	Extensions struct {
		Code string `json:"code,omitempty"`
	} `json:"extensions,omitempty"`
	Kind ErrorKind `json:"-"`
}

func classifyGraphQLError(e GraphQLError) ErrorKind {
	if len(e.Path) > 0 || e.Extensions.Code == "USER_ERROR" {
		return ErrorKindUser
	}
	return ErrorKindGraphQL
}

// Client is the commerce-platform REST + GraphQL adapter.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *ratelimit.CommerceLimiter
	breaker    *resilience.CircuitBreaker
	classifier *classify.Classifier
	retryOpts  retry.Options
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default timeout-bound http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithRetryOptions overrides the default retry policy.
func WithRetryOptions(o retry.Options) Option { return func(c *Client) { c.retryOpts = o } }

// New constructs a commerce Client for baseURL, rate-limited per tier.
func New(baseURL string, tier ratelimit.PlanTier, restPerMinute int, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    ratelimit.NewCommerceLimiter(tier, restPerMinute),
		breaker:    resilience.NewCircuitBreaker("commerce-"+baseURL, resilience.DefaultCircuitBreakerConfig()),
		classifier: classify.New(),
		retryOpts:  retry.Options{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, Strategy: retry.StrategyExponential},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the classifier's background goroutine.
func (c *Client) Close() { c.classifier.Close() }

// RESTRequest describes a single REST call.
type RESTRequest struct {
	Method string
	Path   string
	Body   interface{}
}

// RESTResponse is the decoded result of a REST call.
type RESTResponse struct {
	StatusCode int
	Body       []byte
}

// DoREST executes req under the REST limiter, circuit breaker, and retry
// engine.
func (c *Client) DoREST(ctx context.Context, req RESTRequest, correlationID string) (*RESTResponse, error) {
	decision := c.limiter.CheckRESTLimit()
	if !decision.Allowed {
		if decision.Wait > 0 {
			time.Sleep(decision.Wait)
		} else {
			return nil, fmt.Errorf("commerce: REST rate limit exceeded")
		}
	}

	var result *RESTResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func() error {
			resp, err := c.doHTTP(ctx, req)
			if err != nil {
				return err
			}
			result = resp
			if resp.StatusCode >= 500 || resp.StatusCode == 429 {
				return fmt.Errorf("commerce: REST call returned status %d", resp.StatusCode)
			}
			return nil
		})
	}, c.withClassifierOpts(correlationID), nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doHTTP(ctx context.Context, req RESTRequest) (*RESTResponse, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, bodyReader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &RESTResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

// GraphQLQuery describes a single GraphQL call's shape for cost estimation.
type GraphQLQuery struct {
	Query         string
	Variables     map[string]interface{}
	FieldCount    int
	ConnectionCount int
	FirstArgs     []int
}

// EstimateCost computes a GraphQL query's point cost:
// 1 + 0.1*fieldCount + connectionCount + 0.01*sum(firstArgs).
func EstimateCost(q GraphQLQuery) int {
	sumFirst := 0
	for _, f := range q.FirstArgs {
		sumFirst += f
	}
	cost := 1.0 + 0.1*float64(q.FieldCount) + float64(q.ConnectionCount) + 0.01*float64(sumFirst)
	if cost < 1 {
		cost = 1
	}
	return int(cost + 0.5)
}

// graphQLEnvelope is the wire shape of a GraphQL response.
type graphQLEnvelope struct {
	Data       json.RawMessage `json:"data"`
	Errors     []GraphQLError  `json:"errors,omitempty"`
	Extensions struct {
		Cost struct {
			ActualQueryCost    int `json:"actualQueryCost"`
			RequestedQueryCost int `json:"requestedQueryCost"`
		} `json:"cost"`
	} `json:"extensions"`
}

// GraphQLResult carries the decoded payload plus classified errors.
type GraphQLResult struct {
	Data   json.RawMessage
	Errors []GraphQLError
}

// DoGraphQL executes q against path under the GraphQL limiter (pre-checked
// by estimated cost, refunded by the vendor-reported actual cost) plus the
// circuit breaker and retry engine.
func (c *Client) DoGraphQL(ctx context.Context, path string, q GraphQLQuery, requestID, correlationID string) (*GraphQLResult, error) {
	estimated := EstimateCost(q)
	decision := c.limiter.CheckGraphQLLimit(requestID, estimated)
	if !decision.Allowed {
		if decision.Wait > 0 {
			time.Sleep(decision.Wait)
		} else {
			return nil, ratelimitErr(estimated)
		}
	}

	var result *GraphQLResult
	err := retry.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func() error {
			body := map[string]interface{}{"query": q.Query, "variables": q.Variables}
			resp, err := c.doHTTP(ctx, RESTRequest{Method: http.MethodPost, Path: path, Body: body})
			if err != nil {
				return err
			}
			if resp.StatusCode >= 500 {
				return fmt.Errorf("commerce: GraphQL call returned status %d", resp.StatusCode)
			}

			var envelope graphQLEnvelope
			if err := json.Unmarshal(resp.Body, &envelope); err != nil {
				return fmt.Errorf("commerce: failed to decode GraphQL response: %w", err)
			}
			for i := range envelope.Errors {
				envelope.Errors[i].Kind = classifyGraphQLError(envelope.Errors[i])
			}

			actual := envelope.Extensions.Cost.ActualQueryCost
			if actual == 0 {
				actual = estimated
			}
			c.limiter.RefundGraphQLCost(requestID, actual)

			result = &GraphQLResult{Data: envelope.Data, Errors: envelope.Errors}
			return nil
		})
	}, c.withClassifierOpts(correlationID), nil)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func ratelimitErr(cost int) error {
	return fmt.Errorf("commerce: GraphQL query cost %d exceeds available budget", cost)
}

func (c *Client) withClassifierOpts(correlationID string) retry.Options {
	opts := c.retryOpts
	opts.Classifier = c.classifier
	opts.CorrelationID = correlationID
	opts.Logger = c.logger
	return opts
}
