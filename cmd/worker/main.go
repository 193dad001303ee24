package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "contentctl/configs"
	"contentctl/pkg/clients/billing"
	"contentctl/pkg/clients/commerce"
	"contentctl/pkg/clients/llm"
	"contentctl/pkg/logger"
	"contentctl/pkg/models"
	tracing "contentctl/pkg/observability"
	"contentctl/pkg/ratelimit"
	"contentctl/pkg/storage/postgres"
	"contentctl/pkg/storage/redis"
	"contentctl/pkg/worker"
)

func main() {
	cfg := config.LoadConfig()
	zlog, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "contentctl-worker",
	})
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	zlog.Info("starting up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingProvider, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "contentctl-worker",
		Environment:  cfg.Environment,
		Endpoint:     cfg.TracingEndpoint,
		Enabled:      cfg.TracingEnabled,
		SamplingRate: cfg.TracingSamplingRate,
	})
	if err != nil {
		zlog.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracingProvider.Shutdown(shutdownCtx); err != nil {
			zlog.Warn("tracing shutdown error", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	store, err := postgres.NewPostgresStore(connStr)
	if err != nil {
		zlog.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	zlog.Info("postgres connected")

	commerceClient := commerce.New(cfg.CommerceBaseURL, ratelimit.PlanTier(cfg.CommercePlanTier), cfg.CommerceRESTPerMin, zlog)
	defer commerceClient.Close()

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	rawRedis := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer rawRedis.Close()
	distLimiter := redis.NewDistributedRateLimitStorage(rawRedis, "contentctl")

	llmClient := llm.New(cfg.LLMProviderAPIKey, zlog, llm.WithDistributedStorage(distLimiter))
	defer llmClient.Close()

	billingClient := billing.New(commerce.NewBillingAdapter(commerceClient), zlog)

	handlers := buildHandlers(commerceClient, llmClient, billingClient)

	id := fmt.Sprintf("worker-%s", uuid.New().String()[:8])
	w := worker.New(store, handlers, zlog, worker.Config{})

	zlog.Info("dispatching jobs", zap.String("worker_id", id))
	go func() {
		w.Run(ctx)
	}()

	sig := <-sigChan
	zlog.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
	cancel()
	zlog.Info("shutdown complete")
}

// buildHandlers maps each job type to the domain client call that performs
// it. Payload fields are read defensively: a missing field produces a zero
// value, not a panic.
func buildHandlers(commerceClient *commerce.Client, llmClient *llm.Client, billingClient *billing.Client) map[models.JobType]worker.Handler {
	stringField := func(payload models.JSONMap, key string) string {
		v, _ := payload[key].(string)
		return v
	}
	correlationIDFor := func(job *models.Job) string {
		return job.ID.String()
	}

	generateText := func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
		result, err := llmClient.GenerateResponse(ctx, llm.ResponseRequest{
			Model:       stringField(job.Payload, "model"),
			Prompt:      stringField(job.Payload, "prompt"),
			Temperature: 0.7,
			MaxTokens:   2048,
		}, correlationIDFor(job))
		if err != nil {
			return nil, err
		}
		return models.JSONMap{"text": result.Text, "finish_reason": result.FinishReason, "tokens_used": result.TokensUsed}, nil
	}

	return map[models.JobType]worker.Handler{
		models.JobTypeArticleGenerate: generateText,
		models.JobTypeArticleRewrite:  generateText,
		models.JobTypeLLMSnippet:      generateText,
		models.JobTypeKeywordMine:     generateText,

		models.JobTypeLLMEmbedding: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			vector, err := llmClient.Embed(ctx, stringField(job.Payload, "model"), stringField(job.Payload, "text"), correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"embedding": vector}, nil
		},

		models.JobTypeImageGenerate: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			resp, err := commerceClient.DoREST(ctx, commerce.RESTRequest{
				Method: "POST",
				Path:   "/images",
				Body:   job.Payload,
			}, correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status_code": resp.StatusCode, "body": string(resp.Body)}, nil
		},

		models.JobTypeImagePoll: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			resp, err := commerceClient.DoREST(ctx, commerce.RESTRequest{
				Method: "GET",
				Path:   fmt.Sprintf("/images/%s", stringField(job.Payload, "image_job_id")),
			}, correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status_code": resp.StatusCode, "body": string(resp.Body)}, nil
		},

		models.JobTypeProductSync: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			resp, err := commerceClient.DoREST(ctx, commerce.RESTRequest{
				Method: "GET",
				Path:   fmt.Sprintf("/products/%s", stringField(job.Payload, "product_id")),
			}, correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status_code": resp.StatusCode, "body": string(resp.Body)}, nil
		},

		models.JobTypeCollectionSync: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			resp, err := commerceClient.DoREST(ctx, commerce.RESTRequest{
				Method: "GET",
				Path:   fmt.Sprintf("/collections/%s", stringField(job.Payload, "collection_id")),
			}, correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status_code": resp.StatusCode, "body": string(resp.Body)}, nil
		},

		models.JobTypeUsageRecord: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			resp, err := commerceClient.DoREST(ctx, commerce.RESTRequest{
				Method: "POST",
				Path:   "/usage",
				Body:   job.Payload,
			}, correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status_code": resp.StatusCode}, nil
		},

		models.JobTypeBillingReconcile: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			sub, err := billingClient.ReconcileWebhook(ctx, stringField(job.Payload, "subscription_id"), stringField(job.Payload, "webhook_status"), correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status": string(sub.Status), "subscription_id": sub.ID}, nil
		},

		models.JobTypeSubscriptionEvent: func(ctx context.Context, job *models.Job) (models.JSONMap, error) {
			sub, err := billingClient.ReconcileWebhook(ctx, stringField(job.Payload, "subscription_id"), stringField(job.Payload, "webhook_status"), correlationIDFor(job))
			if err != nil {
				return nil, err
			}
			return models.JSONMap{"status": string(sub.Status), "subscription_id": sub.ID}, nil
		},
	}
}
