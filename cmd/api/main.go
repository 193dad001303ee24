package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	config "contentctl/configs"
	"contentctl/pkg/api"
	"contentctl/pkg/auth"
	"contentctl/pkg/clients/billing"
	"contentctl/pkg/clients/commerce"
	"contentctl/pkg/coordination/etcd"
	"contentctl/pkg/logger"
	tracing "contentctl/pkg/observability"
	"contentctl/pkg/queue"
	"contentctl/pkg/quota"
	"contentctl/pkg/ratelimit"
	"contentctl/pkg/storage/postgres"
	"contentctl/pkg/storage/redis"
)

func main() {
	cfg := config.LoadConfig()
	zlog, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "contentctl-api",
	})
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	zlog.Info("starting up")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracingProvider, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  "contentctl-api",
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

	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
	if err != nil {
		zlog.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()
	election := etcdCoord.NewElection("contentctl-reconciler-leader")
	zlog.Info("etcd connected")

	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	resultCache, err := redis.NewRedisCache(redisAddr, "contentctl")
	if err != nil {
		zlog.Fatal("failed to initialize redis cache", zap.Error(err))
	}
	defer resultCache.Close()
	zlog.Info("redis connected")

	rawRedis := goredis.NewClient(&goredis.Options{Addr: redisAddr})
	defer rawRedis.Close()
	apiKeyStore := auth.NewRedisAPIKeyStore(rawRedis)

	var jwtService *auth.JWTService
	if cfg.JWTSecret != "" {
		jwtService, err = auth.NewJWTService(auth.JWTConfig{
			SecretKey:     cfg.JWTSecret,
			Issuer:        cfg.JWTIssuer,
			TokenExpiry:   time.Hour,
			RefreshExpiry: 24 * time.Hour,
		})
		if err != nil {
			zlog.Fatal("failed to initialize JWT service", zap.Error(err))
		}
	}

	jobQueue := queue.New(store, resultCache, zlog)
	quotaMgr := quota.New(store, store, store, zlog)

	commerceClient := commerce.New(cfg.CommerceBaseURL, ratelimit.PlanTier(cfg.CommercePlanTier), cfg.CommerceRESTPerMin, zlog)
	defer commerceClient.Close()
	billingClient := billing.New(commerce.NewBillingAdapter(commerceClient), zlog)

	apiPort := cfg.APIPort
	if apiPort == "" {
		apiPort = "8080"
	}

	server := api.NewServer(api.Config{
		Port:        apiPort,
		JobStore:    store,
		Queue:       jobQueue,
		Quota:       quotaMgr,
		Billing:     billingClient,
		DB:          store.DB(),
		Coordinator: etcdCoord,
		Election:    election,
		JWTService:  jwtService,
		APIKeyStore: apiKeyStore,
		Logger:      zlog,
	})

	go func() {
		if err := server.Start(); err != nil {
			zlog.Error("server error", zap.Error(err))
		}
	}()

	zlog.Info("server started", zap.String("port", apiPort))

	sig := <-sigChan
	zlog.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		zlog.Error("shutdown error", zap.Error(err))
	}

	cancel()
	zlog.Info("shutdown complete")
}
