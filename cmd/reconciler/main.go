package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	config "contentctl/configs"
	"contentctl/pkg/coordination/etcd"
	"contentctl/pkg/logger"
	"contentctl/pkg/quota"
	"contentctl/pkg/reconciler"
	"contentctl/pkg/storage/postgres"
)

func main() {
	cfg := config.LoadConfig()
	zlog, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "contentctl-reconciler",
	})
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	zlog.Info("starting up")

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Initialize Postgres Store (GORM)
	connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	store, err := postgres.NewPostgresStore(connStr)
	if err != nil {
		zlog.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()
	zlog.Info("postgres connected & schema initialized")

	// Initialize Etcd Coordinator
	etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, cfg.LeaderElectionTTL)
	if err != nil {
		zlog.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer etcdCoord.Close()
	zlog.Info("etcd connected")

	// Start Leader Election
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "reconciler-" + uuid.New().String()
	}
	election := etcdCoord.NewElection("contentctl-reconciler-leader")

	zlog.Info("requesting leadership", zap.String("hostname", hostname))
	if err := election.Campaign(ctx, hostname); err != nil {
		zlog.Fatal("election campaign failed", zap.Error(err))
	}
	zlog.Info("leadership acquired")

	// Quota manager drives the trial/grace/plan-transition machinery the
	// reconciler's sweep half exercises.
	quotaMgr := quota.New(store, store, store, zlog)

	r := reconciler.New(store, store, quotaMgr, zlog, reconciler.Config{
		Schedule: cfg.ReconcileSchedule,
	})

	zlog.Info("starting sweep loop")
	go func() {
		r.Run(ctx, election, hostname)
	}()

	// Wait for shutdown signal
	sig := <-sigChan
	zlog.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))

	cancel()

	if err := election.Resign(context.Background()); err != nil {
		zlog.Warn("failed to resign leadership", zap.Error(err))
	} else {
		zlog.Info("leadership resigned")
	}

	zlog.Info("shutdown complete")
}
