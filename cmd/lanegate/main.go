package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xela07ax/spaceai-lanes/internal/audit"
	"github.com/xela07ax/spaceai-lanes/internal/domain"
	"github.com/xela07ax/spaceai-lanes/internal/engine"
	"github.com/xela07ax/spaceai-lanes/internal/infra"
	"github.com/xela07ax/spaceai-lanes/internal/metrics"
	"github.com/xela07ax/spaceai-lanes/internal/repository/postgres"
	"github.com/xela07ax/spaceai-lanes/internal/repository/redisstream"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lanegate:", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Configuration and logging
	cfg, err := infra.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheus(reg, cfg.Metrics.Namespace)

	// 3. Audit storage and lane overrides
	policies := cfg.LanePolicies()
	storage, closeStorage, err := openAuditStorage(ctx, cfg, logger, policies)
	if err != nil {
		return err
	}
	defer closeStorage()

	var auditor audit.Auditor
	if storage != nil {
		reliable := audit.NewReliableStorage(storage, audit.ReliableConfig{
			WritesPerSecond:        cfg.Audit.WritesPerSecond,
			Burst:                  cfg.Audit.Burst,
			Attempts:               cfg.Audit.RetryAttempts,
			BreakerName:            "audit-" + cfg.Audit.Sink,
			MaxConsecutiveFailures: cfg.Audit.CBMaxFailures,
			BreakerTimeout:         cfg.Audit.CBTimeout,
		}, logger)
		trail := audit.NewTrail(reliable, audit.TrailConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		}, logger)
		trail.Start()
		// Drain after the servers stop so the last decisions are persisted.
		defer trail.Stop()
		auditor = trail
	}

	// 4. Control plane
	cp := engine.New(engine.Config{
		Policies:           policies,
		Budgets:            cfg.SyncBudgets(),
		EventStoreCapacity: cfg.EventStore.MaxCapacity,
		DecisionLogSize:    cfg.Guard.DecisionLogSize,
		OperationLogSize:   cfg.Sync.OperationLogSize,
	}, engine.Deps{
		Metrics: sink,
		Auditor: auditor,
		Logger:  logger,
	})

	// 5. Observability endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/lanes", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(cp.Snapshot()); err != nil {
			logger.Warn("encode lane snapshot", zap.Error(err))
		}
	})
	srv := &http.Server{
		Addr:              cfg.Metrics.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("metrics endpoint started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("lanegate stopping...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("lanegate exited properly")
	return nil
}

// openAuditStorage builds the configured sink. With the postgres sink, lane_policies
// rows are merged into policies before the control plane is built.
func openAuditStorage(ctx context.Context, cfg *infra.Config, logger *zap.Logger, policies map[domain.Lane]domain.LanePolicy) (audit.Storage, func(), error) {
	switch cfg.Audit.Sink {
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, nil, err
		}
		overrides, err := postgres.NewPolicyRepo(db).LanePolicies(ctx)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		maps.Copy(policies, overrides)
		logger.Info("lane policies loaded from database", zap.Int("overrides", len(overrides)))
		return postgres.NewAuditRepo(db), func() { db.Close() }, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis: unreachable at %s: %w", cfg.Redis.Addr, err)
		}
		return redisstream.NewAuditStream(rdb, cfg.Audit.StreamMaxLen), func() { rdb.Close() }, nil

	default:
		logger.Info("audit sink disabled")
		return nil, func() {}, nil
	}
}
