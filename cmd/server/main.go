// Package main is the entrypoint for the colorgate API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/kiranshivaraju/colorgate/internal/admission"
	"github.com/kiranshivaraju/colorgate/internal/api"
	"github.com/kiranshivaraju/colorgate/internal/api/handler"
	mw "github.com/kiranshivaraju/colorgate/internal/api/middleware"
	"github.com/kiranshivaraju/colorgate/internal/api/response"
	"github.com/kiranshivaraju/colorgate/internal/cache"
	"github.com/kiranshivaraju/colorgate/internal/config"
	"github.com/kiranshivaraju/colorgate/internal/metrics"
	"github.com/kiranshivaraju/colorgate/internal/monitor"
	"github.com/kiranshivaraju/colorgate/internal/pool"
	"github.com/kiranshivaraju/colorgate/internal/ratelimit"
	"github.com/kiranshivaraju/colorgate/internal/store"
	"github.com/kiranshivaraju/colorgate/internal/transform"
	"github.com/kiranshivaraju/colorgate/pkg/models"
)

const (
	shutdownTimeout = 30 * time.Second
	// writeSlack is added on top of the longest a synchronous job may take.
	writeSlack = 15 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"transform_provider", cfg.Transform.Provider,
		"rate_limit_backend", cfg.RateLimit.Backend,
		"env", cfg.Server.Env,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	db, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	pgStore := store.NewPostgresStore(db)
	if err := bootstrapAdminKey(ctx, pgStore); err != nil {
		return fmt.Errorf("bootstrap admin key: %w", err)
	}

	// 4. Optional Redis tier
	var redisCache *cache.RedisCache
	if cfg.Redis.URL != "" {
		redisCache, err = cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()

		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		slog.Info("redis connected")
	}

	// 5. Transformer
	transformer, err := transform.NewTransformer(cfg.Transform)
	if err != nil {
		return fmt.Errorf("create transformer: %w", err)
	}
	slog.Info("transformer initialized", "provider", transformer.Name())

	// 6. Admission pipeline
	clk := clock.RealClock{}
	pressure := monitor.NewPressure()

	contentOpts := cache.ContentOptions{
		TTL:      cfg.Cache.TTL,
		Capacity: cfg.Cache.Capacity,
		MaxBytes: cfg.Cache.MaxBytes,
		Shards:   cfg.Cache.Shards,
		Clock:    clk,
		Observer: pressure,
	}
	if redisCache != nil {
		contentOpts.Backend = redisCache
	}
	results, err := cache.NewContentCache(contentOpts)
	if err != nil {
		return fmt.Errorf("create result cache: %w", err)
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Backend == "redis" {
		limiter = ratelimit.NewRedisWindow(redisCache, cfg.RateLimit.Quota, cfg.RateLimit.Window, clk, slog.Default())
	} else {
		limiter = ratelimit.NewSlidingWindow(cfg.RateLimit.Quota, cfg.RateLimit.Window, clk)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewCollector(metrics.Options{
		SampleSize: cfg.Metrics.SampleSize,
		Registerer: registry,
		Pressure:   pressure,
	})
	if err != nil {
		return fmt.Errorf("create metrics collector: %w", err)
	}

	workers := pool.New(pool.Config{
		Workers:       cfg.Pool.Workers,
		QueueCapacity: cfg.Pool.QueueCapacity,
		MaxWait:       cfg.Pool.MaxWait,
		TaskTimeout:   cfg.Transform.Timeout,
		Clock:         clk,
	}, slog.Default())

	recorder := store.NewAsyncRecorder(pgStore, cfg.Server.RecorderBuffer, slog.Default())

	gate, err := admission.New(admission.Options{
		Limiter:             limiter,
		Cache:               results,
		Pool:                workers,
		Transformer:         transformer,
		Metrics:             collector,
		Pressure:            pressure,
		Recorder:            recorder,
		JobRetention:        cfg.Server.JobRetention,
		SweepInterval:       cfg.Cache.SweepInterval,
		PressureQueueFactor: cfg.Monitor.PressureQueueFactor,
		Clock:               clk,
		Logger:              slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("create admission gate: %w", err)
	}

	mon := monitor.New(monitor.Config{
		Interval:            cfg.Monitor.Interval,
		MemoryLimitMB:       cfg.Monitor.MemoryLimitMB,
		SystemMemoryPercent: cfg.Monitor.SystemMemoryPercent,
		ActiveJobsHighWater: cfg.Monitor.ActiveJobsHighWater,
		ShrinkFraction:      monitor.DefaultConfig().ShrinkFraction,
	}, pressure, monitor.SystemSampler{}, results, clk, slog.Default())
	mon.Subscribe(gate.SetPressure)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:  mw.NewAuth(pgStore),
		Quota: mw.NewQuota(limiter),

		HealthHandler:    healthHandler(pgStore, results, transformer, mon),
		SubmitJobHandler: handler.NewSubmitJobHandler(gate, cfg.Server.MaxPayloadBytes),
		GetJobHandler:    handler.NewGetJobHandler(gate),
		CancelJobHandler: handler.NewCancelJobHandler(gate),
		ListJobsHandler:  handler.NewListJobsHandler(pgStore),
		MetricsHandler:   handler.NewMetricsHandler(gate),
		StatsHandler:     handler.NewStatsHandler(pgStore),
		CreateClient:     handler.NewCreateClientHandler(pgStore),
		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore, bcrypt.DefaultCost),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),

		Prometheus: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server and background loops
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Pool.MaxWait + cfg.Transform.Timeout + writeSlack,
		IdleTimeout:  60 * time.Second,
	}

	// The recorder outlives the group so records of jobs cancelled during
	// shutdown are still written.
	recCtx, stopRecorder := context.WithCancel(context.Background())
	recDone := make(chan error, 1)
	go func() { recDone <- recorder.Run(recCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error { return gate.Run(gctx) })
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		gate.Close()
		if werr := workers.Wait(shutdownCtx); werr != nil {
			slog.Warn("jobs still running at shutdown", "error", werr)
		}
		if err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err = g.Wait()
	stopRecorder()
	<-recDone
	if err != nil {
		return err
	}

	st := recorder.Stats()
	slog.Info("server stopped gracefully",
		"records_written", st.Written,
		"records_dropped", st.Dropped,
		"records_failed", st.Failed,
	)
	return nil
}

// bootstrapStore is the store surface needed to seed the first admin key.
type bootstrapStore interface {
	GetDefaultClient(ctx context.Context) (*models.Client, error)
	ListAPIKeys(ctx context.Context, clientID uuid.UUID) ([]*models.APIKey, error)
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// bootstrapAdminKey creates an admin key for the default client when it has
// none, and logs the raw key once.
func bootstrapAdminKey(ctx context.Context, s bootstrapStore) error {
	client, err := s.GetDefaultClient(ctx)
	if err != nil {
		return fmt.Errorf("get default client: %w", err)
	}
	keys, err := s.ListAPIKeys(ctx, client.ID)
	if err != nil {
		return fmt.Errorf("list keys: %w", err)
	}
	if len(keys) > 0 {
		return nil
	}

	raw, hash, err := handler.GenerateKey(bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		ClientID:  client.ID,
		Name:      "bootstrap-admin",
		KeyHash:   hash,
		KeyPrefix: raw[:mw.KeyPrefixLen],
		Scopes:    []string{models.ScopeJobs, models.ScopeAdmin},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create key: %w", err)
	}
	slog.Warn("created bootstrap admin key, store it now; it will not be shown again",
		"client_id", client.ID, "key", raw)
	return nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

type statusSource interface {
	Last() monitor.Status
}

// healthHandler checks database, cache and transform connectivity and
// reports the last memory reading. Only the database and the transform
// backend make the instance unhealthy; a remote cache outage is reported but
// jobs keep running on the local tier.
func healthHandler(db, c pinger, tf models.Transformer, mon statusSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database":  "ok",
			"cache":     "ok",
			"transform": "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if rc, ok := tf.(models.ReadinessChecker); ok {
			if err := rc.Ready(r.Context()); err != nil {
				checks["transform"] = "degraded"
			}
		}

		if checks["database"] != "ok" || checks["transform"] != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		overall := "ok"
		if checks["cache"] != "ok" {
			overall = "degraded"
		}

		status := mon.Last()
		response.JSON(w, map[string]any{
			"status":         overall,
			"services":       checks,
			"provider":       tf.Name(),
			"memory":         status.Memory,
			"under_pressure": status.High,
		})
	}
}
