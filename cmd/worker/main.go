// Package main is the entrypoint for the ReelSmith worker: the job consumer,
// the HTTP API, and the WebSocket progress endpoint run in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/reelsmith/reelsmith/internal/api"
	"github.com/reelsmith/reelsmith/internal/api/handler"
	mw "github.com/reelsmith/reelsmith/internal/api/middleware"
	"github.com/reelsmith/reelsmith/internal/cache"
	"github.com/reelsmith/reelsmith/internal/config"
	"github.com/reelsmith/reelsmith/internal/mediastore"
	"github.com/reelsmith/reelsmith/internal/pipeline"
	"github.com/reelsmith/reelsmith/internal/progress"
	"github.com/reelsmith/reelsmith/internal/provider"
	"github.com/reelsmith/reelsmith/internal/queue"
	"github.com/reelsmith/reelsmith/internal/store"
	"github.com/reelsmith/reelsmith/internal/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "script_provider", cfg.Providers.Script, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Redis: durable queue plus status cache
	jobQueue, err := queue.NewRedisQueue(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	defer jobQueue.Close()
	if err := jobQueue.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	slog.Info("redis connected")

	// 5. Generation providers
	script, err := provider.NewScriptGenerator(cfg.Providers)
	if err != nil {
		return fmt.Errorf("create script provider: %w", err)
	}
	voice, err := provider.NewVoiceSynthesizer(cfg.Providers)
	if err != nil {
		return fmt.Errorf("create voice provider: %w", err)
	}
	video, err := provider.NewVideoGenerator(cfg.Providers)
	if err != nil {
		return fmt.Errorf("create video provider: %w", err)
	}
	compositor, err := provider.NewCompositor(cfg.Providers)
	if err != nil {
		return fmt.Errorf("create compositor: %w", err)
	}
	slog.Info("providers initialized",
		"script", script.Name(), "voice", voice.Name(), "video", video.Name())

	// 6. Object storage for finished renders
	media, err := mediastore.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("create media store: %w", err)
	}
	if err := media.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	slog.Info("object storage ready", "bucket", cfg.Storage.Bucket)

	// 7. Pipeline, progress distribution, worker
	pgStore := store.NewPostgresStore(pool)
	sink := progress.NewRedisSink(jobQueue, queue.ProgressChannel)

	orch := pipeline.New(pipeline.Deps{
		Store:       pgStore,
		Sink:        sink,
		Script:      script,
		Voice:       voice,
		Video:       video,
		Compositor:  compositor,
		Media:       media,
		WorkdirRoot: cfg.Worker.WorkdirRoot,
	})

	hub := progress.NewHub(jobQueue, queue.ProgressChannel,
		cfg.Progress.BridgeRetryWait, cfg.Progress.BridgeMaxRetries)

	wrk := worker.New(worker.Config{
		MaxRetries:     cfg.Worker.MaxRetries,
		BackoffBase:    cfg.Worker.BackoffBase,
		BackoffCap:     cfg.Worker.BackoffCap,
		DequeueTimeout: cfg.Worker.DequeueTimeout,
	}, jobQueue, pgStore, redisCache, sink, orch)

	// 8. Router
	deps := api.Dependencies{
		RateLimit: mw.NewRateLimit(redisCache, 60),

		HealthHandler:   handler.NewHealthHandler(wrk.Health),
		SubmitHandler:   handler.NewSubmitJobHandler(pgStore, jobQueue, redisCache),
		GetJobHandler:   handler.NewGetJobHandler(pgStore, redisCache),
		RollbackHandler: handler.NewRollbackJobHandler(pgStore, redisCache),
		EventsHandler: progress.NewEventsHandler(hub, pgStore,
			cfg.Progress.PingInterval, cfg.Progress.WriteTimeout),
	}
	router := api.NewRouter(deps)

	// 9. Start HTTP server and consumer loop
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		wrk.Run(ctx)
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// 10. Graceful shutdown: stop taking jobs, finish or re-queue the current
	// one, then drain HTTP and close live observer connections.
	wrk.Shutdown()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	hub.Close()

	slog.Info("worker exited cleanly")
	return nil
}
