package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/p-n-ai/pai-grader/internal/ai"
	"github.com/p-n-ai/pai-grader/internal/archive"
	"github.com/p-n-ai/pai-grader/internal/grading"
	"github.com/p-n-ai/pai-grader/internal/httpapi"
	"github.com/p-n-ai/pai-grader/internal/platform/cache"
	"github.com/p-n-ai/pai-grader/internal/platform/config"
	"github.com/p-n-ai/pai-grader/internal/platform/database"
	"github.com/p-n-ai/pai-grader/internal/platform/queue"
	"github.com/p-n-ai/pai-grader/internal/region"
	"github.com/p-n-ai/pai-grader/internal/resilient"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	// Graceful shutdown on SIGTERM/SIGINT.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

// app holds the wired components and what must be released on shutdown.
type app struct {
	api     *httpapi.Server
	bus     *queue.Bus
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     a.api.Handler(),
		ReadTimeout: 30 * time.Second,
		// Synchronous grading and the event stream hold responses open.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	a.api.Wait()
	return nil
}

// build wires every component from cfg. Background work is bound to ctx.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	fail := func(err error) (*app, error) {
		a.close()
		return nil, err
	}
	checks := map[string]httpapi.Check{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var respCache resilient.Cache = resilient.NewMemoryCache()
	if cfg.Cache.URL != "" {
		c, err := cache.New(ctx, cfg.Cache.URL)
		if err != nil {
			return fail(fmt.Errorf("connecting cache: %w", err))
		}
		a.closers = append(a.closers, func() { c.Close() })
		respCache = cache.NewResponseCache(c)
		checks["cache"] = c.HealthCheck
		slog.Info("response cache shared", "backend", "redis")
	}

	retry := cfg.RetryFor(cfg.AI.Model)
	client := resilient.New(resilient.Config{
		Breaker: resilient.BreakerConfig{Threshold: cfg.Breaker.Threshold, CoolDown: cfg.Breaker.CoolDown},
		Retry: resilient.RetryPolicy{
			MaxAttempts:     retry.MaxAttempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			Jitter:          0.2,
			AttemptTimeout:  retry.AttemptTimeout,
		},
		Cache:    respCache,
		CacheTTL: cfg.Cache.TTL,
		Metrics:  resilient.NewMetrics(reg),
	})

	router, err := newRouter(cfg.AI)
	if err != nil {
		return fail(err)
	}
	checks["ai"] = router.HealthCheck

	svc, err := ai.NewService(ai.ServiceConfig{
		Client:    client,
		Provider:  router,
		Model:     cfg.AI.Model,
		DeepModel: cfg.AI.DeepModel,
	})
	if err != nil {
		return fail(fmt.Errorf("creating AI service: %w", err))
	}

	store, err := newStore(ctx, cfg.Database, checks, a)
	if err != nil {
		return fail(err)
	}

	a.bus = queue.New(int64(cfg.Archive.QueueBuffer), logger)
	a.closers = append(a.closers, func() {
		if err := a.bus.Close(); err != nil {
			slog.Warn("closing queue", "error", err)
		}
	})
	worker := archive.NewFollowUpWorker(svc, store, cfg.Archive.FollowUpWorkers)
	for _, kind := range []ai.AnalysisKind{ai.AnalysisMistake, ai.AnalysisConcept} {
		if err := a.bus.Subscribe(ctx, archive.Topic(kind), worker.HandlePayload); err != nil {
			return fail(fmt.Errorf("subscribing follow-up worker: %w", err))
		}
	}

	concurrency := cfg.ConcurrencyFor(cfg.AI.Model)
	a.api = httpapi.New(ctx, httpapi.Deps{
		Parser:      svc,
		Scheduler:   grading.NewScheduler(svc, concurrency),
		Archive:     archive.NewDeduplicator(store, archive.NewBusQueue(a.bus)),
		Mapper:      region.NewMapper(region.Options{Quality: cfg.Grading.CropQuality, MaxSide: cfg.Grading.CropMaxSide}),
		Concurrency: concurrency,
		Checks:      checks,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, nil)

	slog.Info("grader wired",
		"model", cfg.AI.Model,
		"deep_model", cfg.AI.DeepModel,
		"concurrency", concurrency,
		"archive", archiveBackend(cfg.Database),
	)
	return a, nil
}

// newRouter registers every configured provider in fallback order.
func newRouter(cfg config.AIConfig) (*ai.Router, error) {
	router := ai.NewRouter()
	if cfg.OpenAI.APIKey != "" {
		router.Register("openai", ai.NewOpenAIProvider(cfg.OpenAI.APIKey))
	}
	if cfg.Anthropic.APIKey != "" {
		p, err := ai.NewAnthropicProvider(cfg.Anthropic.APIKey)
		if err != nil {
			return nil, fmt.Errorf("creating anthropic provider: %w", err)
		}
		router.Register("anthropic", p)
	}
	if cfg.DeepSeek.APIKey != "" {
		router.Register("deepseek", ai.NewDeepSeekProvider(cfg.DeepSeek.APIKey))
	}
	if cfg.OpenRouter.APIKey != "" {
		router.Register("openrouter", ai.NewOpenRouterProvider(cfg.OpenRouter.APIKey))
	}
	if !router.HasProvider() {
		return nil, errors.New("no AI provider configured")
	}
	return router, nil
}

func newStore(ctx context.Context, cfg config.DatabaseConfig, checks map[string]httpapi.Check, a *app) (archive.Store, error) {
	if cfg.URL == "" {
		return archive.NewMemoryStore(), nil
	}
	db, err := database.New(ctx, database.Options{URL: cfg.URL, MaxConns: cfg.MaxConns, MinConns: cfg.MinConns})
	if err != nil {
		return nil, fmt.Errorf("connecting database: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	checks["database"] = db.HealthCheck
	store, err := archive.NewPostgresStore(db.Pool)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func archiveBackend(cfg config.DatabaseConfig) string {
	if cfg.URL == "" {
		return "memory"
	}
	return "postgres"
}

// newLogger builds the process logger from the log settings.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
