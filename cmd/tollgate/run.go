package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/dnscache"

	gateway "github.com/tollgate-io/tollgate/internal"
	"github.com/tollgate-io/tollgate/internal/app"
	"github.com/tollgate-io/tollgate/internal/auth"
	"github.com/tollgate-io/tollgate/internal/cache"
	"github.com/tollgate-io/tollgate/internal/config"
	"github.com/tollgate-io/tollgate/internal/health"
	"github.com/tollgate-io/tollgate/internal/pricing"
	"github.com/tollgate-io/tollgate/internal/provider"
	"github.com/tollgate-io/tollgate/internal/provider/mock"
	"github.com/tollgate-io/tollgate/internal/provider/ollama"
	"github.com/tollgate-io/tollgate/internal/quota"
	"github.com/tollgate-io/tollgate/internal/ratelimit"
	"github.com/tollgate-io/tollgate/internal/reliability"
	"github.com/tollgate-io/tollgate/internal/routing"
	"github.com/tollgate-io/tollgate/internal/server"
	"github.com/tollgate-io/tollgate/internal/storage/sqlite"
	"github.com/tollgate-io/tollgate/internal/telemetry"
	"github.com/tollgate-io/tollgate/internal/worker"
)

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	slog.Info("starting tollgate", "version", version, "addr", cfg.Server.Addr,
		"provider_mode", cfg.Providers.Mode)

	store, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return err
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return err
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// Providers, each behind retry and a circuit breaker.
	registry := provider.NewRegistry()
	callbacks := reliability.Callbacks{
		OnError: func(name, stage string, err error) {
			metrics.ProviderErrors.WithLabelValues(name, stage).Inc()
		},
		OnRetry: func(name, stage string, attempt int) {
			metrics.RetriesTotal.WithLabelValues(name, stage).Inc()
		},
		OnCircuitOpen: func(name string) {
			metrics.CircuitOpenTotal.WithLabelValues(name).Inc()
		},
	}
	upstreamModel := ""
	switch cfg.Providers.Mode {
	case config.ProviderModeOllama:
		resolver := &dnscache.Resolver{}
		primary := ollama.New(cfg.Providers.OllamaURL, resolver)
		upstreamModel = cfg.Providers.OllamaModel
		registry.Register(routing.ProviderPrimary, reliability.Wrap(
			primary, routing.ProviderPrimary,
			reliability.DefaultRetryConfig(), nil, callbacks))
		// Fallback stays synthetic: a second Ollama endpoint is deployment
		// specific and the mock keeps the fallback path exercisable.
		registry.Register(routing.ProviderFallback, reliability.Wrap(
			mock.New("mock-fallback"), routing.ProviderFallback,
			reliability.DefaultRetryConfig(), nil, callbacks))
	default:
		registry.Register(routing.ProviderPrimary, reliability.Wrap(
			mock.New("mock-primary", mock.WithFailRate(cfg.Providers.PrimaryFailRate), mock.WithDelay(50*time.Millisecond)),
			routing.ProviderPrimary, reliability.DefaultRetryConfig(), nil, callbacks))
		registry.Register(routing.ProviderFallback, reliability.Wrap(
			mock.New("mock-fallback", mock.WithFailRate(cfg.Providers.FallbackFailRate), mock.WithDelay(50*time.Millisecond)),
			routing.ProviderFallback, reliability.DefaultRetryConfig(), nil, callbacks))
	}

	hasher := gateway.NewKeyHasher(cfg.Auth.KeyHashSecret)

	toucher := worker.NewKeyToucher(store, metrics.TouchQueueLength)
	authn, err := auth.New(store, hasher, toucher)
	if err != nil {
		return err
	}

	book := pricing.NewBook(pricing.Default())
	admin := app.NewAdminService(store, hasher, book, authn)

	ctx := context.Background()
	if err := admin.BootstrapAdmin(ctx, cfg.Auth.AdminKey); err != nil {
		return err
	}
	if err := admin.LoadPricingOverrides(ctx); err != nil {
		return err
	}

	limiter := ratelimit.New(rdb, ratelimit.Limits{
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		TokensPerMinute:   cfg.RateLimit.TokensPerMinute,
	}, slog.Default())

	chat := app.NewChatService(app.ChatServiceOpts{
		Store:         store,
		Providers:     registry,
		Policy:        *routing.NewPolicy(cfg.Health.ErrorThreshold),
		Health:        health.NewTracker(cfg.Health.WindowSize, cfg.Health.MinSamples),
		Cache:         cache.NewStore(rdb, cfg.Cache.TTL, slog.Default()),
		Prices:        book,
		Tokens:        limiter,
		Metrics:       metrics,
		Logger:        slog.Default(),
		UpstreamModel: upstreamModel,
	})

	handler := server.New(server.Deps{
		Auth:       authn,
		Chat:       chat,
		Admin:      admin,
		Limiter:    limiter,
		Quota:      quota.NewGuard(store),
		Metrics:    metrics,
		ReadyCheck: store.Ping,
	})

	// Background workers: key last-used flusher and quota proximity scanner.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	runner := worker.NewRunner(toucher, worker.NewUsageWarmer(store, slog.Default()))
	workerDone := make(chan error, 1)
	go func() { workerDone <- runner.Run(workerCtx) }()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("tollgate ready", "addr", cfg.Server.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		stopWorkers()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		stopWorkers()
		return err
	}

	// Workers flush pending touches on cancellation.
	stopWorkers()
	if err := <-workerDone; err != nil {
		slog.Warn("worker shutdown", "error", err)
	}

	slog.Info("tollgate stopped")
	return nil
}
