package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/searcb/pncp-sync/internal/api"
	"github.com/searcb/pncp-sync/internal/config"
	"github.com/searcb/pncp-sync/internal/domaincache"
	"github.com/searcb/pncp-sync/internal/pncp"
	"github.com/searcb/pncp-sync/internal/store"
	syncpkg "github.com/searcb/pncp-sync/internal/sync"
	"github.com/searcb/pncp-sync/internal/telemetry"
	"github.com/searcb/pncp-sync/internal/transform"
	"github.com/searcb/pncp-sync/internal/versions"
	"github.com/searcb/pncp-sync/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync engine",
	Long: `Start the sync engine: the scheduler, the worker pool, the watchdog and
the HTTP server with webhook ingestion, admin endpoints and metrics.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 30 * time.Second
	serverIdleTimeout      = 60 * time.Second
)

func init() {
	serveCmd.Flags().String("address", ":8080", "Address to listen on")
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")

	if err := viper.BindPFlag("address", serveCmd.Flags().Lookup("address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(err)
	}
	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	address := viper.GetString("address")
	configPath := viper.GetString("config")

	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Server.Address != "" {
		address = cfg.Server.Address
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	slog.Info("starting pncp-sync",
		"version", versions.GetVersionInfo().Version,
		"address", address,
		"upstream", cfg.Upstream.Endpoint)

	// Telemetry
	provider, err := telemetry.NewMeterProvider("pncp-sync", versions.GetVersionInfo().Version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	fetchMetrics, err := telemetry.NewFetchMetrics(provider)
	if err != nil {
		return fmt.Errorf("failed to create fetch metrics: %w", err)
	}
	syncMetrics, err := telemetry.NewSyncMetrics(provider)
	if err != nil {
		return fmt.Errorf("failed to create sync metrics: %w", err)
	}
	cacheMetrics, err := telemetry.NewCacheMetrics(provider)
	if err != nil {
		return fmt.Errorf("failed to create cache metrics: %w", err)
	}

	// Persistence
	st, err := store.New(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", "error", err)
		}
	}()

	// Domain cache over the reference tables
	cache := domaincache.New(st,
		domaincache.WithTTL(config.Duration(cfg.Cache.TTL, domaincache.DefaultTTL)),
		domaincache.WithCacheMetrics(cacheMetrics),
	)

	// Upstream client
	client := newUpstreamClient(cfg, fetchMetrics)

	// Engine
	transformer := transform.NewTransformer(cache)
	runner := syncpkg.NewRunner(client, st, transformer,
		syncpkg.WithBatchSize(cfg.Sync.BatchSize),
		syncpkg.WithPageSize(cfg.Upstream.MaxPageSize),
		syncpkg.WithSyncMetrics(syncMetrics),
		syncpkg.WithInvalidator(cache),
	)

	pool := syncpkg.NewPool(st, runner,
		syncpkg.WithWorkers(cfg.Sync.Workers),
		syncpkg.WithJobTimeout(config.Duration(cfg.Sync.JobDeadline, syncpkg.DefaultJobTimeout)),
		syncpkg.WithMaxRetries(cfg.Sync.MaxRetries),
		syncpkg.WithPoolMetrics(syncMetrics),
	)

	scheduler := syncpkg.NewScheduler(st, entityTypes(cfg),
		syncpkg.WithInterval(config.Duration(cfg.Sync.Interval, syncpkg.DefaultInterval)),
		syncpkg.WithDomainInterval(config.Duration(cfg.Sync.DomainInterval, syncpkg.DefaultDomainInterval)),
	)

	watchdog := syncpkg.NewWatchdog(st, syncpkg.DefaultWatchdogInterval)

	// Webhook ingestion
	secret, err := cfg.Webhook.GetWebhookSecret()
	if err != nil {
		return fmt.Errorf("failed to load webhook secret: %w", err)
	}
	webhookHandler := webhook.NewHandler(st, []byte(secret),
		config.Duration(cfg.Webhook.DedupWindow, webhook.DefaultDedupWindow))

	// HTTP surface
	handlers := api.NewHandlers(scheduler, st, cache, versions.GetVersionInfo().Version)
	router := api.NewServer(handlers,
		api.WithMiddlewares(
			middleware.RealIP,
			api.LoggingMiddleware,
		),
		api.WithWebhookHandler(webhookHandler),
		api.WithMetricsHandler(provider.Handler()),
	)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCanceled(pool.Run(ctx)) })
	group.Go(func() error { return ignoreCanceled(scheduler.Run(ctx)) })
	group.Go(func() error { return ignoreCanceled(watchdog.Run(ctx)) })
	group.Go(func() error {
		slog.Info("server listening", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		slog.Error("shutdown with error", "error", err)
		return err
	}
	slog.Info("shutdown complete")
	return nil
}

// newUpstreamClient builds the PNCP client from configuration
func newUpstreamClient(cfg *config.Config, metrics *telemetry.FetchMetrics) *pncp.Client {
	httpClient := &http.Client{
		Timeout: config.Duration(cfg.Upstream.RequestTimeout, 30*time.Second),
	}

	policy := pncp.DefaultRetryPolicy()
	if cfg.Upstream.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.Upstream.MaxAttempts
	}
	if d := config.Duration(cfg.Upstream.RetryBaseDelay, 0); d > 0 {
		policy.BaseDelay = d
	}

	limiter := pncp.NewRateLimiter(
		cfg.Upstream.RatePerSecond,
		cfg.Upstream.RateBurst,
		config.Duration(cfg.Upstream.RateWaitTimeout, 0),
	)

	opts := []pncp.ClientOption{
		pncp.WithHTTPClient(httpClient),
		pncp.WithRetryPolicy(policy),
		pncp.WithRateLimiter(limiter),
		pncp.WithFetchMetrics(metrics),
	}
	if cfg.Upstream.MaxPageSize > 0 {
		opts = append(opts, pncp.WithMaxPageSize(cfg.Upstream.MaxPageSize))
	}
	return pncp.NewClient(cfg.Upstream.Endpoint, opts...)
}

// entityTypes resolves the configured entity catalog, defaulting to all
func entityTypes(cfg *config.Config) []pncp.EntityType {
	if len(cfg.Sync.EntityTypes) == 0 {
		return pncp.AllEntityTypes()
	}
	types := make([]pncp.EntityType, 0, len(cfg.Sync.EntityTypes))
	for _, raw := range cfg.Sync.EntityTypes {
		types = append(types, pncp.EntityType(raw))
	}
	return types
}

// ignoreCanceled filters the shutdown signal out of goroutine results
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
