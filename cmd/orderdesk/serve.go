package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderdesk/internal/cache"
	"orderdesk/internal/config"
	"orderdesk/internal/handlers"
	"orderdesk/internal/httpserver"
	"orderdesk/internal/intake"
	"orderdesk/internal/llm"
	"orderdesk/internal/maintenance"
	"orderdesk/internal/metrics"
	"orderdesk/internal/middleware"
	"orderdesk/internal/token"
	"orderdesk/pkg/logging/logging"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	return cmd
}

func run(ctx context.Context, cfg *config.Config) error {
	// ----- Logger -----
	logger := logging.NewLogger(logging.Options{
		Development: cfg.IsDevelopment(),
		Level:       cfg.LogLevel,
	})
	logging.SetDefault(logger)
	defer func() { _ = logger.Sync() }()

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("version", version),
		zap.String("mode", string(cfg.Mode)),
		zap.Int("port", cfg.Port),
		zap.String("cache_backend", cfg.FileCache.Backend),
		zap.Int64("cache_max_item_bytes", cfg.FileCache.MaxItemBytes),
		zap.Int64("cache_max_total_bytes", cfg.FileCache.MaxTotalBytes),
		zap.Duration("cache_ttl", cfg.FileCache.TTL),
		zap.String("token_mode", cfg.Token.Mode),
		zap.String("gemini_model", cfg.Gemini.Model),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.FileCache.Backend == cache.BackendRedis {
		rc, err := cache.OpenRedis(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		redisClient = rc
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error("redis close error", zap.Error(err))
			}
		}()
		logger.Info("redis connection established")
	}

	// ----- File cache -----
	limits := cache.Limits{
		MaxItemBytes:  cfg.FileCache.MaxItemBytes,
		MaxTotalBytes: cfg.FileCache.MaxTotalBytes,
		TTL:           cfg.FileCache.TTL,
	}
	store, err := cache.New(cache.Config{
		Backend: cfg.FileCache.Backend,
		Limits:  limits,
		Prefix:  cfg.Redis.Prefix,
	}, redisClient, logger)
	if err != nil {
		return err
	}

	// ----- Token codec -----
	// The secret is resolved on first use, not here.
	keys := token.NewKeyProvider(cfg.Mode, cfg.Secret, logger)
	codec, err := token.New(token.Options{Mode: cfg.Token.Mode, TTL: cfg.Token.TTL}, keys)
	if err != nil {
		return err
	}

	// ----- Vision client -----
	vision, err := llm.NewClient(ctx, llm.Config{
		APIKey:           cfg.Gemini.APIKey,
		Model:            cfg.Gemini.Model,
		BaseURL:          cfg.Gemini.BaseURL,
		InlineLimitBytes: cfg.Gemini.InlineLimitBytes,
		MaxAttempts:      cfg.Gemini.MaxRetries,
		BaseBackoff:      cfg.Gemini.BaseBackoff,
	}, logger)
	if err != nil {
		return err
	}

	svc := intake.New(store, codec, vision, intake.Options{
		Limits:    limits,
		SingleUse: cfg.FileCache.SingleUse,
	})

	// ----- Maintenance -----
	sched := maintenance.New(store, cfg.FileCache.SweepInterval, logger)
	sched.Start()
	defer sched.Stop()

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, handlers.NewIntakeHandler(svc), httpserver.Options{
		RequestTimeout: cfg.RequestTimeout,
		MaxBodyBytes:   middleware.BodyLimitFor(limits.MaxItemBytes),
		Maintenance:    sched,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		// Uploads up to the item cap must fit in the read window.
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting orderdesk", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	// ----- Graceful shutdown -----
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Deferred: scheduler stops first, then the redis client closes.
	logger.Info("server shutdown complete")
	return nil
}
