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

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"document-intake/internal/api"
	"document-intake/internal/archive"
	"document-intake/internal/config"
	"document-intake/internal/enrich"
	"document-intake/internal/extract"
	"document-intake/internal/pipeline"
	"document-intake/internal/queue"
	"document-intake/internal/ratelimit"
	"document-intake/internal/store"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("intake stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("intake stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	journal, err := store.Open(ctx, cfg)
	if err != nil {
		// The journal is observability only; run without it.
		logger.Warn("journal unavailable, continuing without it", "driver", cfg.JournalDriver, "error", err)
		journal = store.Noop{}
	}
	defer journal.Close()

	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = queue.NewRedisClient(cfg)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
	}

	results, err := archive.FromConfig(ctx, cfg, logger.With("component", "archive"))
	if err != nil {
		return err
	}

	deps := pipeline.Deps{
		Extractor: extract.NewCLI(cfg, logger.With("component", "extract")),
		Journal:   journal,
		Trigger:   enrich.FromConfig(cfg, client),
		Results:   results,
		Redis:     client,
	}
	if cfg.RateLimitCapacity > 0 && client != nil {
		deps.Limiter = ratelimit.NewTokenBucket(client, ratelimit.DefaultKey, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	o, err := pipeline.New(cfg, deps, logger)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(o, logger.With("component", "api")).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return o.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("ops api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
