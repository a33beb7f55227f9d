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

	"github.com/spf13/cobra"

	"github.com/imalyk/go-ofx-processor/pkg/api"
	"github.com/imalyk/go-ofx-processor/pkg/callback"
	"github.com/imalyk/go-ofx-processor/pkg/cleanup"
	"github.com/imalyk/go-ofx-processor/pkg/config"
	"github.com/imalyk/go-ofx-processor/pkg/job"
	"github.com/imalyk/go-ofx-processor/pkg/queue"
	"github.com/imalyk/go-ofx-processor/pkg/ratelimit"
	"github.com/imalyk/go-ofx-processor/pkg/session"
	"github.com/imalyk/go-ofx-processor/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.LoadAPI()
	var logLevel string

	cmd := &cobra.Command{
		Use:           "ofx-api",
		Short:         "Accept PDF statements and serve converted OFX files",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = config.ParseLogLevel(logLevel)
			}
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := serve(ctx, cfg, logger); err != nil {
				logger.Error("api stopped with error", "error", err)
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	return cmd
}

func serve(ctx context.Context, cfg config.API, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	redisOpts, err := cfg.RedisOptions()
	if err != nil {
		return err
	}
	q := queue.NewRedis(redisOpts, queue.RedisConfig{Name: cfg.QueueName, Consumer: "api"}, logger)
	defer q.Close()

	stager, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}
	if m, ok := stager.(*storage.Minio); ok {
		if err := m.EnsureBucket(ctx); err != nil {
			logger.Warn("staging bucket not ready", "error", err)
		}
	}

	if cfg.WorkerSecret == "" {
		logger.Warn("WORKER_SECRET is empty, every status report will be rejected")
	}

	store := job.NewStore()
	limiter := ratelimit.NewFixedWindow(cfg.RateWindow, cfg.RateLimit)
	srv := api.New(api.Config{
		TempDir:        cfg.TempDir,
		MaxUploadBytes: cfg.MaxUploadBytes,
		EnqueueTimeout: cfg.EnqueueTimeout,
		TrustForwarded: cfg.TrustForwarded,
	}, api.Deps{
		Store:     store,
		Queue:     q,
		Sessions:  session.NewManager(cfg.CookieSecure),
		Limiter:   limiter,
		Global:    ratelimit.NewGlobal(cfg.GlobalRPS, cfg.GlobalBurst),
		Callbacks: callback.NewAuthenticator(cfg.WorkerSecret, store, logger),
		Staging:   stager,
	}, logger)

	go cleanup.NewSweeper(cfg.TempDir, cfg.CleanupMaxAge, cfg.CleanupInterval, stager, logger).Run(ctx)
	go limiter.RunPruner(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting api", "addr", cfg.ListenAddr, "queue", cfg.QueueName, "staging", stager.Enabled())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
