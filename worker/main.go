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

	"github.com/imalyk/go-ofx-processor/pkg/callback"
	"github.com/imalyk/go-ofx-processor/pkg/config"
	"github.com/imalyk/go-ofx-processor/pkg/convert"
	"github.com/imalyk/go-ofx-processor/pkg/queue"
	"github.com/imalyk/go-ofx-processor/pkg/storage"
	"github.com/imalyk/go-ofx-processor/pkg/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.LoadWorker()
	var logLevel string

	root := &cobra.Command{
		Use:           "ofx-worker",
		Short:         "Consume conversion jobs and run the PDF to OFX converter",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = config.ParseLogLevel(logLevel)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, slog.Default())
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	root.Flags().IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "number of jobs converted in parallel")
	root.AddCommand(dlqCmd(&cfg))
	return root
}

func newQueue(cfg config.Worker, logger *slog.Logger) (*queue.Redis, error) {
	opts, err := cfg.RedisOptions()
	if err != nil {
		return nil, err
	}
	return queue.NewRedis(opts, queue.RedisConfig{
		Name:      cfg.QueueName,
		Consumer:  cfg.WorkerID,
		Policy:    cfg.RetryPolicy(),
		Retention: cfg.Retention,
	}, logger), nil
}

func run(ctx context.Context, cfg config.Worker, logger *slog.Logger) error {
	q, err := newQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer q.Close()

	stager, err := storage.New(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("object storage: %w", err)
	}

	if cfg.WorkerSecret == "" {
		logger.Warn("WORKER_SECRET is empty, the api will reject status reports")
	}

	conv := convert.New(cfg.ConverterPath,
		convert.WithInterpreter(cfg.Interpreter...),
		convert.WithTimeout(cfg.ConverterTimeout),
	)
	reporter := callback.NewReporter(cfg.APIURL, cfg.WorkerSecret, &http.Client{Timeout: 10 * time.Second}, logger)

	w := worker.New(q, conv, reporter, stager, worker.Config{
		Concurrency: cfg.Concurrency,
		PollTimeout: cfg.PollTimeout,
	}, logger)

	logger.Info("starting worker",
		"worker_id", cfg.WorkerID,
		"queue", cfg.QueueName,
		"concurrency", cfg.Concurrency,
		"converter", cfg.ConverterPath,
		"api", cfg.APIURL,
	)
	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped with error", "error", err)
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func dlqCmd(cfg *config.Worker) *cobra.Command {
	dlq := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered deliveries",
	}

	var limit int64
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered deliveries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := newQueue(*cfg, slog.Default())
			if err != nil {
				return err
			}
			defer q.Close()

			msgs, err := q.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list dead letters: %w", err)
			}
			if len(msgs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead letter queue is empty")
				return nil
			}
			for _, m := range msgs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tattempts=%d\t%s\n", m.JobID, m.Attempt, m.InputPath)
			}
			return nil
		},
	}
	list.Flags().Int64Var(&limit, "limit", 50, "maximum entries to print, 0 for all")

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead-lettered delivery back to the wait list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := newQueue(*cfg, slog.Default())
			if err != nil {
				return err
			}
			defer q.Close()

			ok, err := q.RetryDead(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("retry dead letter: %w", err)
			}
			if !ok {
				return fmt.Errorf("no dead letter for job %s", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued\n", args[0])
			return nil
		},
	}

	dlq.AddCommand(list, retry)
	return dlq
}
