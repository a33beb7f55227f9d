// Package worker consumes conversion deliveries: it reports progress to the
// API, runs the converter once per delivery and settles the delivery with the
// queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/imalyk/go-ofx-processor/pkg/callback"
	"github.com/imalyk/go-ofx-processor/pkg/convert"
	"github.com/imalyk/go-ofx-processor/pkg/queue"
	"github.com/imalyk/go-ofx-processor/pkg/storage"
)

const (
	DefaultConcurrency = 2
	DefaultPollTimeout = 5 * time.Second

	settleTimeout = 10 * time.Second
)

// Converter turns an input file into an artifact.
type Converter interface {
	Run(ctx context.Context, inputPath string) convert.Outcome
}

// Reporter delivers status reports to the API.
type Reporter interface {
	Processing(ctx context.Context, jobID string) callback.Result
	Completed(ctx context.Context, jobID, outputPath string) callback.Result
	Failed(ctx context.Context, jobID, message string) callback.Result
}

type Config struct {
	Concurrency  int
	PollTimeout  time.Duration
	ErrorBackoff time.Duration // pause after a queue transport error
}

type Worker struct {
	queue     queue.Consumer
	converter Converter
	reporter  Reporter
	staging   storage.Stager
	cfg       Config
	logger    *slog.Logger
}

func New(q queue.Consumer, conv Converter, rep Reporter, staging storage.Stager, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if staging == nil {
		staging = storage.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:     q,
		converter: conv,
		reporter:  rep,
		staging:   staging,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
	}
}

// Run returns deliveries abandoned by a previous run to the queue, then
// consumes with cfg.Concurrency loops until ctx is cancelled. In-flight jobs
// are allowed to finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	n, err := w.queue.Recover(ctx)
	if err != nil {
		w.logger.Warn("failed to recover in-flight deliveries", "error", err)
	} else if n > 0 {
		w.logger.Info("recovered in-flight deliveries", "count", n)
	}

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	logger := w.logger.With("slot", slot)
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := w.queue.Dequeue(ctx, w.cfg.PollTimeout)
		if err != nil {
			switch {
			case errors.Is(err, queue.ErrEmpty):
			case ctx.Err() != nil:
				return
			case errors.Is(err, queue.ErrUnavailable):
				logger.Error("queue unavailable", "error", err)
				sleep(ctx, w.cfg.ErrorBackoff)
			default:
				logger.Error("failed to dequeue", "error", err)
			}
			continue
		}

		logger.Info("received job", "job_id", d.Message.JobID, "attempt", d.Attempt)
		w.Process(ctx, d)
	}
}

// Process handles one delivery. A delivery interrupted by ctx is left
// unsettled so that Recover hands it to the next run.
func (w *Worker) Process(ctx context.Context, d *queue.Delivery) {
	msg := d.Message
	logger := w.logger.With("job_id", msg.JobID, "attempt", d.Attempt)

	if err := w.ensureInput(ctx, msg.InputPath); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.fail(ctx, d, logger, fmt.Sprintf("input file unavailable: %v", err))
		return
	}

	w.reporter.Processing(ctx, msg.JobID)

	outcome := w.converter.Run(ctx, msg.InputPath)
	if ctx.Err() != nil {
		logger.Warn("conversion interrupted by shutdown")
		return
	}

	if !outcome.Succeeded() {
		logger.Warn("conversion failed", "exit_code", outcome.ExitCode, "timed_out", outcome.TimedOut, "duration", outcome.Duration.String(), "error", outcome.Message)
		w.fail(ctx, d, logger, outcome.Message)
		return
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if w.staging.Enabled() {
		if err := w.staging.Put(settleCtx, outcome.OutputPath); err != nil {
			logger.Warn("failed to stage artifact", "path", outcome.OutputPath, "error", err)
		}
	}
	w.reporter.Completed(settleCtx, msg.JobID, outcome.OutputPath)
	if err := w.queue.Ack(settleCtx, d); err != nil {
		logger.Error("failed to ack delivery", "error", err)
	}
	logger.Info("job completed", "path", outcome.OutputPath, "duration", outcome.Duration.String())
}

// fail reports the failure and hands the delivery back to the queue, which
// may redeliver it for another conversion attempt.
func (w *Worker) fail(ctx context.Context, d *queue.Delivery, logger *slog.Logger, message string) {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	w.reporter.Failed(settleCtx, d.Message.JobID, message)
	retry, err := w.queue.Nack(settleCtx, d, errors.New(message))
	if err != nil {
		logger.Error("failed to nack delivery", "error", err)
		return
	}
	if retry {
		logger.Info("delivery will be retried")
	}
}

func (w *Worker) ensureInput(ctx context.Context, path string) error {
	_, err := os.Stat(path)
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) || !w.staging.Enabled() {
		return err
	}
	if err := w.staging.Fetch(ctx, path); err != nil {
		return fmt.Errorf("fetch staged input: %w", err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
