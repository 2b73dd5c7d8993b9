package jobqueue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts bounds retries of transiently failing jobs.
	DefaultMaxAttempts = 5
	// DefaultPollInterval is the sleep between empty polls.
	DefaultPollInterval = 2 * time.Second
	// DefaultRetryDelay pushes a requeued job's run_at into the future.
	DefaultRetryDelay = 30 * time.Second
)

// WorkerConfig tunes one poll loop.
type WorkerConfig struct {
	PollInterval time.Duration
	RetryDelay   time.Duration
	MaxAttempts  int
}

func (config *WorkerConfig) applyDefaults() {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
}

// Worker is a single cooperative poll loop over the jobs table. Horizontal
// scale comes from running more Run loops (or processes) against the same
// table; the locking dequeue keeps each job attempt on exactly one worker.
type Worker struct {
	store    Store
	registry *Registry
	logger   *zap.Logger
	config   WorkerConfig
	nowFn    func() int64
}

// NewWorker wires a Worker.
func NewWorker(store Store, registry *Registry, logger *zap.Logger, config WorkerConfig, now func() int64) (*Worker, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidWorkerConfig)
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: registry dependency is nil", ErrInvalidWorkerConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger dependency is nil", ErrInvalidWorkerConfig)
	}
	if now == nil {
		now = func() int64 { return time.Now().UTC().Unix() }
	}
	config.applyDefaults()
	return &Worker{store: store, registry: registry, logger: logger, config: config, nowFn: now}, nil
}

// Run polls until ctx is canceled, sleeping PollInterval between empty
// polls. Poll errors are logged and do not stop the loop.
func (worker *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		claimed, err := worker.PollOnce(ctx)
		if err != nil {
			worker.logger.Error("job poll failed", zap.Error(err))
		}
		if claimed && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(worker.config.PollInterval):
		}
	}
}

// PollOnce claims and processes at most one due job. The claim, the
// attempt increment, the handler, and the status update share one
// transaction; the handler itself runs in a nested transaction so its
// partial writes roll back on failure while the attempt still commits.
func (worker *Worker) PollOnce(ctx context.Context) (bool, error) {
	claimed := false
	err := worker.store.WithTx(ctx, func(ctx context.Context, tx Store) error {
		job, ok, err := tx.ClaimDueJob(ctx, worker.nowFn())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		claimed = true
		attempts, err := tx.IncrementJobAttempts(ctx, job.ID)
		if err != nil {
			return err
		}
		job.Attempts = attempts

		handler, known := worker.registry.Lookup(job.Type)
		if !known {
			// Forward compatibility: an older worker must not jam the
			// queue on job types it does not recognize.
			worker.logger.Warn("completing job of unknown type",
				zap.Int64("job_id", job.ID),
				zap.String("job_type", job.Type))
			jobsProcessed.WithLabelValues(job.Type, outcomeUnknown).Inc()
			return tx.FinishJob(ctx, job.ID, StatusCompleted, "unknown job type", 0)
		}

		started := time.Now()
		handlerErr := tx.WithTx(ctx, func(ctx context.Context, nested Store) error {
			return handler(ctx, nested, job)
		})
		jobDuration.WithLabelValues(job.Type).Observe(time.Since(started).Seconds())

		if handlerErr == nil {
			jobsProcessed.WithLabelValues(job.Type, outcomeCompleted).Inc()
			return tx.FinishJob(ctx, job.ID, StatusCompleted, "", 0)
		}
		if IsNonRetryable(handlerErr) || job.Attempts >= worker.config.MaxAttempts {
			worker.logger.Error("job failed permanently",
				zap.Int64("job_id", job.ID),
				zap.String("job_type", job.Type),
				zap.Int("attempts", job.Attempts),
				zap.Error(handlerErr))
			jobsProcessed.WithLabelValues(job.Type, outcomeFailed).Inc()
			return tx.FinishJob(ctx, job.ID, StatusFailed, handlerErr.Error(), 0)
		}
		worker.logger.Warn("job attempt failed, requeueing",
			zap.Int64("job_id", job.ID),
			zap.String("job_type", job.Type),
			zap.Int("attempts", job.Attempts),
			zap.Error(handlerErr))
		jobsProcessed.WithLabelValues(job.Type, outcomeRetried).Inc()
		runAt := worker.nowFn() + int64(worker.config.RetryDelay/time.Second)
		return tx.FinishJob(ctx, job.ID, StatusPending, handlerErr.Error(), runAt)
	})
	return claimed, err
}
