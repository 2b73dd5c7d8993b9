package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// EnqueueOption adjusts a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	runAtUnixUTC int64
}

// WithRunAt delays the earliest dequeue of the job.
func WithRunAt(runAt time.Time) EnqueueOption {
	return func(options *enqueueOptions) {
		options.runAtUnixUTC = runAt.UTC().Unix()
	}
}

// Queue creates jobs. Enqueue is best-effort by design: a failed insert is
// logged and reported as job id 0 so the triggering request path is never
// blocked by a secondary concern. Jobs that are the only path to an
// externally-visible effect must use EnqueueCritical or EnqueueTx instead.
type Queue struct {
	store  Store
	logger *zap.Logger
	nowFn  func() int64
}

// NewQueue wires a Queue.
func NewQueue(store Store, logger *zap.Logger, now func() int64) (*Queue, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidQueueConfig)
	}
	if logger == nil {
		return nil, fmt.Errorf("%w: logger dependency is nil", ErrInvalidQueueConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidQueueConfig)
	}
	return &Queue{store: store, logger: logger, nowFn: now}, nil
}

// Enqueue inserts a pending job and returns its id, or 0 when the insert
// failed. It never returns an error.
func (queue *Queue) Enqueue(ctx context.Context, jobType string, payload any, options ...EnqueueOption) int64 {
	jobID, err := queue.EnqueueCritical(ctx, jobType, payload, options...)
	if err != nil {
		queue.logger.Error("job enqueue failed",
			zap.String("job_type", jobType),
			zap.Error(err))
		enqueueFailures.WithLabelValues(jobType).Inc()
		return 0
	}
	return jobID
}

// EnqueueCritical inserts a pending job and propagates the insert error,
// for jobs whose loss the business cannot absorb (payouts).
func (queue *Queue) EnqueueCritical(ctx context.Context, jobType string, payload any, options ...EnqueueOption) (int64, error) {
	return queue.enqueue(ctx, queue.store, jobType, payload, options...)
}

// EnqueueTx inserts the job inside the caller's transaction so it becomes
// durable if and only if the triggering write commits.
func (queue *Queue) EnqueueTx(ctx context.Context, tx Store, jobType string, payload any, options ...EnqueueOption) (int64, error) {
	return queue.enqueue(ctx, tx, jobType, payload, options...)
}

func (queue *Queue) enqueue(ctx context.Context, store Store, jobType string, payload any, options ...EnqueueOption) (int64, error) {
	trimmedType := strings.TrimSpace(jobType)
	if trimmedType == "" {
		return 0, fmt.Errorf("%w: empty value", ErrInvalidJobType)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode payload: %w", err)
	}
	applied := enqueueOptions{runAtUnixUTC: queue.nowFn()}
	for _, option := range options {
		if option != nil {
			option(&applied)
		}
	}
	return store.InsertJob(ctx, trimmedType, encoded, applied.runAtUnixUTC)
}
