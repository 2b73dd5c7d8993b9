package jobqueue

import (
	"context"
	"fmt"

	"github.com/tapquest/pointscore/pkg/ledger"
)

// Status defines the job lifecycle. A claimed job is implicitly
// "processing" for the duration of the worker's transaction; terminal
// states are never reprocessed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ParseStatus maps a stored status value onto a known status.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusCompleted, StatusFailed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
	}
}

// String returns the stored status value.
func (status Status) String() string {
	return string(status)
}

// Job is one durable unit of deferred work.
type Job struct {
	ID             int64
	Type           string
	Payload        []byte
	Status         Status
	RunAtUnixUTC   int64
	Attempts       int
	LastError      string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// HandlerFunc processes one claimed job inside the worker's transaction.
// Delivery is at-least-once, so handlers must be idempotent; tx.Ledger()
// exposes the same-transaction ledger store for balance effects.
type HandlerFunc func(ctx context.Context, tx Store, job Job) error

// Store is the persistence contract of the queue. gormstore implements it
// on the same database as the ledger store.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
	InsertJob(ctx context.Context, jobType string, payload []byte, runAtUnixUTC int64) (int64, error)
	// ClaimDueJob locks the single oldest pending job with run_at <= now,
	// skipping rows already locked by other workers. The lock is held
	// until the enclosing transaction ends.
	ClaimDueJob(ctx context.Context, nowUnixUTC int64) (Job, bool, error)
	IncrementJobAttempts(ctx context.Context, jobID int64) (int, error)
	// FinishJob records the attempt outcome: completed, failed, or pending
	// for retry (runAtUnixUTC sets the earliest next dequeue).
	FinishJob(ctx context.Context, jobID int64, status Status, lastError string, runAtUnixUTC int64) error
	// Ledger returns the ledger store sharing this transaction scope.
	Ledger() ledger.Store
}
