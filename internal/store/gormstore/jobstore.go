package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tapquest/pointscore/pkg/jobqueue"
	"github.com/tapquest/pointscore/pkg/ledger"
)

// JobStore implements jobqueue.Store on the same database handle as Store,
// so a worker transaction can span job bookkeeping and ledger effects.
type JobStore struct {
	db *gorm.DB
}

// NewJobStore returns a JobStore backed by gorm.DB.
func NewJobStore(db *gorm.DB) *JobStore {
	return &JobStore{db: db}
}

// WithTx executes fn within a transaction (a savepoint when nested).
func (store *JobStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx jobqueue.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &JobStore{db: transaction})
	})
}

// Ledger exposes the ledger store sharing this transaction scope.
func (store *JobStore) Ledger() ledger.Store {
	return &Store{db: store.db}
}

// InsertJob creates one pending job row.
func (store *JobStore) InsertJob(ctx context.Context, jobType string, payload []byte, runAtUnixUTC int64) (int64, error) {
	row := Job{
		Type:    jobType,
		Payload: datatypesJSON(payload),
		Status:  jobqueue.StatusPending.String(),
		RunAt:   time.Unix(runAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeInsert, err)
	}
	return row.ID, nil
}

// ClaimDueJob locks the single oldest due pending job, skipping rows
// already locked by other workers, so each job attempt lands on exactly
// one worker. The lock lives until the enclosing transaction ends.
func (store *JobStore) ClaimDueJob(ctx context.Context, nowUnixUTC int64) (jobqueue.Job, bool, error) {
	var row Job
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND run_at <= ?", jobqueue.StatusPending.String(), time.Unix(nowUnixUTC, 0).UTC()).
		Order("run_at ASC, id ASC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobqueue.Job{}, false, nil
		}
		return jobqueue.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeClaim, err)
	}
	job, err := mapJob(row)
	if err != nil {
		return jobqueue.Job{}, false, wrapStoreError(errorSubjectJob, errorCodeInvalid, err)
	}
	return job, true, nil
}

// IncrementJobAttempts bumps the attempt counter and returns the new value.
func (store *JobStore) IncrementJobAttempts(ctx context.Context, jobID int64) (int, error) {
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		UpdateColumn("attempts", gorm.Expr("attempts + 1"))
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeAttempts, result.Error)
	}
	var row Job
	if err := store.db.WithContext(ctx).Where("id = ?", jobID).Take(&row).Error; err != nil {
		return 0, wrapStoreError(errorSubjectJob, errorCodeGet, err)
	}
	return row.Attempts, nil
}

// FinishJob records the outcome of one attempt.
func (store *JobStore) FinishJob(ctx context.Context, jobID int64, status jobqueue.Status, lastError string, runAtUnixUTC int64) error {
	updates := map[string]any{
		"status":     status.String(),
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	}
	if status == jobqueue.StatusPending {
		updates["run_at"] = time.Unix(runAtUnixUTC, 0).UTC()
	}
	result := store.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectJob, errorCodeFinish, result.Error)
	}
	return nil
}

func mapJob(row Job) (jobqueue.Job, error) {
	status, err := jobqueue.ParseStatus(row.Status)
	if err != nil {
		return jobqueue.Job{}, err
	}
	return jobqueue.Job{
		ID:             row.ID,
		Type:           row.Type,
		Payload:        []byte(row.Payload),
		Status:         status,
		RunAtUnixUTC:   row.RunAt.Unix(),
		Attempts:       row.Attempts,
		LastError:      row.LastError,
		CreatedUnixUTC: row.CreatedAt.Unix(),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}
