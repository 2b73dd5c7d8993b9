package jobqueue

import (
	"context"
	"sync"

	"github.com/tapquest/pointscore/pkg/ledger"
)

type memJobState struct {
	jobs   map[int64]Job
	nextID int64
}

func newMemJobState() *memJobState {
	return &memJobState{jobs: map[int64]Job{}, nextID: 1}
}

func (state *memJobState) clone() *memJobState {
	copied := &memJobState{jobs: make(map[int64]Job, len(state.jobs)), nextID: state.nextID}
	for id, job := range state.jobs {
		copied.jobs[id] = job
	}
	return copied
}

type memJobTx struct {
	state     *memJobState
	insertErr error
}

func (tx *memJobTx) WithTx(ctx context.Context, fn func(ctx context.Context, inner Store) error) error {
	snapshot := tx.state.clone()
	if err := fn(ctx, tx); err != nil {
		*tx.state = *snapshot
		return err
	}
	return nil
}

func (tx *memJobTx) InsertJob(_ context.Context, jobType string, payload []byte, runAtUnixUTC int64) (int64, error) {
	if tx.insertErr != nil {
		return 0, tx.insertErr
	}
	job := Job{
		ID:           tx.state.nextID,
		Type:         jobType,
		Payload:      append([]byte(nil), payload...),
		Status:       StatusPending,
		RunAtUnixUTC: runAtUnixUTC,
	}
	tx.state.nextID++
	tx.state.jobs[job.ID] = job
	return job.ID, nil
}

func (tx *memJobTx) ClaimDueJob(_ context.Context, nowUnixUTC int64) (Job, bool, error) {
	var (
		best  Job
		found bool
	)
	for _, job := range tx.state.jobs {
		if job.Status != StatusPending || job.RunAtUnixUTC > nowUnixUTC {
			continue
		}
		if !found || job.RunAtUnixUTC < best.RunAtUnixUTC || (job.RunAtUnixUTC == best.RunAtUnixUTC && job.ID < best.ID) {
			best = job
			found = true
		}
	}
	return best, found, nil
}

func (tx *memJobTx) IncrementJobAttempts(_ context.Context, jobID int64) (int, error) {
	job := tx.state.jobs[jobID]
	job.Attempts++
	tx.state.jobs[jobID] = job
	return job.Attempts, nil
}

func (tx *memJobTx) FinishJob(_ context.Context, jobID int64, status Status, lastError string, runAtUnixUTC int64) error {
	job := tx.state.jobs[jobID]
	job.Status = status
	job.LastError = lastError
	if status == StatusPending {
		job.RunAtUnixUTC = runAtUnixUTC
	}
	tx.state.jobs[jobID] = job
	return nil
}

func (tx *memJobTx) Ledger() ledger.Store {
	return nil
}

// memJobStore serializes transactions the way row locks do in the real store.
type memJobStore struct {
	mu sync.Mutex
	tx memJobTx
}

func newMemJobStore() *memJobStore {
	return &memJobStore{tx: memJobTx{state: newMemJobState()}}
}

func (store *memJobStore) WithTx(ctx context.Context, fn func(ctx context.Context, inner Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.WithTx(ctx, fn)
}

func (store *memJobStore) InsertJob(ctx context.Context, jobType string, payload []byte, runAtUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.InsertJob(ctx, jobType, payload, runAtUnixUTC)
}

func (store *memJobStore) ClaimDueJob(ctx context.Context, nowUnixUTC int64) (Job, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.ClaimDueJob(ctx, nowUnixUTC)
}

func (store *memJobStore) IncrementJobAttempts(ctx context.Context, jobID int64) (int, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.IncrementJobAttempts(ctx, jobID)
}

func (store *memJobStore) FinishJob(ctx context.Context, jobID int64, status Status, lastError string, runAtUnixUTC int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.FinishJob(ctx, jobID, status, lastError, runAtUnixUTC)
}

func (store *memJobStore) Ledger() ledger.Store {
	return nil
}

func (store *memJobStore) job(jobID int64) (Job, bool) {
	store.mu.Lock()
	defer store.mu.Unlock()
	job, ok := store.tx.state.jobs[jobID]
	return job, ok
}

func (store *memJobStore) setInsertErr(err error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.tx.insertErr = err
}
