package ledger

import (
	"context"
	"fmt"
)

// Service is the balance mutation engine: the single choke point through
// which every change to an account balance flows.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Apply appends a ledger entry and updates the cached balance in one
// transaction. The engine does not enforce non-negative balances; callers
// needing a sufficient-funds guard check the balance under a row lock in
// the same transaction (GetAccountForUpdate) before applying.
func (service *Service) Apply(ctx context.Context, mutation Mutation) (Result, error) {
	var result Result
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		applied, err := service.ApplyTx(ctx, transactionStore, mutation)
		if err != nil {
			return err
		}
		result = applied
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationApply,
		AccountID: mutation.AccountID,
		Delta:     mutation.Delta.Int64(),
		Reason:    mutation.Reason.String(),
		Ref:       mutation.Ref,
		EntryID:   result.EntryID,
		Error:     operationError,
	})
	if operationError != nil {
		return Result{}, operationError
	}
	return result, nil
}

// ApplyTx is the transactional variant of Apply for composite operations:
// it runs inside the caller-supplied transaction store so the mutation
// commits or rolls back with the caller's other writes.
func (service *Service) ApplyTx(ctx context.Context, transactionStore Store, mutation Mutation) (Result, error) {
	entryInput := EntryInput{
		AccountID:      mutation.AccountID,
		Delta:          mutation.Delta,
		Reason:         mutation.Reason,
		Ref:            mutation.Ref,
		EventType:      mutation.EventType,
		CreatedUnixUTC: service.nowFn(),
	}
	entryID, err := transactionStore.InsertEntry(ctx, entryInput)
	if err != nil {
		return Result{}, err
	}
	account, err := transactionStore.AddToBalance(ctx, mutation.AccountID, mutation.Delta)
	if err != nil {
		return Result{}, err
	}
	return Result{Account: account, EntryID: entryID}, nil
}

// EnsureAccount creates the account row on first contact and returns it.
func (service *Service) EnsureAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.EnsureAccount(ctx, accountID)
}

// GetAccount reads the cached balance.
func (service *Service) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	return service.store.GetAccount(ctx, accountID)
}

// ListEntries pages through an account's ledger, newest first, starting
// below beforeID (0 means from the top).
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeID int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, accountID, beforeID, limit)
}

// Reconcile recomputes the entry sum for one account under a row lock and
// corrects the cached balance when it drifted. Returns the drift that was
// corrected (balance minus sum, zero when consistent).
func (service *Service) Reconcile(ctx context.Context, accountID AccountID) (int64, error) {
	var drift int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		corrected, err := ReconcileTx(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		drift = corrected
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		AccountID: accountID,
		Delta:     drift,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return drift, nil
}

// ReconcileTx is the transactional variant of Reconcile, usable from job
// handlers that already hold a transaction.
func ReconcileTx(ctx context.Context, transactionStore Store, accountID AccountID) (int64, error) {
	account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return 0, err
	}
	sum, err := transactionStore.SumEntries(ctx, accountID)
	if err != nil {
		return 0, err
	}
	drift := account.Balance - sum
	if drift == 0 {
		return 0, nil
	}
	if err := transactionStore.SetBalance(ctx, accountID, sum); err != nil {
		return 0, err
	}
	return drift, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
