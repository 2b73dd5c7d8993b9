package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

type memKeyID struct {
	endpoint  string
	requestID string
	context   string
}

type memKey struct {
	descriptor Descriptor
	status     KeyStatus
	response   []byte
	updatedAt  int64
}

type memState struct {
	accounts    map[AccountID]Account
	entries     []Entry
	nextEntryID int64
	keys        map[memKeyID]memKey
}

func newMemState() *memState {
	return &memState{
		accounts:    map[AccountID]Account{},
		nextEntryID: 1,
		keys:        map[memKeyID]memKey{},
	}
}

func (state *memState) clone() *memState {
	copied := &memState{
		accounts:    make(map[AccountID]Account, len(state.accounts)),
		entries:     append([]Entry(nil), state.entries...),
		nextEntryID: state.nextEntryID,
		keys:        make(map[memKeyID]memKey, len(state.keys)),
	}
	for id, account := range state.accounts {
		copied.accounts[id] = account
	}
	for id, key := range state.keys {
		copied.keys[id] = key
	}
	return copied
}

// memTx operates on shared state without locking; memStore serializes.
type memTx struct {
	state *memState
}

func (tx *memTx) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	snapshot := tx.state.clone()
	if err := fn(ctx, tx); err != nil {
		*tx.state = *snapshot
		return err
	}
	return nil
}

func (tx *memTx) EnsureAccount(_ context.Context, accountID AccountID) (Account, error) {
	if account, ok := tx.state.accounts[accountID]; ok {
		return account, nil
	}
	account := Account{ID: accountID}
	tx.state.accounts[accountID] = account
	return account, nil
}

func (tx *memTx) GetAccount(_ context.Context, accountID AccountID) (Account, error) {
	account, ok := tx.state.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (tx *memTx) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	return tx.GetAccount(ctx, accountID)
}

func (tx *memTx) InsertEntry(_ context.Context, input EntryInput) (int64, error) {
	entry := Entry{
		ID:             tx.state.nextEntryID,
		AccountID:      input.AccountID,
		Delta:          input.Delta,
		Reason:         input.Reason,
		Ref:            input.Ref,
		EventType:      input.EventType,
		CreatedUnixUTC: input.CreatedUnixUTC,
	}
	tx.state.nextEntryID++
	tx.state.entries = append(tx.state.entries, entry)
	return entry.ID, nil
}

func (tx *memTx) AddToBalance(_ context.Context, accountID AccountID, delta Delta) (Account, error) {
	account, ok := tx.state.accounts[accountID]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	account.Balance += delta.Int64()
	tx.state.accounts[accountID] = account
	return account, nil
}

func (tx *memTx) SumEntries(_ context.Context, accountID AccountID) (int64, error) {
	var sum int64
	for _, entry := range tx.state.entries {
		if entry.AccountID == accountID {
			sum += entry.Delta.Int64()
		}
	}
	return sum, nil
}

func (tx *memTx) SetBalance(_ context.Context, accountID AccountID, balance int64) error {
	account, ok := tx.state.accounts[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	account.Balance = balance
	tx.state.accounts[accountID] = account
	return nil
}

func (tx *memTx) ListEntries(_ context.Context, accountID AccountID, beforeID int64, limit int) ([]Entry, error) {
	var matched []Entry
	for _, entry := range tx.state.entries {
		if entry.AccountID != accountID {
			continue
		}
		if beforeID != 0 && entry.ID >= beforeID {
			continue
		}
		matched = append(matched, entry)
	}
	sort.Slice(matched, func(left, right int) bool { return matched[left].ID > matched[right].ID })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (tx *memTx) ListAccountIDs(_ context.Context, afterID AccountID, limit int) ([]AccountID, error) {
	var ids []AccountID
	for id := range tx.state.accounts {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(left, right int) bool { return ids[left] < ids[right] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (tx *memTx) EnsureIdempotencyKey(_ context.Context, descriptor Descriptor) (KeyRecord, error) {
	id := memKeyID{endpoint: descriptor.Endpoint(), requestID: descriptor.RequestID(), context: descriptor.Context()}
	if key, ok := tx.state.keys[id]; ok {
		return KeyRecord{Descriptor: key.descriptor, Status: key.status, Response: key.response, UpdatedUnixUTC: key.updatedAt}, nil
	}
	tx.state.keys[id] = memKey{descriptor: descriptor, status: KeyStatusPending}
	return KeyRecord{Descriptor: descriptor, Status: KeyStatusPending}, nil
}

func (tx *memTx) CompleteIdempotencyKey(_ context.Context, descriptor Descriptor, status KeyStatus, response []byte) error {
	id := memKeyID{endpoint: descriptor.Endpoint(), requestID: descriptor.RequestID(), context: descriptor.Context()}
	key, ok := tx.state.keys[id]
	if !ok {
		return ErrInvalidDescriptor
	}
	if key.status != KeyStatusPending {
		return ErrKeyFinalized
	}
	key.status = status
	key.response = append([]byte(nil), response...)
	tx.state.keys[id] = key
	return nil
}

// memStore is the lock-holding entry point handed to services under test.
type memStore struct {
	mu sync.Mutex
	tx memTx
}

func newMemStore() *memStore {
	return &memStore{tx: memTx{state: newMemState()}}
}

func (store *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.WithTx(ctx, fn)
}

func (store *memStore) EnsureAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.EnsureAccount(ctx, accountID)
}

func (store *memStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.GetAccount(ctx, accountID)
}

func (store *memStore) GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.GetAccountForUpdate(ctx, accountID)
}

func (store *memStore) InsertEntry(ctx context.Context, input EntryInput) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.InsertEntry(ctx, input)
}

func (store *memStore) AddToBalance(ctx context.Context, accountID AccountID, delta Delta) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.AddToBalance(ctx, accountID, delta)
}

func (store *memStore) SumEntries(ctx context.Context, accountID AccountID) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.SumEntries(ctx, accountID)
}

func (store *memStore) SetBalance(ctx context.Context, accountID AccountID, balance int64) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.SetBalance(ctx, accountID, balance)
}

func (store *memStore) ListEntries(ctx context.Context, accountID AccountID, beforeID int64, limit int) ([]Entry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.ListEntries(ctx, accountID, beforeID, limit)
}

func (store *memStore) ListAccountIDs(ctx context.Context, afterID AccountID, limit int) ([]AccountID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.ListAccountIDs(ctx, afterID, limit)
}

func (store *memStore) EnsureIdempotencyKey(ctx context.Context, descriptor Descriptor) (KeyRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.EnsureIdempotencyKey(ctx, descriptor)
}

func (store *memStore) CompleteIdempotencyKey(ctx context.Context, descriptor Descriptor, status KeyStatus, response []byte) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return store.tx.CompleteIdempotencyKey(ctx, descriptor, status, response)
}

func (store *memStore) entryCount(accountID AccountID) int {
	store.mu.Lock()
	defer store.mu.Unlock()
	count := 0
	for _, entry := range store.tx.state.entries {
		if entry.AccountID == accountID {
			count++
		}
	}
	return count
}

func (store *memStore) keyCount() int {
	store.mu.Lock()
	defer store.mu.Unlock()
	return len(store.tx.state.keys)
}

// failingStore rejects every call with a fixed error.
type failingStore struct {
	err error
}

func (store *failingStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, store)
}

func (store *failingStore) EnsureAccount(context.Context, AccountID) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) GetAccount(context.Context, AccountID) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) GetAccountForUpdate(context.Context, AccountID) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) InsertEntry(context.Context, EntryInput) (int64, error) {
	return 0, store.err
}

func (store *failingStore) AddToBalance(context.Context, AccountID, Delta) (Account, error) {
	return Account{}, store.err
}

func (store *failingStore) SumEntries(context.Context, AccountID) (int64, error) {
	return 0, store.err
}

func (store *failingStore) SetBalance(context.Context, AccountID, int64) error {
	return store.err
}

func (store *failingStore) ListEntries(context.Context, AccountID, int64, int) ([]Entry, error) {
	return nil, store.err
}

func (store *failingStore) ListAccountIDs(context.Context, AccountID, int) ([]AccountID, error) {
	return nil, store.err
}

func (store *failingStore) EnsureIdempotencyKey(context.Context, Descriptor) (KeyRecord, error) {
	return KeyRecord{}, store.err
}

func (store *failingStore) CompleteIdempotencyKey(context.Context, Descriptor, KeyStatus, []byte) error {
	return store.err
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 }, options...)
	if err != nil {
		test.Fatalf("service init: %v", err)
	}
	return service
}

func mustMutation(test *testing.T, accountID int64, delta int64, reason string, ref Reference) Mutation {
	test.Helper()
	mutation, err := NewMutation(accountID, delta, reason, ref, "")
	if err != nil {
		test.Fatalf("mutation: %v", err)
	}
	return mutation
}

func mustReference(test *testing.T, kind RefKind, id int64) Reference {
	test.Helper()
	reference, err := NewReference(kind, id)
	if err != nil {
		test.Fatalf("reference: %v", err)
	}
	return reference
}

func mustDescriptor(test *testing.T, endpoint string, requestID string, context string) Descriptor {
	test.Helper()
	descriptor, err := NewDescriptor(endpoint, requestID, context)
	if err != nil {
		test.Fatalf("descriptor: %v", err)
	}
	return descriptor
}

func mustEnsureAccount(test *testing.T, store Store, accountID int64) AccountID {
	test.Helper()
	id, err := NewAccountID(accountID)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if _, err := store.EnsureAccount(context.Background(), id); err != nil {
		test.Fatalf("ensure account: %v", err)
	}
	return id
}
