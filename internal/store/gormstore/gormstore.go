package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tapquest/pointscore/pkg/ledger"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19

	errorOperationStore  = "store"
	errorSubjectAccount  = "account"
	errorSubjectEntry    = "entry"
	errorSubjectKey      = "idempotency_key"
	errorSubjectJob      = "job"
	errorSubjectSettings = "settings"
	errorCodeEnsure      = "ensure"
	errorCodeGet         = "get"
	errorCodeInsert      = "insert"
	errorCodeUpdate      = "update"
	errorCodeSum         = "sum"
	errorCodeList        = "list"
	errorCodeInvalid     = "invalid"
	errorCodeComplete    = "complete"
	errorCodeLoad        = "load"
	errorCodeClaim       = "claim"
	errorCodeFinish      = "finish"
	errorCodeAttempts    = "attempts"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction (a savepoint when nested).
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// EnsureAccount creates the account row on first contact.
func (store *Store) EnsureAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		FirstOrCreate(&account, Account{ID: accountID.Int64()}).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeEnsure, err)
	}
	return mapAccount(account), nil
}

// GetAccount reads the cached balance row.
func (store *Store) GetAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, false)
}

// GetAccountForUpdate reads the row with FOR UPDATE so the caller's
// transaction serializes against concurrent mutations of this account.
func (store *Store) GetAccountForUpdate(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.getAccount(ctx, accountID, true)
}

func (store *Store) getAccount(ctx context.Context, accountID ledger.AccountID, locked bool) (ledger.Account, error) {
	query := store.db.WithContext(ctx)
	if locked {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var account Account
	err := query.Where("id = ?", accountID.Int64()).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, ledger.ErrAccountNotFound)
		}
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account), nil
}

// InsertEntry appends one immutable ledger row.
func (store *Store) InsertEntry(ctx context.Context, input ledger.EntryInput) (int64, error) {
	row := LedgerEntry{
		AccountID: input.AccountID.Int64(),
		Delta:     input.Delta.Int64(),
		Reason:    input.Reason.String(),
		EventType: input.EventType,
		CreatedAt: time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if !input.Ref.IsZero() {
		refType := input.Ref.Kind().String()
		refID := input.Ref.ID()
		row.RefType = &refType
		row.RefID = &refID
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return row.ID, nil
}

// AddToBalance applies the delta to the cached balance. The UPDATE takes
// the implicit row lock that serializes concurrent mutations per account.
func (store *Store) AddToBalance(ctx context.Context, accountID ledger.AccountID, delta ledger.Delta) (ledger.Account, error) {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", accountID.Int64()).
		Update("balance", gorm.Expr("balance + ?", delta.Int64()))
	if result.Error != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return store.getAccount(ctx, accountID, false)
}

// SumEntries recomputes the balance from the ledger.
func (store *Store) SumEntries(ctx context.Context, accountID ledger.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta),0) as total").
		Where("account_id = ?", accountID.Int64()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

// SetBalance overwrites the cached balance (reconciliation only).
func (store *Store) SetBalance(ctx context.Context, accountID ledger.AccountID, balance int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("id = ?", accountID.Int64()).
		Update("balance", balance)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrAccountNotFound)
	}
	return nil
}

// ListEntries pages the ledger newest-first below beforeID (0 = from top).
func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeID int64, limit int) ([]ledger.Entry, error) {
	query := store.db.WithContext(ctx).Where("account_id = ?", accountID.Int64())
	if beforeID != 0 {
		query = query.Where("id < ?", beforeID)
	}
	var rows []LedgerEntry
	if err := query.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// ListAccountIDs pages account ids ascending after afterID.
func (store *Store) ListAccountIDs(ctx context.Context, afterID ledger.AccountID, limit int) ([]ledger.AccountID, error) {
	var ids []int64
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("id > ?", afterID.Int64()).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeList, err)
	}
	accountIDs := make([]ledger.AccountID, 0, len(ids))
	for _, id := range ids {
		accountID, err := ledger.NewAccountID(id)
		if err != nil {
			return nil, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
		}
		accountIDs = append(accountIDs, accountID)
	}
	return accountIDs, nil
}

// EnsureIdempotencyKey inserts the pending row when absent (ON CONFLICT DO
// NOTHING blocks behind a concurrent uncommitted insert of the same key),
// then reads it back with FOR UPDATE so the lock is held until the
// caller's transaction ends.
func (store *Store) EnsureIdempotencyKey(ctx context.Context, descriptor ledger.Descriptor) (ledger.KeyRecord, error) {
	row := IdempotencyKey{
		Endpoint:  descriptor.Endpoint(),
		RequestID: descriptor.RequestID(),
		Context:   descriptor.Context(),
		Status:    ledger.KeyStatusPending.String(),
	}
	if userID, ok := descriptor.UserID(); ok {
		raw := userID.Int64()
		row.UserID = &raw
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}, {Name: "request_id"}, {Name: "context"}},
			DoNothing: true,
		}).
		Create(&row).Error
	if err != nil && !isUniqueViolation(err) {
		return ledger.KeyRecord{}, wrapStoreError(errorSubjectKey, errorCodeEnsure, err)
	}

	var stored IdempotencyKey
	err = store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("endpoint = ? AND request_id = ? AND context = ?",
			descriptor.Endpoint(), descriptor.RequestID(), descriptor.Context()).
		Take(&stored).Error
	if err != nil {
		return ledger.KeyRecord{}, wrapStoreError(errorSubjectKey, errorCodeGet, err)
	}
	return mapKeyRecord(descriptor, stored)
}

// CompleteIdempotencyKey finalizes a pending key. A zero-row update means
// the key already carries a final status, which must never regress.
func (store *Store) CompleteIdempotencyKey(ctx context.Context, descriptor ledger.Descriptor, status ledger.KeyStatus, response []byte) error {
	updates := map[string]any{
		"status":     status.String(),
		"updated_at": time.Now().UTC(),
	}
	if response != nil {
		updates["response"] = datatypesJSON(response)
	}
	result := store.db.WithContext(ctx).
		Model(&IdempotencyKey{}).
		Where("endpoint = ? AND request_id = ? AND context = ? AND status = ?",
			descriptor.Endpoint(), descriptor.RequestID(), descriptor.Context(),
			ledger.KeyStatusPending.String()).
		Updates(updates)
	if result.Error != nil {
		return wrapStoreError(errorSubjectKey, errorCodeComplete, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectKey, errorCodeComplete, ledger.ErrKeyFinalized)
	}
	return nil
}

// LoadAppSettings reads the whole operator settings table.
func (store *Store) LoadAppSettings(ctx context.Context) (map[string]string, error) {
	var rows []AppSetting
	if err := store.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectSettings, errorCodeLoad, err)
	}
	values := make(map[string]string, len(rows))
	for _, row := range rows {
		values[row.Key] = row.Value
	}
	return values, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(row Account) ledger.Account {
	accountID, _ := ledger.NewAccountID(row.ID)
	return ledger.Account{
		ID:             accountID,
		Balance:        row.Balance,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	delta, err := ledger.NewDelta(row.Delta)
	if err != nil {
		return ledger.Entry{}, err
	}
	reason, err := ledger.NewReason(row.Reason)
	if err != nil {
		return ledger.Entry{}, err
	}
	reference := ledger.NoReference()
	if row.RefType != nil && row.RefID != nil {
		kind, err := ledger.ParseRefKind(*row.RefType)
		if err != nil {
			return ledger.Entry{}, err
		}
		reference, err = ledger.NewReference(kind, *row.RefID)
		if err != nil {
			return ledger.Entry{}, err
		}
	}
	return ledger.Entry{
		ID:             row.ID,
		AccountID:      accountID,
		Delta:          delta,
		Reason:         reason,
		Ref:            reference,
		EventType:      row.EventType,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapKeyRecord(descriptor ledger.Descriptor, row IdempotencyKey) (ledger.KeyRecord, error) {
	status, err := ledger.ParseKeyStatus(row.Status)
	if err != nil {
		return ledger.KeyRecord{}, wrapStoreError(errorSubjectKey, errorCodeInvalid, err)
	}
	return ledger.KeyRecord{
		Descriptor:     descriptor,
		Status:         status,
		Response:       []byte(row.Response),
		UpdatedUnixUTC: row.UpdatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
