package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table. The primary key is the
// externally-issued opaque integer identity (the Telegram user id), so it
// is never auto-generated.
type Account struct {
	ID        int64     `gorm:"primaryKey;autoIncrement:false"`
	Balance   int64     `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table. Rows are never
// updated or deleted after creation.
type LedgerEntry struct {
	ID        int64     `gorm:"primaryKey"`
	AccountID int64     `gorm:"not null;index:idx_entries_account_created,priority:1"`
	Delta     int64     `gorm:"not null"`
	Reason    string    `gorm:"not null"`
	RefType   *string   `gorm:""`
	RefID     *int64    `gorm:""`
	EventType string    `gorm:""`
	CreatedAt time.Time `gorm:"not null;index:idx_entries_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

// IdempotencyKey mirrors the idempotency_keys table, unique on the
// composite natural key.
type IdempotencyKey struct {
	Endpoint  string         `gorm:"primaryKey"`
	RequestID string         `gorm:"primaryKey"`
	Context   string         `gorm:"primaryKey"`
	UserID    *int64         `gorm:""`
	Status    string         `gorm:"not null"`
	Response  datatypes.JSON `gorm:""`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (IdempotencyKey) TableName() string { return "idempotency_keys" }

// Job mirrors the jobs table; the (status, run_at) index backs the dequeue.
type Job struct {
	ID        int64          `gorm:"primaryKey"`
	Type      string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"not null"`
	Status    string         `gorm:"not null;index:idx_jobs_status_run_at,priority:1"`
	RunAt     time.Time      `gorm:"not null;index:idx_jobs_status_run_at,priority:2"`
	Attempts  int            `gorm:"not null;default:0"`
	LastError string         `gorm:""`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (Job) TableName() string { return "jobs" }

// AppSetting is one key of the operator-editable runtime configuration.
type AppSetting struct {
	Key       string    `gorm:"primaryKey"`
	Value     string    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AppSetting) TableName() string { return "app_settings" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &IdempotencyKey{}, &Job{}, &AppSetting{}}
}
