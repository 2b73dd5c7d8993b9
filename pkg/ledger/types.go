package ledger

import (
	"context"
	"fmt"
	"strings"
)

// AccountID is the opaque integer identity of an account owner
// (the Telegram user id in the mini-app deployment).
type AccountID int64

// NewAccountID validates an account identifier.
func NewAccountID(raw int64) (AccountID, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be positive, got %d", ErrInvalidAccountID, raw)
	}
	return AccountID(raw), nil
}

// Int64 returns the raw identifier.
func (id AccountID) Int64() int64 {
	return int64(id)
}

// Delta is a nonzero signed balance change in minor units.
type Delta int64

// NewDelta validates a balance delta. Zero deltas are rejected; the sign
// is the caller's choice (negative for debits, positive for credits).
func NewDelta(raw int64) (Delta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be nonzero", ErrInvalidDelta)
	}
	return Delta(raw), nil
}

// Int64 returns the raw delta.
func (delta Delta) Int64() int64 {
	return int64(delta)
}

// Reason is a short machine-readable code describing a balance change.
type Reason struct {
	value string
}

// NewReason validates and normalizes a reason code.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason code.
func (reason Reason) String() string {
	return reason.value
}

// RefKind enumerates the domain objects a ledger entry may point back to.
type RefKind string

const (
	RefNone            RefKind = ""
	RefMission         RefKind = "mission"
	RefWithdrawRequest RefKind = "withdraw_request"
	RefPurchase        RefKind = "purchase"
	RefReferral        RefKind = "referral"
	RefAdImpression    RefKind = "ad_impression"
)

// ParseRefKind maps a stored ref_type value onto a known kind.
func ParseRefKind(raw string) (RefKind, error) {
	switch RefKind(raw) {
	case RefNone, RefMission, RefWithdrawRequest, RefPurchase, RefReferral, RefAdImpression:
		return RefKind(raw), nil
	default:
		return RefNone, fmt.Errorf("%w: %q", ErrInvalidRefKind, raw)
	}
}

// String returns the stored ref_type value.
func (kind RefKind) String() string {
	return string(kind)
}

// Reference is an optional typed back-pointer from a ledger entry to the
// domain object that triggered it. The zero value means "no reference".
type Reference struct {
	kind RefKind
	id   int64
}

// NewReference validates a reference to a known domain object.
func NewReference(kind RefKind, id int64) (Reference, error) {
	if kind == RefNone {
		return Reference{}, fmt.Errorf("%w: kind is required", ErrInvalidReference)
	}
	if _, err := ParseRefKind(kind.String()); err != nil {
		return Reference{}, err
	}
	if id <= 0 {
		return Reference{}, fmt.Errorf("%w: id must be positive, got %d", ErrInvalidReference, id)
	}
	return Reference{kind: kind, id: id}, nil
}

// NoReference returns the empty reference.
func NoReference() Reference {
	return Reference{}
}

// Kind returns the reference kind (RefNone when empty).
func (reference Reference) Kind() RefKind {
	return reference.kind
}

// ID returns the referenced object id (zero when empty).
func (reference Reference) ID() int64 {
	return reference.id
}

// IsZero reports whether the reference is empty.
func (reference Reference) IsZero() bool {
	return reference.kind == RefNone
}

// Mutation is a validated intent to change an account balance.
type Mutation struct {
	AccountID AccountID
	Delta     Delta
	Reason    Reason
	Ref       Reference
	EventType string
}

// NewMutation validates the raw inputs of a balance change before any
// transaction is opened.
func NewMutation(accountID int64, delta int64, reason string, ref Reference, eventType string) (Mutation, error) {
	parsedAccountID, err := NewAccountID(accountID)
	if err != nil {
		return Mutation{}, err
	}
	parsedDelta, err := NewDelta(delta)
	if err != nil {
		return Mutation{}, err
	}
	parsedReason, err := NewReason(reason)
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{
		AccountID: parsedAccountID,
		Delta:     parsedDelta,
		Reason:    parsedReason,
		Ref:       ref,
		EventType: strings.TrimSpace(eventType),
	}, nil
}

// Account is the denormalized economic state of a user.
type Account struct {
	ID             AccountID
	Balance        int64
	CreatedUnixUTC int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	ID             int64
	AccountID      AccountID
	Delta          Delta
	Reason         Reason
	Ref            Reference
	EventType      string
	CreatedUnixUTC int64
}

// EntryInput carries the fields of an entry about to be appended.
type EntryInput struct {
	AccountID      AccountID
	Delta          Delta
	Reason         Reason
	Ref            Reference
	EventType      string
	CreatedUnixUTC int64
}

// Result is the outcome of an accepted balance mutation.
type Result struct {
	Account Account
	EntryID int64
}

// Store is the persistence contract used by Service.
// gormstore implements it for PostgreSQL and SQLite.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	// GetAccountForUpdate locks the account row for the remainder of the
	// enclosing transaction. Callers needing a sufficient-funds guard check
	// the locked balance before applying a negative mutation.
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	InsertEntry(ctx context.Context, input EntryInput) (int64, error)
	// AddToBalance applies delta to the cached balance and returns the
	// updated row. ErrAccountNotFound when the account does not exist.
	AddToBalance(ctx context.Context, accountID AccountID, delta Delta) (Account, error)
	SumEntries(ctx context.Context, accountID AccountID) (int64, error)
	SetBalance(ctx context.Context, accountID AccountID, balance int64) error
	ListEntries(ctx context.Context, accountID AccountID, beforeID int64, limit int) ([]Entry, error)
	ListAccountIDs(ctx context.Context, afterID AccountID, limit int) ([]AccountID, error)
	EnsureIdempotencyKey(ctx context.Context, descriptor Descriptor) (KeyRecord, error)
	CompleteIdempotencyKey(ctx context.Context, descriptor Descriptor, status KeyStatus, response []byte) error
}
