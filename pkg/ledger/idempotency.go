package ledger

import (
	"context"
	"fmt"
	"strings"
)

// KeyStatus defines the idempotency key lifecycle. A key moves
// pending -> completed|failed and never regresses.
type KeyStatus string

const (
	KeyStatusPending   KeyStatus = "pending"
	KeyStatusCompleted KeyStatus = "completed"
	KeyStatusFailed    KeyStatus = "failed"
)

// ParseKeyStatus maps a stored status value onto a known status.
func ParseKeyStatus(raw string) (KeyStatus, error) {
	switch KeyStatus(raw) {
	case KeyStatusPending, KeyStatusCompleted, KeyStatusFailed:
		return KeyStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyStatus, raw)
	}
}

// String returns the stored status value.
func (status KeyStatus) String() string {
	return string(status)
}

// Descriptor is the natural key of one externally-retriable operation.
// Context scopes the request id (for example a user id or chat id) and
// may be empty when the request id alone is globally unique.
type Descriptor struct {
	endpoint  string
	requestID string
	context   string
	userID    *AccountID
}

// NewDescriptor validates the natural-key fields of an idempotent operation.
func NewDescriptor(endpoint string, requestID string, context string) (Descriptor, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return Descriptor{}, fmt.Errorf("%w: empty endpoint", ErrInvalidDescriptor)
	}
	trimmedRequestID := strings.TrimSpace(requestID)
	if trimmedRequestID == "" {
		return Descriptor{}, fmt.Errorf("%w: empty request id", ErrInvalidDescriptor)
	}
	return Descriptor{
		endpoint:  trimmedEndpoint,
		requestID: trimmedRequestID,
		context:   strings.TrimSpace(context),
	}, nil
}

// WithUserID attaches the acting account to the descriptor for audit.
func (descriptor Descriptor) WithUserID(accountID AccountID) Descriptor {
	descriptor.userID = &accountID
	return descriptor
}

// Endpoint returns the endpoint segment of the natural key.
func (descriptor Descriptor) Endpoint() string {
	return descriptor.endpoint
}

// RequestID returns the request id segment of the natural key.
func (descriptor Descriptor) RequestID() string {
	return descriptor.requestID
}

// Context returns the context segment of the natural key.
func (descriptor Descriptor) Context() string {
	return descriptor.context
}

// UserID returns the acting account, when recorded.
func (descriptor Descriptor) UserID() (AccountID, bool) {
	if descriptor.userID == nil {
		return 0, false
	}
	return *descriptor.userID, true
}

// KeyRecord is the stored state of one idempotency key.
type KeyRecord struct {
	Descriptor     Descriptor
	Status         KeyStatus
	Response       []byte
	UpdatedUnixUTC int64
}

// Replayed reports whether the record already carries a final outcome.
func (record KeyRecord) Replayed() bool {
	return record.Status != KeyStatusPending
}

// EnsureKey looks up the row by natural key inside the caller's
// transaction, inserting a pending row when absent, and returns it with a
// row-level lock held until the transaction ends. Two concurrent callers
// racing on the same key serialize on that lock: the loser observes the
// winner's committed row instead of creating a duplicate.
func EnsureKey(ctx context.Context, txStore Store, descriptor Descriptor) (KeyRecord, error) {
	return txStore.EnsureIdempotencyKey(ctx, descriptor)
}

// CompleteKey marks the key with its final status and serialized response.
// Completing an already-final key returns ErrKeyFinalized.
func CompleteKey(ctx context.Context, txStore Store, descriptor Descriptor, status KeyStatus, response []byte) error {
	if status == KeyStatusPending {
		return fmt.Errorf("%w: cannot complete to pending", ErrInvalidKeyStatus)
	}
	return txStore.CompleteIdempotencyKey(ctx, descriptor, status, response)
}

// RunIdempotent brackets fn with the idempotency gate in one transaction:
// ensure the key, short-circuit replays with the stored response, run fn,
// complete the key with fn's response, commit. The effect and the
// completed marker are atomic; any error from fn rolls back both.
func (service *Service) RunIdempotent(ctx context.Context, descriptor Descriptor, fn func(ctx context.Context, txStore Store) ([]byte, error)) ([]byte, bool, error) {
	var (
		response []byte
		replayed bool
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		record, err := txStore.EnsureIdempotencyKey(ctx, descriptor)
		if err != nil {
			return err
		}
		if record.Replayed() {
			response = record.Response
			replayed = true
			return nil
		}
		result, err := fn(ctx, txStore)
		if err != nil {
			return err
		}
		if err := txStore.CompleteIdempotencyKey(ctx, descriptor, KeyStatusCompleted, result); err != nil {
			return err
		}
		response = result
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationIdempotent,
		Endpoint:  descriptor.Endpoint(),
		RequestID: descriptor.RequestID(),
		Replayed:  replayed,
		Error:     operationError,
	})
	if operationError != nil {
		return nil, false, operationError
	}
	return response, replayed, nil
}
