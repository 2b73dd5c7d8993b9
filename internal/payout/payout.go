// Package payout abstracts the outbound payment providers that execute
// approved withdraw requests. Providers are called from job handlers only,
// never from the request tier.
package payout

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"
)

// ErrInvalidDestination marks a destination the provider will never accept
// (malformed wallet address, closed account). Callers treat it as
// permanent; every other provider error is retryable.
var ErrInvalidDestination = errors.New("invalid payout destination")

// Request describes one payout to execute.
type Request struct {
	// Reference is the client-generated identifier the provider
	// deduplicates on. It must be stable across redeliveries of the same
	// withdraw request.
	Reference   string
	Destination string
	AmountMinor int64
	Currency    string
}

// Receipt is the provider's acknowledgement of an accepted payout.
type Receipt struct {
	Provider string `json:"provider"`
	TxID     string `json:"tx_id"`
}

// Provider executes payouts.
type Provider interface {
	SendPayout(ctx context.Context, request Request) (Receipt, error)
}

// Func adapts a function to the Provider interface.
type Func func(ctx context.Context, request Request) (Receipt, error)

// SendPayout calls the wrapped function.
func (fn Func) SendPayout(ctx context.Context, request Request) (Receipt, error) {
	return fn(ctx, request)
}

// withdrawNamespace scopes deterministic payout references. Changing it
// would re-issue references for in-flight withdraws, so it is fixed.
var withdrawNamespace = uuid.MustParse("5f1c8f36-9a91-4d2e-b6a3-7c04f3a9c2de")

// ReferenceForWithdraw derives the stable provider reference for a
// withdraw request. Redelivered payout jobs compute the same reference,
// so the provider sees a duplicate instead of a second payout.
func ReferenceForWithdraw(withdrawID int64) string {
	return uuid.NewSHA1(withdrawNamespace, []byte(strconv.FormatInt(withdrawID, 10))).String()
}
