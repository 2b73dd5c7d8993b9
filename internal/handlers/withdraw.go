// Package handlers holds the job handlers registered by the worker daemon.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/tapquest/pointscore/internal/payout"
	"github.com/tapquest/pointscore/internal/settings"
	"github.com/tapquest/pointscore/pkg/jobqueue"
	"github.com/tapquest/pointscore/pkg/ledger"
)

// Job types understood by this worker build.
const (
	JobTypeWithdrawPayout    = "withdraw_payout"
	JobTypeReconcileBalances = "reconcile_balances"
)

const withdrawPayoutEndpoint = "job:withdraw_payout"

// WithdrawPayoutPayload is the job payload enqueued when a withdraw
// request is approved. The points were already reserved at request time,
// so the handler executes the external payout without touching balances.
type WithdrawPayoutPayload struct {
	WithdrawID  int64  `json:"withdraw_id"`
	AccountID   int64  `json:"account_id"`
	AmountMinor int64  `json:"amount_minor"`
	Destination string `json:"destination"`
	Currency    string `json:"currency"`
}

// NewWithdrawPayout builds the withdraw_payout handler. The provider call
// is guarded twice against duplicate delivery: a deterministic provider
// reference per withdraw id, and an idempotency key row committed in the
// same transaction as the job's status update.
func NewWithdrawPayout(provider payout.Provider, cache *settings.Cache, logger *zap.Logger) jobqueue.HandlerFunc {
	return func(ctx context.Context, tx jobqueue.Store, job jobqueue.Job) error {
		var request WithdrawPayoutPayload
		if err := json.Unmarshal(job.Payload, &request); err != nil {
			return jobqueue.NonRetryable(fmt.Errorf("decode payload: %w", err))
		}
		if err := request.validate(); err != nil {
			return jobqueue.NonRetryable(err)
		}

		config, err := cache.Get(ctx)
		if err != nil {
			return fmt.Errorf("load settings: %w", err)
		}
		if !config.PayoutsEnabled {
			return errors.New("payouts are paused")
		}
		if request.AmountMinor < config.PayoutMinimumPoints {
			return jobqueue.NonRetryable(fmt.Errorf("amount %d below payout minimum %d",
				request.AmountMinor, config.PayoutMinimumPoints))
		}

		ledgerStore := tx.Ledger()
		descriptor, err := ledger.NewDescriptor(withdrawPayoutEndpoint, strconv.FormatInt(request.WithdrawID, 10), "")
		if err != nil {
			return jobqueue.NonRetryable(err)
		}
		record, err := ledger.EnsureKey(ctx, ledgerStore, descriptor)
		if err != nil {
			return err
		}
		if record.Replayed() {
			logger.Info("payout already sent, skipping",
				zap.Int64("withdraw_id", request.WithdrawID))
			return nil
		}

		receipt, err := provider.SendPayout(ctx, payout.Request{
			Reference:   payout.ReferenceForWithdraw(request.WithdrawID),
			Destination: request.Destination,
			AmountMinor: request.AmountMinor,
			Currency:    request.Currency,
		})
		if err != nil {
			if errors.Is(err, payout.ErrInvalidDestination) {
				return jobqueue.NonRetryable(err)
			}
			return fmt.Errorf("send payout: %w", err)
		}

		response, err := json.Marshal(receipt)
		if err != nil {
			return fmt.Errorf("encode receipt: %w", err)
		}
		if err := ledger.CompleteKey(ctx, ledgerStore, descriptor, ledger.KeyStatusCompleted, response); err != nil {
			return err
		}
		logger.Info("payout sent",
			zap.Int64("withdraw_id", request.WithdrawID),
			zap.String("provider", receipt.Provider),
			zap.String("provider_tx_id", receipt.TxID))
		return nil
	}
}

func (payload WithdrawPayoutPayload) validate() error {
	if payload.WithdrawID <= 0 {
		return fmt.Errorf("withdraw_id must be positive, got %d", payload.WithdrawID)
	}
	if payload.AccountID <= 0 {
		return fmt.Errorf("account_id must be positive, got %d", payload.AccountID)
	}
	if payload.AmountMinor <= 0 {
		return fmt.Errorf("amount_minor must be positive, got %d", payload.AmountMinor)
	}
	if strings.TrimSpace(payload.Destination) == "" {
		return errors.New("destination is required")
	}
	return nil
}
