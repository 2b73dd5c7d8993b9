package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tapquest/pointscore/pkg/jobqueue"
	"github.com/tapquest/pointscore/pkg/ledger"
)

// ReconcileBalancesPayload names the account whose cached balance should
// be checked against its ledger sum.
type ReconcileBalancesPayload struct {
	AccountID int64 `json:"account_id"`
}

// NewReconcileBalances builds the reconcile_balances handler. It is
// idempotent by nature: once balance equals the entry sum, reruns correct
// nothing.
func NewReconcileBalances(logger *zap.Logger) jobqueue.HandlerFunc {
	return func(ctx context.Context, tx jobqueue.Store, job jobqueue.Job) error {
		var request ReconcileBalancesPayload
		if err := json.Unmarshal(job.Payload, &request); err != nil {
			return jobqueue.NonRetryable(fmt.Errorf("decode payload: %w", err))
		}
		accountID, err := ledger.NewAccountID(request.AccountID)
		if err != nil {
			return jobqueue.NonRetryable(err)
		}
		drift, err := ledger.ReconcileTx(ctx, tx.Ledger(), accountID)
		if err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return jobqueue.NonRetryable(err)
			}
			return err
		}
		if drift != 0 {
			logger.Warn("balance drift corrected",
				zap.Int64("account_id", accountID.Int64()),
				zap.Int64("drift", drift))
		}
		return nil
	}
}
