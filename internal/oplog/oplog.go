// Package oplog adapts the ledger's OperationLogger to zap.
package oplog

import (
	"context"

	"go.uber.org/zap"

	"github.com/tapquest/pointscore/pkg/ledger"
)

// Logger emits one structured log line per ledger operation.
type Logger struct {
	logger *zap.Logger
}

// New wires a Logger.
func New(logger *zap.Logger) *Logger {
	return &Logger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (adapter *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.AccountID != 0 {
		fields = append(fields, zap.Int64("account_id", entry.AccountID.Int64()))
	}
	if entry.Delta != 0 {
		fields = append(fields, zap.Int64("delta", entry.Delta))
	}
	if entry.Reason != "" {
		fields = append(fields, zap.String("reason", entry.Reason))
	}
	if !entry.Ref.IsZero() {
		fields = append(fields,
			zap.String("ref_type", entry.Ref.Kind().String()),
			zap.Int64("ref_id", entry.Ref.ID()))
	}
	if entry.EntryID != 0 {
		fields = append(fields, zap.Int64("entry_id", entry.EntryID))
	}
	if entry.Endpoint != "" {
		fields = append(fields,
			zap.String("endpoint", entry.Endpoint),
			zap.String("request_id", entry.RequestID),
			zap.Bool("replayed", entry.Replayed))
	}
	if entry.Error != nil {
		adapter.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}
