package ledger

const (
	operationApply      = "apply"
	operationReconcile  = "reconcile"
	operationIdempotent = "idempotent"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
