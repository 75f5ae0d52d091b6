package credit

import "time"

const (
	operationAuthorize  = "authorize"
	operationRefund     = "refund"
	operationGrant      = "grant"
	operationReconcile  = "reconcile"
	operationReset      = "reset"
	operationCreate     = "create_account"
	operationDeactivate = "deactivate"
	operationVerify     = "verify"

	operationStatusOK     = "ok"
	operationStatusDenied = "denied"
	operationStatusError  = "error"

	// Derived refs live under a reserved namespace so a processor event id
	// can never collide with an internal refund or reset marker.
	externalRefDelimiter   = ":"
	internalRefNamespace   = "creditgate"
	externalRefPrefixReset = "reset"
	refundRefPrefix        = "refund"

	maxConflictAttempts  = 4
	conflictBackoffBase  = 25 * time.Millisecond
	historyLimitDefault  = 50
	historyLimitMax      = 200
	sweepBatchSize       = 100
	notificationCeilingC = Credits(1_000_000)
)
