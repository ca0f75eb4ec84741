// Package txerrors holds the error taxonomy shared by the coordinator, the
// partition stores and the request layers. Callers match with errors.Is.
package txerrors

import "errors"

// --- Error Definitions ---

var (
	// ErrLockDenied: the resource is held by another active transaction.
	// Non-fatal; the caller abandons this attempt.
	ErrLockDenied = errors.New("lock denied: resource held by another transaction")
	// ErrRecordNotFound: a referenced timeslot, booking, client or photographer is absent.
	ErrRecordNotFound = errors.New("record not found")
	// ErrSlotUnavailable: the timeslot exists but is not in the Available state.
	ErrSlotUnavailable = errors.New("timeslot is not available")
	// ErrInvalidRequest: the caller supplied malformed or incomplete input.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrPersistenceFailure: a store write or commit failed.
	ErrPersistenceFailure = errors.New("persistence failure")
	// ErrDeadlockAborted: the transaction was chosen as a deadlock victim.
	ErrDeadlockAborted = errors.New("transaction aborted to resolve deadlock")
	// ErrRollbackFailed: compensation could not be completed. Cross-store state
	// may be inconsistent and needs operator attention.
	ErrRollbackFailed = errors.New("rollback failed")

	ErrTxnNotFound      = errors.New("transaction not found")
	ErrInvalidTxnID     = errors.New("invalid transaction id")
	ErrTxnAlreadyExists = errors.New("transaction already exists")
	ErrTxnInvalidState  = errors.New("transaction is in an invalid state for this operation")

	ErrUndoLogNotFound = errors.New("undo log not found")
	ErrUndoLogCorrupt  = errors.New("undo log checksum mismatch, data corruption suspected")
)
