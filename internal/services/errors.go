package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors returned by the settlement surface. Handlers map these to
// HTTP status codes in exactly one place.
var (
	// ErrStateConflict means the transition's precondition no longer holds:
	// the caller lost a race or replayed an action after the state advanced.
	ErrStateConflict = errors.New("state conflict")

	// ErrAlreadyProcessed is the idempotent short-circuit. It is
	// success-equivalent: the operation already completed and nothing was
	// touched again.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrInsufficientFunds is returned when a balance is too low for the
	// requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrValidation can be used with errors.Is to detect malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrTaskFrozen is returned for any transition attempted on a task the
	// reconciler has frozen pending manual review.
	ErrTaskFrozen = errors.New("task frozen pending reconciliation")

	// ErrWithdrawalNeedsReview means a transfer_completed event arrived for a
	// withdrawal already marked failed: the balance was re-credited locally
	// but the gateway paid out anyway. The row stays failed and an operator
	// must reconcile with a compensating debit.
	ErrWithdrawalNeedsReview = errors.New("withdrawal requires manual reconciliation")
)

// AuthorizationError carries the denial reason from the capability check.
type AuthorizationError struct {
	Reason string
}

func (e *AuthorizationError) Error() string {
	return "not authorized: " + e.Reason
}

// LedgerInvariantViolation is fatal: the conservation law is broken for a
// task. It halts further automated processing of that task and is never
// silently absorbed.
type LedgerInvariantViolation struct {
	TaskID       uuid.UUID
	BountyCents  int64
	AccountedFor int64
}

func (e *LedgerInvariantViolation) Error() string {
	return fmt.Sprintf("ledger invariant violated for task %s: accounted %d of bounty %d",
		e.TaskID, e.AccountedFor, e.BountyCents)
}
