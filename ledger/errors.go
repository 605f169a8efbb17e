/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Not found      - card or user reference does not resolve (recoverable, per item)
  2. Client errors  - malformed or future-dated transactions, empty batches
  3. Invariants     - a timeline broke sortedness/uniqueness/non-emptiness.
                      These are programmer errors: the Timeline panics with
                      *InvariantViolationError, FromEntries returns it.

USAGE:
  if errors.Is(err, ledger.ErrCardNotFound) {
      // 404 / per-item failure
  }

SEE ALSO:
  - timeline.go: raises InvariantViolationError
  - engine.go: per-item results carry these errors
  - api/handlers.go: maps them to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCardNotFound is returned when a card number does not resolve to a timeline.
	ErrCardNotFound = errors.New("credit card not found")

	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrDuplicateCard is returned when a card number is already registered.
	ErrDuplicateCard = errors.New("credit card number already registered")

	// ErrInvalidTransaction is returned for a transaction missing its card, day
	// or amount, or dated after today.
	ErrInvalidTransaction = errors.New("invalid transaction")

	// ErrEmptyBatch is returned when a batch has no transactions.
	ErrEmptyBatch = errors.New("empty transaction batch")

	// ErrBatchRejected is returned by ApplyBatch in ModeAllOrNothing when at
	// least one item failed. Nothing was persisted.
	ErrBatchRejected = errors.New("transaction batch rejected")

	// ErrCardSkipped marks a valid item that was not applied because another
	// item of the same card failed (ModePerCard).
	ErrCardSkipped = errors.New("not applied: another transaction for this card failed")

	// ErrInvariantViolation marks a broken timeline. Never recovered silently.
	ErrInvariantViolation = errors.New("timeline invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransactionError describes why a single batch item was rejected.
type InvalidTransactionError struct {
	Index  int
	Card   CardNumber
	Reason string
}

func (e *InvalidTransactionError) Error() string {
	return fmt.Sprintf("invalid transaction #%d (card %q): %s", e.Index, e.Card, e.Reason)
}

func (e *InvalidTransactionError) Unwrap() error {
	return ErrInvalidTransaction
}

// CardNotFoundError names the card that could not be resolved.
type CardNotFoundError struct {
	Card CardNumber
}

func (e *CardNotFoundError) Error() string {
	return fmt.Sprintf("credit card not found: %q", e.Card)
}

func (e *CardNotFoundError) Unwrap() error {
	return ErrCardNotFound
}

// InvariantViolationError reports which invariant a timeline broke.
type InvariantViolationError struct {
	Card   CardNumber // empty when the timeline is not attached to a card yet
	Reason string
}

func (e *InvariantViolationError) Error() string {
	if e.Card == "" {
		return fmt.Sprintf("timeline invariant violated: %s", e.Reason)
	}
	return fmt.Sprintf("timeline invariant violated for card %q: %s", e.Card, e.Reason)
}

func (e *InvariantViolationError) Unwrap() error {
	return ErrInvariantViolation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransaction) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrBatchRejected) ||
		errors.Is(err, ErrCardSkipped)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCardNotFound) ||
		errors.Is(err, ErrUserNotFound)
}
