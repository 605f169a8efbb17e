/*
Package ledger provides the balance ledger engine for credit cards.

PURPOSE:
  A card's balance history is stored sparsely: one entry per calendar day on
  which the balance changed, most recent first. This package keeps that
  history correct when transactions arrive out of order.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: (day, balance) pair; the balance holds until the next later entry
  - Transaction: a signed amount posted on a day, visible from the next day on
  - CardNumber: opaque reference resolved to a timeline by a TimelineStore

INVARIANTS (enforced by Timeline):
  - No two entries share a day.
  - Entries are strictly descending by day.
  - After anchoring, an entry exists at the caller's "today".
  - A timeline is never empty.

USAGE:
  tl := ledger.NewTimeline(today, decimal.Zero)
  tl.Apply(ledger.MustParseDay("2023-04-10"), decimal.NewFromInt(10))
  tl.AnchorToToday(today)

SEE ALSO:
  - timeline.go: resolver, range-add applier, today-anchor
  - engine.go: batch application across cards
  - store.go: persistence and notification interfaces
*/
package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// CardNumber identifies the card (and therefore the timeline) a transaction
// belongs to. Its format is opaque to the engine.
type CardNumber string

// =============================================================================
// ENTRY - One stored balance snapshot
// =============================================================================

// Entry is the card balance as of the end of Day, carried forward unchanged
// until the next stored entry.
type Entry struct {
	Day     Day
	Balance decimal.Decimal
}

// =============================================================================
// TRANSACTION - Signed delta posted on a day
// =============================================================================

// Transaction is an input to the engine; it is never stored as such.
// Its effect starts on Day+1 (posting lag).
type Transaction struct {
	Card   CardNumber
	Day    Day
	Amount decimal.Decimal
}

// ValidateTransaction checks a transaction against the collaborator-boundary
// rules. index is the item position reported in the error.
func ValidateTransaction(index int, tx Transaction, today Day) error {
	switch {
	case tx.Card == "":
		return &InvalidTransactionError{Index: index, Reason: "missing credit card number"}
	case tx.Day.IsZero():
		return &InvalidTransactionError{Index: index, Card: tx.Card, Reason: "missing transaction day"}
	case tx.Day.After(today):
		return &InvalidTransactionError{Index: index, Card: tx.Card,
			Reason: fmt.Sprintf("transaction dated %s is %d day(s) after today %s", tx.Day, DaysBetween(today, tx.Day), today)}
	}
	return nil
}
