/*
store.go - Persistence and notification interfaces for the engine

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  loads one timeline per card, mutates a private copy, and hands every
  committed copy back in a single SaveTimelines call.

ATOMIC SAVES:
  SaveTimelines is all-or-nothing: a batch touching three cards either
  replaces all three stored timelines or none. Callers never observe a
  partially applied batch.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: In-memory for testing

SEE ALSO:
  - engine.go: the only writer of timelines
  - events/: Notifier implementations
*/
package ledger

import (
	"context"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIMELINE STORE
// =============================================================================

// TimelineStore persists one timeline per card.
type TimelineStore interface {
	// LoadTimeline returns the stored timeline for card.
	// Returns an error wrapping ErrCardNotFound if the card is unknown.
	LoadTimeline(ctx context.Context, card CardNumber) (*Timeline, error)

	// SaveTimelines replaces the stored timelines of every card in the map
	// atomically. Every card must already exist.
	SaveTimelines(ctx context.Context, timelines map[CardNumber]*Timeline) error

	// ListCardNumbers returns every card that has a timeline.
	ListCardNumbers(ctx context.Context) ([]CardNumber, error)
}

// =============================================================================
// NOTIFIER - Post-commit hook
// =============================================================================

// CardUpdate describes one committed card after a batch.
type CardUpdate struct {
	Card    CardNumber
	Today   Day
	Balance decimal.Decimal // balance observed on Today
	Entries []Entry         // full timeline, most recent first
}

// Notifier is told about committed batches. It runs after the store commit,
// so a failing notifier never rolls anything back.
type Notifier interface {
	BalancesUpdated(ctx context.Context, batchID string, updates []CardUpdate) error
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(ctx context.Context, batchID string, updates []CardUpdate) error

func (f NotifierFunc) BalancesUpdated(ctx context.Context, batchID string, updates []CardUpdate) error {
	return f(ctx, batchID, updates)
}
