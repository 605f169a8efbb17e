/*
timeline.go - Sparse, date-indexed running balance

PURPOSE:
  Holds one card's balance history and the three primitives that keep it
  correct when transactions arrive out of order.

CARRY-FORWARD:
  The balance on a day d is the balance of the nearest entry with day <= d.
  Before the oldest entry the oldest balance is extended flat (no history).

RANGE-ADD (Apply):
  A transaction {D, A} is visible from D+1 on. Applying it:
    1. ensure D exists        (value = Resolve(D), unchanged if present)
    2. ensure D+1 exists      (value = Resolve(D)+A, or += A if present)
    3. add A to every entry later than D+1
  Both boundaries go through the same ensure primitive.

  Example (today 4/12):
    [{4/12,110},{4/10,100}] + {4/10,+10}
    -> [{4/12,120},{4/11,110},{4/10,100}]

ANCHOR:
  AnchorToToday makes "today" addressable without changing any balance, so
  reading the current balance never needs a scan. It runs once per batch.

CONCURRENCY:
  A Timeline is not safe for concurrent mutation. The Engine serializes
  writers per card; readers get clones.
*/
package ledger

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIMELINE
// =============================================================================

// Timeline is an ordered sequence of entries, strictly descending by day.
type Timeline struct {
	entries []Entry
}

// NewTimeline creates the single-entry seed used when a card is created.
func NewTimeline(seed Day, balance decimal.Decimal) *Timeline {
	if seed.IsZero() {
		panic(&InvariantViolationError{Reason: "seed entry has no day"})
	}
	return &Timeline{entries: []Entry{{Day: seed, Balance: balance}}}
}

// FromEntries builds a timeline from persisted entries, rejecting empty, unsorted or duplicate-day input.
func FromEntries(entries []Entry) (*Timeline, error) {
	tl := &Timeline{entries: append([]Entry(nil), entries...)}
	if err := tl.Validate(); err != nil {
		return nil, err
	}
	return tl, nil
}

// Validate checks the structural invariants.
func (t *Timeline) Validate() error {
	if len(t.entries) == 0 {
		return &InvariantViolationError{Reason: "timeline is empty"}
	}
	for i, e := range t.entries {
		if e.Day.IsZero() {
			return &InvariantViolationError{Reason: fmt.Sprintf("entry %d has no day", i)}
		}
		if i == 0 {
			continue
		}
		prev := t.entries[i-1].Day
		if prev.Equal(e.Day) {
			return &InvariantViolationError{Reason: fmt.Sprintf("duplicate entry for %s", e.Day)}
		}
		if prev.Before(e.Day) {
			return &InvariantViolationError{Reason: fmt.Sprintf("entry %s precedes later entry %s", prev, e.Day)}
		}
	}
	return nil
}

// Entries returns a copy of the entries, most recent first.
func (t *Timeline) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of stored entries.
func (t *Timeline) Len() int { return len(t.entries) }

// First returns the most recent entry.
func (t *Timeline) First() Entry {
	t.mustNotBeEmpty()
	return t.entries[0]
}

// Clone returns an independent copy.
func (t *Timeline) Clone() *Timeline {
	return &Timeline{entries: t.Entries()}
}

// Equal reports whether both timelines hold the same entries.
func (t *Timeline) Equal(other *Timeline) bool {
	if len(t.entries) != len(other.entries) {
		return false
	}
	for i := range t.entries {
		if !t.entries[i].Day.Equal(other.entries[i].Day) || !t.entries[i].Balance.Equal(other.entries[i].Balance) {
			return false
		}
	}
	return true
}

// =============================================================================
// CARRY-FORWARD RESOLVER
// =============================================================================

// Resolve returns the balance observed on day.
func (t *Timeline) Resolve(day Day) decimal.Decimal {
	t.mustNotBeEmpty()
	i, _ := t.search(day)
	if i == len(t.entries) {
		// day precedes every entry: flat backward extension
		return t.entries[len(t.entries)-1].Balance
	}
	return t.entries[i].Balance
}

// Current returns the balance on today. O(1) once anchored.
func (t *Timeline) Current(today Day) decimal.Decimal {
	t.mustNotBeEmpty()
	if t.entries[0].Day.Equal(today) {
		return t.entries[0].Balance
	}
	return t.Resolve(today)
}

// search returns the index of the first entry with day <= the given day
// (len(entries) if none) and whether that entry is exactly on day.
func (t *Timeline) search(day Day) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Day.BeforeOrEqual(day)
	})
	return i, i < len(t.entries) && t.entries[i].Day.Equal(day)
}

// =============================================================================
// RANGE-ADD APPLIER
// =============================================================================

// Apply posts amount on day: every day after day sees +amount, day itself
// and everything before it are unchanged.
func (t *Timeline) Apply(day Day, amount decimal.Decimal) {
	t.mustNotBeEmpty()
	if day.IsZero() {
		panic(&InvariantViolationError{Reason: "transaction has no day"})
	}

	base := t.Resolve(day)
	t.ensure(day, base, decimal.Zero)
	next := t.ensure(day.AddDays(1), base.Add(amount), amount)

	// entries before index next are strictly later than day+1
	for i := 0; i < next; i++ {
		t.entries[i].Balance = t.entries[i].Balance.Add(amount)
	}
}

// ensure makes day addressable. If absent, an entry with value is inserted
// in order; if present, delta is added to its balance. Returns its index.
func (t *Timeline) ensure(day Day, value, delta decimal.Decimal) int {
	i, found := t.search(day)
	if found {
		if !delta.IsZero() {
			t.entries[i].Balance = t.entries[i].Balance.Add(delta)
		}
		return i
	}

	// Insert at position i: O(n) copy, O(log n) search
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = Entry{Day: day, Balance: value}
	return i
}

// =============================================================================
// TODAY-ANCHOR
// =============================================================================

// AnchorToToday ensures an entry exists at today carrying Resolve(today).
// No stored balance changes. Calling it twice with the same today is a no-op
// the second time.
//
// A transaction posted today materializes its effect at today+1; that entry
// stays ahead of the anchor until today advances.
func (t *Timeline) AnchorToToday(today Day) {
	t.mustNotBeEmpty()
	if t.entries[0].Day.Equal(today) {
		return
	}
	t.ensure(today, t.Resolve(today), decimal.Zero)
}

// IsAnchored reports whether an entry exists at today.
func (t *Timeline) IsAnchored(today Day) bool {
	if len(t.entries) == 0 {
		return false
	}
	_, found := t.search(today)
	return found
}

func (t *Timeline) mustNotBeEmpty() {
	if len(t.entries) == 0 {
		panic(&InvariantViolationError{Reason: "operation on empty timeline"})
	}
}
