/*
engine.go - Batch application of transactions across cards

PURPOSE:
  Applies a caller-supplied batch of transactions to the stored timelines.
  The engine is the only writer of timelines.

FLOW (ApplyBatch):
  1. Validate every item, group items by card keeping caller order
  2. Lock every card of the batch, in sorted order (no lock cycles)
  3. Per card, in parallel: load, apply items sequentially, anchor once
  4. Decide what commits (see BatchMode)
  5. One atomic SaveTimelines for everything that commits
  6. Notify (best effort, after commit)

BATCH MODES:
  ModeAllOrNothing: any failed item rejects the whole batch, nothing saved.
  ModePerCard:      cards whose items all succeeded commit; a card with a
                    failed item is left untouched and its other items are
                    reported as skipped.

CONCURRENCY:
  Two batches touching the same card are serialized by the card lock table.
  Batches on disjoint cards run concurrently. Reads do not lock: stores
  replace timelines atomically, so a reader sees either the old or the new
  timeline.

SEE ALSO:
  - timeline.go: per-card algorithms
  - store.go: TimelineStore and Notifier
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// BATCH MODE
// =============================================================================

// BatchMode selects how partial failures are committed.
type BatchMode int

const (
	ModeAllOrNothing BatchMode = iota
	ModePerCard
)

func (m BatchMode) String() string {
	switch m {
	case ModePerCard:
		return "per-card"
	default:
		return "all-or-nothing"
	}
}

// ParseBatchMode accepts "all-or-nothing" and "per-card". Empty means all-or-nothing.
func ParseBatchMode(s string) (BatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all-or-nothing", "atomic":
		return ModeAllOrNothing, nil
	case "per-card", "percard":
		return ModePerCard, nil
	default:
		return ModeAllOrNothing, fmt.Errorf("unknown batch mode %q (use all-or-nothing or per-card)", s)
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// ItemResult reports what happened to one batch item.
type ItemResult struct {
	Index   int
	Card    CardNumber
	Applied bool
	Err     error
}

// CardResult reports a card touched by the batch.
type CardResult struct {
	Card      CardNumber
	Committed bool
	Balance   decimal.Decimal // current balance after the batch; zero when not committed
}

// BatchResult is returned by ApplyBatch even when the batch is rejected,
// so callers can report every failed item.
type BatchResult struct {
	BatchID string
	Mode    BatchMode
	Today   Day
	Items   []ItemResult
	Cards   []CardResult // sorted by card number
}

// Failed returns the items that carry an error.
func (r *BatchResult) Failed() []ItemResult {
	var failed []ItemResult
	for _, it := range r.Items {
		if it.Err != nil {
			failed = append(failed, it)
		}
	}
	return failed
}

// AppliedCount returns how many items were committed.
func (r *BatchResult) AppliedCount() int {
	n := 0
	for _, it := range r.Items {
		if it.Applied {
			n++
		}
	}
	return n
}

// =============================================================================
// ENGINE
// =============================================================================

// Options configures an Engine. Zero values are usable.
type Options struct {
	Notifier    Notifier
	Logger      *slog.Logger
	Parallelism int // max cards processed concurrently; <= 0 means GOMAXPROCS
}

// Engine applies batches to a TimelineStore.
type Engine struct {
	store       TimelineStore
	notifier    Notifier
	logger      *slog.Logger
	parallelism int
	locks       *cardLocks
}

func NewEngine(store TimelineStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.GOMAXPROCS(0)
	}
	return &Engine{
		store:       store,
		notifier:    opts.Notifier,
		logger:      logger,
		parallelism: parallelism,
		locks:       newCardLocks(),
	}
}

// cardWork is the private, uncommitted state of one card during a batch.
type cardWork struct {
	card     CardNumber
	items    []int
	timeline *Timeline
	notFound error
	failed   bool
}

// ApplyBatch applies batch as of today.
//
// In ModeAllOrNothing a batch with any failed item returns the result
// together with an error wrapping ErrBatchRejected. Infrastructure failures
// (store errors, invariant violations) return a nil result.
func (e *Engine) ApplyBatch(ctx context.Context, batch []Transaction, today Day, mode BatchMode) (*BatchResult, error) {
	if len(batch) == 0 {
		return nil, ErrEmptyBatch
	}
	if today.IsZero() {
		return nil, errors.New("apply batch: today is required")
	}

	result := &BatchResult{
		BatchID: uuid.NewString(),
		Mode:    mode,
		Today:   today,
		Items:   make([]ItemResult, len(batch)),
	}

	// Validate and group by card, preserving caller order within a card
	groups := make(map[CardNumber]*cardWork)
	for i, tx := range batch {
		result.Items[i] = ItemResult{Index: i, Card: tx.Card}
		if err := ValidateTransaction(i, tx, today); err != nil {
			result.Items[i].Err = err
		}
		if tx.Card == "" {
			continue
		}
		w, ok := groups[tx.Card]
		if !ok {
			w = &cardWork{card: tx.Card}
			groups[tx.Card] = w
		}
		w.items = append(w.items, i)
	}

	cards := make([]CardNumber, 0, len(groups))
	for c := range groups {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i] < cards[j] })

	release := e.locks.acquire(cards)
	defer release()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for _, card := range cards {
		w := groups[card]
		g.Go(func() error {
			return e.applyCard(gctx, w, batch, result.Items, today)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Settle per-item outcomes
	anyFailed := false
	for _, it := range result.Items {
		if it.Err != nil {
			anyFailed = true
			break
		}
	}
	for _, card := range cards {
		w := groups[card]
		if w.notFound != nil {
			anyFailed = true
			for _, idx := range w.items {
				if result.Items[idx].Err == nil {
					result.Items[idx].Err = w.notFound
				}
			}
			continue
		}
		if w.failed && mode == ModePerCard {
			for _, idx := range w.items {
				if result.Items[idx].Err == nil {
					result.Items[idx].Err = fmt.Errorf("transaction #%d (card %q): %w", idx, card, ErrCardSkipped)
				}
			}
		}
	}

	commit := make(map[CardNumber]*Timeline)
	if !(anyFailed && mode == ModeAllOrNothing) {
		for _, card := range cards {
			w := groups[card]
			if w.notFound == nil && !w.failed {
				commit[card] = w.timeline
			}
		}
	}

	if len(commit) > 0 {
		if err := e.store.SaveTimelines(ctx, commit); err != nil {
			return nil, fmt.Errorf("save timelines: %w", err)
		}
	}

	updates := make([]CardUpdate, 0, len(commit))
	for _, card := range cards {
		tl, ok := commit[card]
		cr := CardResult{Card: card, Committed: ok}
		if ok {
			cr.Balance = tl.Current(today)
			updates = append(updates, CardUpdate{
				Card:    card,
				Today:   today,
				Balance: cr.Balance,
				Entries: tl.Entries(),
			})
			for _, idx := range groups[card].items {
				result.Items[idx].Applied = true
			}
		}
		result.Cards = append(result.Cards, cr)
	}

	e.logger.Info("batch applied",
		slog.String("batch_id", result.BatchID),
		slog.String("mode", mode.String()),
		slog.String("today", today.String()),
		slog.Int("items", len(batch)),
		slog.Int("applied", result.AppliedCount()),
		slog.Int("cards_committed", len(commit)),
	)

	if len(updates) > 0 && e.notifier != nil {
		if err := e.notifier.BalancesUpdated(ctx, result.BatchID, updates); err != nil {
			e.logger.Error("balance notification failed",
				slog.String("batch_id", result.BatchID),
				slog.Any("error", err),
			)
		}
	}

	if anyFailed && mode == ModeAllOrNothing {
		return result, fmt.Errorf("%w: %d of %d transactions failed", ErrBatchRejected, len(result.Failed()), len(batch))
	}
	return result, nil
}

// applyCard runs the items of one card on a private copy of its timeline.
// It only reads items; outcomes are recorded on w.
func (e *Engine) applyCard(ctx context.Context, w *cardWork, batch []Transaction, items []ItemResult, today Day) (err error) {
	defer func() {
		if r := recover(); r != nil {
			var iv *InvariantViolationError
			if rerr, ok := r.(error); ok && errors.As(rerr, &iv) {
				iv.Card = w.card
				err = iv
				return
			}
			panic(r)
		}
	}()

	tl, err := e.store.LoadTimeline(ctx, w.card)
	if err != nil {
		if errors.Is(err, ErrCardNotFound) {
			w.notFound = &CardNotFoundError{Card: w.card}
			return nil
		}
		return fmt.Errorf("load timeline %q: %w", w.card, err)
	}

	work := tl.Clone()
	for _, idx := range w.items {
		if items[idx].Err != nil {
			w.failed = true
			continue
		}
		tx := batch[idx]
		work.Apply(tx.Day, tx.Amount)
	}
	work.AnchorToToday(today)
	w.timeline = work
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Timeline returns the card's history as observed on today. The anchor is
// added to the returned copy only; nothing is persisted.
func (e *Engine) Timeline(ctx context.Context, card CardNumber, today Day) (*Timeline, error) {
	tl, err := e.store.LoadTimeline(ctx, card)
	if err != nil {
		if errors.Is(err, ErrCardNotFound) {
			return nil, &CardNotFoundError{Card: card}
		}
		return nil, fmt.Errorf("load timeline %q: %w", card, err)
	}
	view := tl.Clone()
	view.AnchorToToday(today)
	return view, nil
}

// CurrentBalance returns the balance observed on today.
func (e *Engine) CurrentBalance(ctx context.Context, card CardNumber, today Day) (decimal.Decimal, error) {
	tl, err := e.Timeline(ctx, card, today)
	if err != nil {
		return decimal.Zero, err
	}
	return tl.Current(today), nil
}

// =============================================================================
// MAINTENANCE
// =============================================================================

// Reanchor anchors the stored timelines of cards to today and persists the
// ones that changed. A nil cards slice means every stored card.
// Returns the number of timelines that gained an anchor entry.
func (e *Engine) Reanchor(ctx context.Context, cards []CardNumber, today Day) (int, error) {
	if cards == nil {
		all, err := e.store.ListCardNumbers(ctx)
		if err != nil {
			return 0, fmt.Errorf("list cards: %w", err)
		}
		cards = all
	}
	if len(cards) == 0 {
		return 0, nil
	}

	sorted := append([]CardNumber(nil), cards...)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	release := e.locks.acquire(sorted)
	defer release()

	changed := make(map[CardNumber]*Timeline)
	for _, card := range sorted {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		tl, err := e.store.LoadTimeline(ctx, card)
		if err != nil {
			if errors.Is(err, ErrCardNotFound) {
				// deleted between listing and loading
				continue
			}
			return 0, fmt.Errorf("load timeline %q: %w", card, err)
		}
		if tl.IsAnchored(today) {
			continue
		}
		tl.AnchorToToday(today)
		changed[card] = tl
	}

	if len(changed) == 0 {
		return 0, nil
	}
	if err := e.store.SaveTimelines(ctx, changed); err != nil {
		return 0, fmt.Errorf("save timelines: %w", err)
	}
	return len(changed), nil
}

// =============================================================================
// CARD LOCKS
// =============================================================================

// cardLocks hands out one mutex per card, created on demand and dropped
// when no batch holds or waits for it.
type cardLocks struct {
	mu    sync.Mutex
	locks map[CardNumber]*cardLock
}

type cardLock struct {
	mu   sync.Mutex
	refs int
}

func newCardLocks() *cardLocks {
	return &cardLocks{locks: make(map[CardNumber]*cardLock)}
}

// acquire locks cards in the given order, which must be sorted and free of
// duplicates. The returned func releases them all.
func (l *cardLocks) acquire(cards []CardNumber) func() {
	held := make([]*cardLock, 0, len(cards))
	for _, c := range cards {
		l.mu.Lock()
		cl, ok := l.locks[c]
		if !ok {
			cl = &cardLock{}
			l.locks[c] = cl
		}
		cl.refs++
		l.mu.Unlock()

		cl.mu.Lock()
		held = append(held, cl)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			l.mu.Lock()
			held[i].refs--
			if held[i].refs == 0 {
				delete(l.locks, cards[i])
			}
			l.mu.Unlock()
		}
	}
}
