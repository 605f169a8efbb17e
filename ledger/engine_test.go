package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-ledger/ledger"
	"github.com/warp/card-ledger/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var engineToday = day("2023-04-12")

func newTestEngine(t *testing.T, notifier ledger.Notifier) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewEngine(mem, ledger.Options{Notifier: notifier, Parallelism: 4}), mem
}

func tx(card, d string, amount int64) ledger.Transaction {
	return ledger.Transaction{Card: ledger.CardNumber(card), Day: day(d), Amount: dec(amount)}
}

func loadEntries(t *testing.T, mem *store.Memory, card string) *ledger.Timeline {
	t.Helper()
	tl, err := mem.LoadTimeline(context.Background(), ledger.CardNumber(card))
	require.NoError(t, err)
	return tl
}

type recordingNotifier struct {
	mu      sync.Mutex
	batches []string
	updates []ledger.CardUpdate
	err     error
}

func (n *recordingNotifier) BalancesUpdated(_ context.Context, batchID string, updates []ledger.CardUpdate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.batches = append(n.batches, batchID)
	n.updates = append(n.updates, updates...)
	return n.err
}

// =============================================================================
// BATCH APPLICATION
// =============================================================================

func TestApplyBatch_UnknownCard_OtherCardsUnaffected(t *testing.T) {
	// GIVEN: one existing card
	// WHEN: a per-card batch has one item for a missing card and one valid item
	// THEN: the valid card updates, the missing one reports not found
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	mem.Seed("1111", timeline(t, entry("2023-04-12", 110), entry("2023-04-10", 100)))

	result, err := engine.ApplyBatch(ctx, []ledger.Transaction{
		tx("9999", "2023-04-10", 50),
		tx("1111", "2023-04-10", 10),
	}, engineToday, ledger.ModePerCard)
	require.NoError(t, err)

	assert.ErrorIs(t, result.Items[0].Err, ledger.ErrCardNotFound)
	assert.False(t, result.Items[0].Applied)
	assert.NoError(t, result.Items[1].Err)
	assert.True(t, result.Items[1].Applied)

	assertEntries(t, loadEntries(t, mem, "1111"),
		entry("2023-04-12", 120),
		entry("2023-04-11", 110),
		entry("2023-04-10", 100),
	)
}

func TestApplyBatch_AllOrNothing_RejectsWholeBatch(t *testing.T) {
	// GIVEN: one existing card
	// WHEN: the default mode sees one failing item
	// THEN: nothing is persisted and ErrBatchRejected is returned with the result
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	seed := timeline(t, entry("2023-04-12", 110), entry("2023-04-10", 100))
	mem.Seed("1111", seed)

	result, err := engine.ApplyBatch(ctx, []ledger.Transaction{
		tx("1111", "2023-04-10", 10),
		tx("9999", "2023-04-10", 50),
	}, engineToday, ledger.ModeAllOrNothing)

	require.ErrorIs(t, err, ledger.ErrBatchRejected)
	require.NotNil(t, result)
	assert.Len(t, result.Failed(), 1)
	assert.Equal(t, 0, result.AppliedCount())
	assert.True(t, seed.Equal(loadEntries(t, mem, "1111")))
}

func TestApplyBatch_PerCard_FailingItemSkipsItsCard(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	mem.Seed("1111", ledger.NewTimeline(day("2023-04-01"), dec(0)))
	mem.Seed("2222", ledger.NewTimeline(day("2023-04-01"), dec(0)))

	result, err := engine.ApplyBatch(ctx, []ledger.Transaction{
		tx("1111", "2023-04-05", 10),
		tx("1111", "2023-05-01", 10), // future-dated
		tx("2222", "2023-04-05", 7),
	}, engineToday, ledger.ModePerCard)
	require.NoError(t, err)

	assert.ErrorIs(t, result.Items[0].Err, ledger.ErrCardSkipped)
	assert.ErrorIs(t, result.Items[1].Err, ledger.ErrInvalidTransaction)
	assert.NoError(t, result.Items[2].Err)

	assert.Equal(t, 1, loadEntries(t, mem, "1111").Len(), "skipped card must be untouched")
	assert.True(t, loadEntries(t, mem, "2222").Current(engineToday).Equal(dec(7)))

	require.Len(t, result.Cards, 2)
	assert.False(t, result.Cards[0].Committed)
	assert.True(t, result.Cards[1].Committed)
	assert.True(t, result.Cards[1].Balance.Equal(dec(7)))
}

func TestApplyBatch_SameCard_AppliedInOrderAndAnchored(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	mem.Seed("1111", timeline(t, entry("2023-04-10", 100)))

	result, err := engine.ApplyBatch(ctx, []ledger.Transaction{
		tx("1111", "2023-04-10", 10),
		tx("1111", "2023-04-08", -5),
		tx("1111", "2023-04-11", 1),
	}, engineToday, ledger.ModeAllOrNothing)
	require.NoError(t, err)

	tl := loadEntries(t, mem, "1111")
	assertSorted(t, tl)
	assert.True(t, tl.First().Day.Equal(engineToday))
	assert.True(t, tl.Current(engineToday).Equal(dec(106)))
	assert.True(t, result.Cards[0].Balance.Equal(dec(106)))
	assert.NotEmpty(t, result.BatchID)
}

func TestApplyBatch_EmptyBatch(t *testing.T) {
	engine, _ := newTestEngine(t, nil)

	_, err := engine.ApplyBatch(context.Background(), nil, engineToday, ledger.ModeAllOrNothing)

	assert.ErrorIs(t, err, ledger.ErrEmptyBatch)
}

func TestApplyBatch_InvalidItems(t *testing.T) {
	tests := []struct {
		name   string
		tx     ledger.Transaction
		reason string
	}{
		{"missing card", ledger.Transaction{Day: day("2023-04-01"), Amount: dec(1)}, "missing credit card number"},
		{"missing day", ledger.Transaction{Card: "1111", Amount: dec(1)}, "missing transaction day"},
		{"future dated", tx("1111", "2023-04-13", 1), "1 day(s) after today 2023-04-12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, mem := newTestEngine(t, nil)
			mem.Seed("1111", ledger.NewTimeline(day("2023-04-01"), dec(0)))

			result, err := engine.ApplyBatch(context.Background(), []ledger.Transaction{tt.tx}, engineToday, ledger.ModeAllOrNothing)

			require.ErrorIs(t, err, ledger.ErrBatchRejected)
			var invalid *ledger.InvalidTransactionError
			require.True(t, errors.As(result.Items[0].Err, &invalid))
			assert.Equal(t, 0, invalid.Index)
			assert.Contains(t, invalid.Reason, tt.reason)
		})
	}
}

func TestApplyBatch_NotifiesCommittedCards(t *testing.T) {
	ctx := context.Background()
	n := &recordingNotifier{}
	engine, mem := newTestEngine(t, n)
	mem.Seed("1111", ledger.NewTimeline(day("2023-04-01"), dec(0)))

	result, err := engine.ApplyBatch(ctx, []ledger.Transaction{tx("1111", "2023-04-05", 25)}, engineToday, ledger.ModePerCard)
	require.NoError(t, err)

	require.Len(t, n.updates, 1)
	assert.Equal(t, result.BatchID, n.batches[0])
	assert.Equal(t, ledger.CardNumber("1111"), n.updates[0].Card)
	assert.True(t, n.updates[0].Balance.Equal(dec(25)))
	assert.True(t, n.updates[0].Entries[0].Day.Equal(engineToday))
}

func TestApplyBatch_NotifierFailure_DoesNotRollBack(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, &recordingNotifier{err: errors.New("broker down")})
	mem.Seed("1111", ledger.NewTimeline(day("2023-04-01"), dec(0)))

	_, err := engine.ApplyBatch(ctx, []ledger.Transaction{tx("1111", "2023-04-05", 25)}, engineToday, ledger.ModeAllOrNothing)
	require.NoError(t, err)

	assert.True(t, loadEntries(t, mem, "1111").Current(engineToday).Equal(dec(25)))
}

func TestApplyBatch_ConcurrentBatches_SameCard_NoLostUpdates(t *testing.T) {
	// GIVEN: one card
	// WHEN: many batches hit it concurrently
	// THEN: every amount lands exactly once
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	mem.Seed("1111", ledger.NewTimeline(day("2023-01-01"), dec(0)))
	mem.Seed("2222", ledger.NewTimeline(day("2023-01-01"), dec(0)))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d := fmt.Sprintf("2023-03-%02d", i+1)
			_, err := engine.ApplyBatch(ctx, []ledger.Transaction{
				tx("1111", d, 1),
				tx("2222", d, 2),
			}, engineToday, ledger.ModeAllOrNothing)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.True(t, loadEntries(t, mem, "1111").Current(engineToday).Equal(dec(workers)))
	assert.True(t, loadEntries(t, mem, "2222").Current(engineToday).Equal(dec(2*workers)))
	assertSorted(t, loadEntries(t, mem, "1111"))
}

// emptyTimelineStore hands out an empty timeline for card "0000" and delegates
// everything else to an in-memory store. It counts save calls.
type emptyTimelineStore struct {
	*store.Memory
	mu    sync.Mutex
	saves int
}

func (s *emptyTimelineStore) LoadTimeline(ctx context.Context, card ledger.CardNumber) (*ledger.Timeline, error) {
	if card == "0000" {
		return &ledger.Timeline{}, nil
	}
	return s.Memory.LoadTimeline(ctx, card)
}

func (s *emptyTimelineStore) SaveTimelines(ctx context.Context, timelines map[ledger.CardNumber]*ledger.Timeline) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	return s.Memory.SaveTimelines(ctx, timelines)
}

func TestApplyBatch_EmptyTimeline_AbortsWithoutPersisting(t *testing.T) {
	for _, mode := range []ledger.BatchMode{ledger.ModeAllOrNothing, ledger.ModePerCard} {
		t.Run(mode.String(), func(t *testing.T) {
			// GIVEN: a healthy card and a card whose stored timeline is empty
			ctx := context.Background()
			st := &emptyTimelineStore{Memory: store.NewMemory()}
			st.Seed("1111", ledger.NewTimeline(day("2023-04-01"), dec(10)))
			n := &recordingNotifier{}
			engine := ledger.NewEngine(st, ledger.Options{Notifier: n, Parallelism: 2})

			// WHEN: a batch touches both
			result, err := engine.ApplyBatch(ctx, []ledger.Transaction{
				tx("1111", "2023-04-05", 5),
				tx("0000", "2023-04-05", 7),
			}, engineToday, mode)

			// THEN: the batch fails loudly with the offending card named
			require.Error(t, err)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, ledger.ErrInvariantViolation))
			var iv *ledger.InvariantViolationError
			require.True(t, errors.As(err, &iv))
			assert.Equal(t, ledger.CardNumber("0000"), iv.Card)
			assert.False(t, ledger.IsClientError(err))

			// AND: nothing was saved or announced, even for the healthy card
			assert.Equal(t, 0, st.saves)
			assert.Empty(t, n.batches)
			assert.True(t, loadEntries(t, st.Memory, "1111").Current(engineToday).Equal(dec(10)))
		})
	}
}

// =============================================================================
// READS AND MAINTENANCE
// =============================================================================

func TestTimeline_AnchorsViewWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	mem.Seed("1111", timeline(t, entry("2023-04-10", 100)))

	view, err := engine.Timeline(ctx, "1111", engineToday)
	require.NoError(t, err)

	assert.Equal(t, 2, view.Len())
	assert.Equal(t, 1, loadEntries(t, mem, "1111").Len())

	balance, err := engine.CurrentBalance(ctx, "1111", engineToday)
	require.NoError(t, err)
	assert.True(t, balance.Equal(decimal.NewFromInt(100)))

	_, err = engine.CurrentBalance(ctx, "nope", engineToday)
	assert.ErrorIs(t, err, ledger.ErrCardNotFound)
}

func TestReanchor_PersistsOnlyChangedTimelines(t *testing.T) {
	ctx := context.Background()
	engine, mem := newTestEngine(t, nil)
	mem.Seed("1111", timeline(t, entry("2023-04-10", 100)))
	mem.Seed("2222", timeline(t, entry("2023-04-12", 5)))

	n, err := engine.Reanchor(ctx, nil, engineToday)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assertEntries(t, loadEntries(t, mem, "1111"), entry("2023-04-12", 100), entry("2023-04-10", 100))

	// second pass is a no-op
	n, err = engine.Reanchor(ctx, nil, engineToday)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
