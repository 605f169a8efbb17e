// Package store provides ledger.TimelineStore implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/card-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu        sync.RWMutex
	timelines map[ledger.CardNumber][]ledger.Entry
}

func NewMemory() *Memory {
	return &Memory{
		timelines: make(map[ledger.CardNumber][]ledger.Entry),
	}
}

// Seed registers a card with its initial timeline, replacing any existing one.
func (m *Memory) Seed(card ledger.CardNumber, tl *ledger.Timeline) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timelines[card] = tl.Entries()
}

// LoadTimeline returns a copy of the stored timeline.
func (m *Memory) LoadTimeline(_ context.Context, card ledger.CardNumber) (*ledger.Timeline, error) {
	m.mu.RLock()
	entries, ok := m.timelines[card]
	m.mu.RUnlock()
	if !ok {
		return nil, &ledger.CardNotFoundError{Card: card}
	}
	return ledger.FromEntries(entries)
}

// SaveTimelines replaces the given timelines atomically.
func (m *Memory) SaveTimelines(_ context.Context, timelines map[ledger.CardNumber]*ledger.Timeline) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check everything first (atomic check)
	for card, tl := range timelines {
		if _, ok := m.timelines[card]; !ok {
			return &ledger.CardNotFoundError{Card: card}
		}
		if err := tl.Validate(); err != nil {
			return err
		}
	}

	// Write all (atomic write)
	for card, tl := range timelines {
		m.timelines[card] = tl.Entries()
	}
	return nil
}

// ListCardNumbers returns every stored card, sorted.
func (m *Memory) ListCardNumbers(_ context.Context) ([]ledger.CardNumber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cards := make([]ledger.CardNumber, 0, len(m.timelines))
	for c := range m.timelines {
		cards = append(cards, c)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i] < cards[j] })
	return cards, nil
}
