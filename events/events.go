/*
Package events publishes balance-updated notifications after a batch commits.

PURPOSE:
  The engine calls a ledger.Notifier once per committed batch. Publisher
  implements it: it turns every CardUpdate into a BalanceUpdated event and
  hands the events to a Sender (Kafka, AMQP or the log).

DELIVERY:
  Best effort. Events are sent after the store commit; a failed send is
  reported to the engine, which logs it. Consumers must tolerate gaps and
  use the full Entries snapshot rather than diffs.

SEE ALSO:
  - events/kafka: Kafka sender
  - events/amqp: RabbitMQ sender
*/
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/card-ledger/ledger"
)

// TypeBalanceUpdated is the event type carried in every BalanceUpdated.
const TypeBalanceUpdated = "card.balance_updated"

// =============================================================================
// EVENT PAYLOAD
// =============================================================================

// EntryPayload is one timeline entry on the wire.
type EntryPayload struct {
	Day     string          `json:"day"`
	Balance decimal.Decimal `json:"balance"`
}

// BalanceUpdated is emitted for every card committed by a batch.
type BalanceUpdated struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	BatchID    string          `json:"batch_id"`
	CardNumber string          `json:"credit_card_number"`
	Day        string          `json:"day"`
	Balance    decimal.Decimal `json:"balance"`
	Entries    []EntryPayload  `json:"entries"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewBalanceUpdated builds the event for one committed card.
func NewBalanceUpdated(batchID string, u ledger.CardUpdate, now time.Time) BalanceUpdated {
	entries := make([]EntryPayload, len(u.Entries))
	for i, e := range u.Entries {
		entries[i] = EntryPayload{Day: e.Day.String(), Balance: e.Balance}
	}
	return BalanceUpdated{
		ID:         uuid.NewString(),
		Type:       TypeBalanceUpdated,
		BatchID:    batchID,
		CardNumber: string(u.Card),
		Day:        u.Today.String(),
		Balance:    u.Balance,
		Entries:    entries,
		OccurredAt: now.UTC(),
	}
}

// ToJSON converts the event to JSON bytes.
func (e BalanceUpdated) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// BalanceUpdatedFromJSON parses an event.
func BalanceUpdatedFromJSON(data []byte) (*BalanceUpdated, error) {
	var e BalanceUpdated
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("unmarshal balance updated event: %w", err)
	}
	return &e, nil
}

// =============================================================================
// PUBLISHER
// =============================================================================

// Sender delivers a batch of events to a backend.
type Sender interface {
	Send(ctx context.Context, events []BalanceUpdated) error
	Close() error
}

// Publisher implements ledger.Notifier on top of a Sender.
type Publisher struct {
	sender Sender
	logger *slog.Logger
	now    func() time.Time
}

var _ ledger.Notifier = (*Publisher)(nil)

// NewPublisher wraps sender. A nil sender logs events only.
func NewPublisher(sender Sender, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		sender = LogSender{Logger: logger}
	}
	return &Publisher{sender: sender, logger: logger, now: time.Now}
}

// BalancesUpdated sends one event per committed card.
func (p *Publisher) BalancesUpdated(ctx context.Context, batchID string, updates []ledger.CardUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	now := p.now()
	evts := make([]BalanceUpdated, len(updates))
	for i, u := range updates {
		evts[i] = NewBalanceUpdated(batchID, u, now)
	}
	if err := p.sender.Send(ctx, evts); err != nil {
		return fmt.Errorf("publish %d events for batch %s: %w", len(evts), batchID, err)
	}
	p.logger.Debug("balance events published",
		slog.String("batch_id", batchID),
		slog.Int("count", len(evts)),
	)
	return nil
}

// Close closes the underlying sender.
func (p *Publisher) Close() error {
	return p.sender.Close()
}

// =============================================================================
// LOG SENDER
// =============================================================================

// LogSender writes events to the log instead of a broker.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, events []BalanceUpdated) error {
	for _, e := range events {
		s.Logger.InfoContext(ctx, "balance updated",
			slog.String("event_id", e.ID),
			slog.String("batch_id", e.BatchID),
			slog.String("card", e.CardNumber),
			slog.String("day", e.Day),
			slog.String("balance", e.Balance.String()),
		)
	}
	return nil
}

func (s LogSender) Close() error { return nil }
