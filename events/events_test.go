package events_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/card-ledger/events"
	"github.com/warp/card-ledger/ledger"
)

type fakeSender struct {
	sent []events.BalanceUpdated
	err  error
}

func (f *fakeSender) Send(_ context.Context, evts []events.BalanceUpdated) error {
	f.sent = append(f.sent, evts...)
	return f.err
}

func (f *fakeSender) Close() error { return nil }

func update() ledger.CardUpdate {
	today := ledger.MustParseDay("2023-04-12")
	return ledger.CardUpdate{
		Card:    "4111",
		Today:   today,
		Balance: decimal.RequireFromString("120.50"),
		Entries: []ledger.Entry{
			{Day: today, Balance: decimal.RequireFromString("120.50")},
			{Day: today.AddDays(-2), Balance: decimal.NewFromInt(100)},
		},
	}
}

func TestBalanceUpdated_JSON(t *testing.T) {
	evt := events.NewBalanceUpdated("batch-1", update(), ledger.MustParseDay("2023-04-12").Time())

	data, err := evt.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"credit_card_number":"4111"`)
	assert.Contains(t, string(data), `"balance":"120.5"`)

	parsed, err := events.BalanceUpdatedFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, evt.ID, parsed.ID)
	assert.Equal(t, events.TypeBalanceUpdated, parsed.Type)
	require.Len(t, parsed.Entries, 2)
	assert.Equal(t, "2023-04-10", parsed.Entries[1].Day)
	assert.True(t, parsed.Balance.Equal(decimal.RequireFromString("120.5")))
}

func TestPublisher_SendsOneEventPerCard(t *testing.T) {
	sender := &fakeSender{}
	pub := events.NewPublisher(sender, nil)

	err := pub.BalancesUpdated(context.Background(), "batch-1", []ledger.CardUpdate{update(), update()})
	require.NoError(t, err)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "batch-1", sender.sent[0].BatchID)
	assert.NotEqual(t, sender.sent[0].ID, sender.sent[1].ID)
}

func TestPublisher_WrapsSenderError(t *testing.T) {
	boom := errors.New("broker down")
	pub := events.NewPublisher(&fakeSender{err: boom}, nil)

	err := pub.BalancesUpdated(context.Background(), "batch-1", []ledger.CardUpdate{update()})

	assert.ErrorIs(t, err, boom)
}

func TestPublisher_NilSenderLogsOnly(t *testing.T) {
	pub := events.NewPublisher(nil, nil)

	assert.NoError(t, pub.BalancesUpdated(context.Background(), "batch-1", []ledger.CardUpdate{update()}))
	assert.NoError(t, pub.Close())
}
