// Package kafka sends balance events to a Kafka topic.
package kafka

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/warp/card-ledger/events"
)

// DefaultTopic is used when no topic is configured.
const DefaultTopic = "card_balance_updated"

type Sender struct {
	writer *kafka.Writer
}

var _ events.Sender = (*Sender)(nil)

func NewSender(brokers []string, topic string) *Sender {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Sender{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// Send writes all events in one call. Keyed by card number so a card's
// events stay ordered within a partition.
func (s *Sender) Send(ctx context.Context, evts []events.BalanceUpdated) error {
	msgs, err := messages(evts)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, msgs...)
}

func (s *Sender) Close() error {
	return s.writer.Close()
}

func messages(evts []events.BalanceUpdated) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(evts))
	for _, e := range evts {
		data, err := e.ToJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.CardNumber),
			Value: data,
			Headers: []kafka.Header{
				{Key: "type", Value: []byte(e.Type)},
				{Key: "batch_id", Value: []byte(e.BatchID)},
			},
		})
	}
	return msgs, nil
}
