package events

import (
	"context"
	"fmt"
	"time"

	"github.com/safar/shop-checkout/internal/models"
	"github.com/segmentio/kafka-go"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes outbox records to a single topic, keyed by order id
// so that the Hash balancer keeps one order on one partition.
type KafkaPublisher struct {
	w kafkaWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, records []models.OutboxRecord) error {
	msgs := make([]kafka.Message, 0, len(records))
	for _, rec := range records {
		msgs = append(msgs, kafka.Message{
			Key:   []byte(rec.Key),
			Value: rec.Payload,
			Time:  time.Now().UTC(),
			Headers: []kafka.Header{
				{Key: "x-event-id", Value: []byte(rec.EventID)},
				{Key: "x-event-type", Value: []byte(rec.Topic)},
			},
		})
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka: write messages: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
