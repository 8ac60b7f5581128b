package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/localdirectory/guardian/audit"
	"github.com/localdirectory/guardian/models"
)

type Producer struct {
	writer *kafka.Writer
	source string
}

func NewProducer(brokers []string, topic, source string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}

	return &Producer{writer: writer, source: source}
}

// Publish writes one event. It satisfies the audit engine's EventSink.
func (p *Producer) Publish(ctx context.Context, event *models.SecurityEvent) error {
	data, err := encodeEvent(event, p.source)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   partitionKey(event),
		Value: data,
		Time:  event.Timestamp,
	}

	return p.writer.WriteMessages(ctx, msg)
}

// PublishBatch writes events in one call; the audit sink worker uses it when
// events queue up.
func (p *Producer) PublishBatch(ctx context.Context, events []*models.SecurityEvent) error {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		data, err := encodeEvent(event, p.source)
		if err != nil {
			return err
		}
		messages[i] = kafka.Message{
			Key:   partitionKey(event),
			Value: data,
			Time:  event.Timestamp,
		}
	}
	return p.writer.WriteMessages(ctx, messages...)
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

var _ audit.BatchSink = (*Producer)(nil)
