package kafka

import (
	"context"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/models"
)

type Consumer struct {
	reader  *kafka.Reader
	handler EventHandler
	logger  *zap.Logger
}

type EventHandler interface {
	HandleSecurityEvent(ctx context.Context, env *Envelope) error
}

func NewConsumer(brokers []string, topic, groupID string, handler EventHandler, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})

	return &Consumer{
		reader:  reader,
		handler: handler,
		logger:  logger.Named("kafka.consumer"),
	}
}

// Start consumes in the background. Offsets are committed only after the
// handler succeeds, so failed events are redelivered.
func (c *Consumer) Start(ctx context.Context) {
	go func() {
		for {
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("error reading message", zap.Error(err))
				continue
			}

			if err := c.process(ctx, msg.Value); err != nil {
				c.logger.Error("error handling event",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				if !isPoison(err) {
					continue
				}
			}

			if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
				c.logger.Warn("failed to commit offset", zap.Error(err))
			}
		}
	}()
}

type poisonError struct{ error }

func isPoison(err error) bool {
	_, ok := err.(poisonError)
	return ok
}

func (c *Consumer) process(ctx context.Context, data []byte) error {
	env, err := decodeEvent(data)
	if err != nil {
		// undecodable messages are skipped
		return poisonError{err}
	}
	return c.handler.HandleSecurityEvent(ctx, env)
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// EventStore is where the archiver writes events.
type EventStore interface {
	Create(ctx context.Context, ev *models.SecurityEvent) error
}

// Archiver persists consumed events.
type Archiver struct {
	store  EventStore
	logger *zap.Logger
}

func NewArchiver(store EventStore, logger *zap.Logger) *Archiver {
	return &Archiver{store: store, logger: logger.Named("kafka.archiver")}
}

func (a *Archiver) HandleSecurityEvent(ctx context.Context, env *Envelope) error {
	if err := a.store.Create(ctx, &env.Event); err != nil {
		return err
	}
	a.logger.Debug("security event archived",
		zap.String("event_id", env.Event.ID),
		zap.String("type", string(env.Event.EventType)),
		zap.String("source", env.Source))
	return nil
}
