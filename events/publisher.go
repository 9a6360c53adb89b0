// Package events delivers payment lifecycle events to booking and
// notification consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/MNhat168/sport-zone-sub005/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.PaymentEvent) error
}

// LogPublisher writes events to the log. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPublisher{log: log.With(zap.String("component", "events"))}
}

func (p *LogPublisher) Publish(ctx context.Context, ev models.PaymentEvent) error {
	p.log.Info("payment event",
		zap.String("type", string(ev.Type)),
		zap.String("transaction_id", ev.TransactionID),
		zap.String("user_id", ev.UserID),
		zap.Int64("amount", ev.Amount),
		zap.Time("timestamp", ev.Timestamp),
	)
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher sends JSON events keyed by transaction id so every event of
// one transaction lands on the same partition.
type KafkaPublisher struct {
	w   messageWriter
	log *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *zap.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 10 * time.Second,
	}
	return newKafkaPublisher(w, log)
}

func newKafkaPublisher(w messageWriter, log *zap.Logger) *KafkaPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &KafkaPublisher{w: w, log: log.With(zap.String("component", "events"))}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev models.PaymentEvent) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		p.log.Warn("publish failed", zap.String("type", string(ev.Type)), zap.String("transaction_id", ev.TransactionID), zap.Error(err))
		return fmt.Errorf("events: publish %s: %w", ev.Type, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }

func encode(ev models.PaymentEvent) (kafka.Message, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("events: encode %s: %w", ev.Type, err)
	}
	return kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: body,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}, nil
}
