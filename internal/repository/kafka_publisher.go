package repository

import (
	"context"
	"time"

	"SignalFlow/internal/domain/models"
	domrepo "SignalFlow/internal/domain/repository"
	pkgkafka "SignalFlow/pkg/kafka"
)

// KafkaSignalPublisher implements SignalPublisher for Kafka.
type KafkaSignalPublisher struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaSignalPublisher(producer *pkgkafka.Producer, topic string) *KafkaSignalPublisher {
	return &KafkaSignalPublisher{producer: producer, topic: topic}
}

// PublishEvent keys the message by symbol so a symbol's events stay ordered.
func (p *KafkaSignalPublisher) PublishEvent(ctx context.Context, ev models.SignalEvent) error {
	s := ev.Signal
	return p.producer.PublishBatch(ctx, p.topic, []pkgkafka.Message{{
		Key: []byte(s.Symbol),
		Value: map[string]interface{}{
			"type":        ev.Type,
			"from":        ev.From,
			"t":           ev.Timestamp.UnixMilli(),
			"signal_id":   s.ID,
			"symbol":      s.Symbol,
			"timeframe":   s.Timeframe,
			"direction":   s.Direction,
			"priority":    s.Priority.String(),
			"status":      s.Status,
			"entry":       s.EntryPrice,
			"stop":        s.StopLoss,
			"target":      s.TakeProfit,
			"strength":    s.Strength,
			"patterns":    s.Patterns,
			"valid_until": s.ValidUntil.UTC().Format(time.RFC3339),
		},
		Headers: map[string]string{"event_type": string(ev.Type)},
	}})
}

func (p *KafkaSignalPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// NopSignalPublisher discards events when no broker is configured.
type NopSignalPublisher struct{}

func (NopSignalPublisher) PublishEvent(context.Context, models.SignalEvent) error { return nil }
func (NopSignalPublisher) Close() error                                           { return nil }

var (
	_ domrepo.SignalPublisher = (*KafkaSignalPublisher)(nil)
	_ domrepo.SignalPublisher = NopSignalPublisher{}
)
