package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ruralpay/creditcore/internal/models"
	skafka "github.com/segmentio/kafka-go"
)

// Writer defines the subset of segmentio kafka.Writer we need.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...skafka.Message) error
	Close() error
}

// KafkaPublisher exports updates to a topic keyed by account id, so a
// partition sees one account's updates in commit order.
type KafkaPublisher struct {
	writer Writer
}

func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	w := &skafka.Writer{
		Addr:         skafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &skafka.Hash{},
		RequiredAcks: skafka.RequireOne,
	}
	return &KafkaPublisher{writer: w}
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, update models.BalanceUpdate) error {
	b, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal balance update: %w", err)
	}
	msg := skafka.Message{
		Key:   []byte(update.AccountID),
		Value: b,
		Headers: []skafka.Header{
			{Key: "update_type", Value: []byte(update.UpdateType)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
