// Package events connects the chat server to the Kafka event bus: confirmed
// messages are published for downstream consumers and notifications produced
// by other services are consumed and routed to participants.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	PublishMessage(ctx context.Context, msg types.Message) error
	Close() error
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes confirmed messages to a topic keyed by group id, so
// per-group order is kept within a partition.
type KafkaPublisher struct {
	w writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
	}
}

func (p *KafkaPublisher) PublishMessage(ctx context.Context, msg types.Message) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.GroupId),
		Value: value,
		Time:  time.Now(),
	})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// NopPublisher discards every message. It is used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) PublishMessage(context.Context, types.Message) error {
	return nil
}

func (NopPublisher) Close() error {
	return nil
}
