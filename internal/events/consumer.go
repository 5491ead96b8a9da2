package events

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/npezzotti/go-groupchat/internal/types"
	"github.com/segmentio/kafka-go"
)

// ExternalNotification is the record other services write to the
// notification topic, e.g. when a group match is made or an event reminder
// is due.
type ExternalNotification struct {
	UserIds []int           `json:"user_ids"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Notifier persists a notification and pushes it to the participant.
type Notifier interface {
	Notify(ctx context.Context, userId int, typ string, data json.RawMessage) (types.Notification, error)
}

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type NotificationConsumer struct {
	r        reader
	notifier Notifier
	log      *log.Logger
}

func NewNotificationConsumer(brokers []string, topic, groupId string, notifier Notifier, logger *log.Logger) *NotificationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupId,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	return &NotificationConsumer{r: r, notifier: notifier, log: logger}
}

func validNotificationType(typ string) bool {
	switch typ {
	case types.NotificationGroupMatch, types.NotificationReminder, types.NotificationNewMessage:
		return true
	}
	return false
}

// Run consumes until ctx is cancelled. Records are committed after they have
// been routed; malformed records are logged and skipped.
func (c *NotificationConsumer) Run(ctx context.Context) {
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			c.log.Printf("notification consumer: fetch: %v, retrying in 1s", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		c.handle(ctx, m)

		if err := c.r.CommitMessages(ctx, m); err != nil {
			c.log.Printf("notification consumer: commit offset %d: %v", m.Offset, err)
		}
	}
}

func (c *NotificationConsumer) handle(ctx context.Context, m kafka.Message) {
	var ext ExternalNotification
	if err := json.Unmarshal(m.Value, &ext); err != nil {
		c.log.Printf("notification consumer: unmarshal offset %d: %v", m.Offset, err)
		return
	}

	if !validNotificationType(ext.Type) {
		c.log.Printf("notification consumer: unknown type %q", ext.Type)
		return
	}

	for _, userId := range ext.UserIds {
		if _, err := c.notifier.Notify(ctx, userId, ext.Type, ext.Data); err != nil {
			c.log.Printf("notification consumer: notify user %d: %v", userId, err)
		}
	}
}

func (c *NotificationConsumer) Close() error {
	return c.r.Close()
}
