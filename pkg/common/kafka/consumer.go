package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
)

type Consumer struct {
	reader *kafka.Reader
}

type EventHandler func(ctx context.Context, event models.Event) error

func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	return &Consumer{reader: kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})}
}

// Consume blocks until ctx is cancelled. Messages that fail to decode are
// committed and skipped; handler failures are left uncommitted for redelivery.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		message, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			logger.Log.WithError(err).Error("Failed to fetch message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		event, err := decodeEvent(message)
		if err != nil {
			logger.WithField("offset", message.Offset).WithError(err).Error("Dropping undecodable message")
			c.commit(ctx, message)
			continue
		}

		if err := handler(ctx, event); err != nil {
			logger.WithField("event_id", event.ID).WithError(err).Error("Failed to process event")
			continue
		}
		c.commit(ctx, message)
	}
}

func (c *Consumer) commit(ctx context.Context, message kafka.Message) {
	if err := c.reader.CommitMessages(ctx, message); err != nil {
		logger.Log.WithError(err).Error("Failed to commit message")
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// decodeEvent reads the JSON envelope. Producers that only set the type and
// source headers are accepted too.
func decodeEvent(message kafka.Message) (models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return event, fmt.Errorf("unmarshal event: %w", err)
	}
	for _, h := range message.Headers {
		switch {
		case h.Key == headerEventType && event.Type == "":
			event.Type = string(h.Value)
		case h.Key == headerSource && event.Source == "":
			event.Source = string(h.Value)
		}
	}
	if event.Type == "" {
		return event, errors.New("event has no type")
	}
	return event, nil
}
