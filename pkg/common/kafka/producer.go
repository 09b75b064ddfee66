package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/omopwide/pkg/common/logger"
	"github.com/synaptica-ai/omopwide/pkg/common/models"
)

const (
	headerEventType = "event-type"
	headerSource    = "source"
)

// Producer publishes extraction lifecycle events. Messages are keyed by job
// so all events of one job land on the same partition in order.
type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string, topic string) *Producer {
	return &Producer{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

func (p *Producer) PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error {
	event, message, err := encodeEvent(eventType, source, data)
	if err != nil {
		return err
	}
	fields := logrus.Fields{
		"event_id":   event.ID,
		"event_type": eventType,
		"topic":      p.writer.Topic,
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		logger.WithFields(fields).WithError(err).Error("Failed to publish event")
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	logger.WithFields(fields).Debug("Event published")
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

func encodeEvent(eventType, source string, data map[string]interface{}) (models.Event, kafka.Message, error) {
	event := models.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return event, kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	key := event.ID
	if jobID, ok := data["job_id"].(string); ok && jobID != "" {
		key = jobID
	}
	return event, kafka.Message{
		Key:   []byte(key),
		Value: body,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(eventType)},
			{Key: headerSource, Value: []byte(source)},
		},
	}, nil
}
