package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ms-gatekeeper/internal/logger"
	"ms-gatekeeper/internal/models"
)

// publishTimeout bounds how long a single publish may hang on an
// unreachable broker.
const publishTimeout = 5 * time.Second

// Producer streams scan events to a Kafka topic for central analytics.
// Publishing is strictly best-effort: the gate keeps admitting whether or
// not a broker is reachable, and failed publishes are logged and dropped.
type Producer struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewProducer builds a producer for the given brokers and topic.
func NewProducer(brokers []string, topic string, log *logger.Logger) *Producer {
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers: brokers,
		Topic:   topic,
	})
	return &Producer{writer: writer, log: log}
}

// PublishScan sends one scan event keyed by its booking reference.
func (p *Producer) PublishScan(event models.ScanEvent) {
	msgBytes, err := json.Marshal(event)
	if err != nil {
		p.log.Warn(logger.CategoryEvents, fmt.Sprintf("failed to encode scan event: %v", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ReferenceNo),
		Value: msgBytes,
	})
	if err != nil {
		p.log.Warn(logger.CategoryEvents,
			fmt.Sprintf("dropped scan event for %s: %v", event.ReferenceNo, err))
	}
}

// Close flushes and closes the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
