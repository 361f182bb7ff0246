// Package kafka carries source messages between the two services.
package kafka

import (
	"context"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("kafka")

// MessageWriter is the subset of *kafkago.Writer the package uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewWriter creates a writer for topic. Messages are partitioned by key hash
// so every message of a source lands on the same partition, in order.
func NewWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:                   kafkago.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Producer implements port.MessageBus.
type Producer struct {
	writer MessageWriter
	logger *zap.Logger
}

// NewProducer creates a Producer on top of writer.
func NewProducer(writer MessageWriter, logger *zap.Logger) *Producer {
	return &Producer{writer: writer, logger: logger}
}

// Publish writes one keyed message and waits for the broker acknowledgement.
func (p *Producer) Publish(ctx context.Context, key string, payload []byte) error {
	ctx, span := tracer.Start(ctx, "Kafka.Publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.key", key),
		attribute.Int("messaging.payload_size", len(payload)),
	)

	err := p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(key),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		p.logger.Error("kafka: publish failed", zap.String("key", key), zap.Error(err))
		return &domain.ErrExternalService{Service: "kafka", Err: err}
	}
	p.logger.Debug("kafka: message published", zap.String("key", key), zap.Int("bytes", len(payload)))
	return nil
}

// Close flushes pending writes.
func (p *Producer) Close() error {
	return p.writer.Close()
}
