package kafka

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/boddenberg/ledgerlink-go/internal/domain"
	"github.com/boddenberg/ledgerlink-go/internal/infra/observability"
	"github.com/boddenberg/ledgerlink-go/internal/infra/resilience"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Headers set on dead-lettered messages.
const (
	HeaderError           = "x-error"
	HeaderAttempts        = "x-attempts"
	HeaderOriginTopic     = "x-origin-topic"
	HeaderOriginPartition = "x-origin-partition"
	HeaderOriginOffset    = "x-origin-offset"
)

// MessageReader is the subset of *kafkago.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NewReader creates a consumer-group reader for topic. Offsets are committed
// explicitly once a message is handled.
func NewReader(brokers []string, groupID, topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafkago.FirstOffset,
	})
}

// MessageHandler processes one message payload.
type MessageHandler interface {
	HandleMessage(ctx context.Context, payload []byte) error
}

// ConsumerConfig bounds in-place retries of a failing message.
type ConsumerConfig struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Consumer reads messages one at a time, so messages sharing a partition are
// handled in order. A message that keeps failing is moved to the dead letter
// topic before its offset is committed.
type Consumer struct {
	reader  MessageReader
	dlq     MessageWriter
	handler MessageHandler
	cfg     ConsumerConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	running atomic.Bool
}

// NewConsumer creates a Consumer.
func NewConsumer(reader MessageReader, dlq MessageWriter, handler MessageHandler, cfg ConsumerConfig, metrics *observability.Metrics, logger *zap.Logger) *Consumer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		reader:  reader,
		dlq:     dlq,
		handler: handler,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
	}
}

// Running reports whether the fetch loop is active.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes until ctx is cancelled or a message can neither be handled
// nor dead-lettered. Uncommitted messages are redelivered after a restart.
func (c *Consumer) Run(ctx context.Context) error {
	c.running.Store(true)
	defer c.running.Store(false)

	c.logger.Info("consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			c.logger.Error("consumer: fetch failed", zap.Error(err))
			return err
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped before commit",
					zap.Int("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
				)
				return nil
			}
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("consumer: commit failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			return err
		}
	}
}

// process handles msg, retrying in place. It returns nil once the message
// may be committed.
func (c *Consumer) process(ctx context.Context, msg kafkago.Message) error {
	ctx, span := tracer.Start(ctx, "Kafka.Consume")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.key", string(msg.Key)),
		attribute.Int("messaging.partition", msg.Partition),
		attribute.Int64("messaging.offset", msg.Offset),
	)

	attempts := 0
	retryCfg := resilience.Config{
		MaxRetries:     c.cfg.MaxAttempts - 1,
		InitialBackoff: c.cfg.RetryBackoff,
	}
	err := resilience.RetryWithBackoff(ctx, retryCfg, func() error {
		attempts++
		err := c.handler.HandleMessage(ctx, msg.Value)
		if err == nil {
			return nil
		}
		c.logger.Warn("consumer: message handling failed",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		var validation *domain.ErrValidation
		if errors.As(err, &validation) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err == nil {
		c.metrics.IncrMessage("processed")
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var validation *domain.ErrValidation
	if errors.As(err, &validation) {
		c.metrics.IncrMessage("malformed")
	} else {
		c.metrics.IncrMessage("failed")
	}
	return c.deadLetter(ctx, msg, attempts, err)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafkago.Message, attempts int, cause error) error {
	dead := kafkago.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(append([]kafkago.Header{}, msg.Headers...),
			kafkago.Header{Key: HeaderError, Value: []byte(cause.Error())},
			kafkago.Header{Key: HeaderAttempts, Value: []byte(strconv.Itoa(attempts))},
			kafkago.Header{Key: HeaderOriginTopic, Value: []byte(msg.Topic)},
			kafkago.Header{Key: HeaderOriginPartition, Value: []byte(strconv.Itoa(msg.Partition))},
			kafkago.Header{Key: HeaderOriginOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		),
	}
	if err := c.dlq.WriteMessages(ctx, dead); err != nil {
		c.logger.Error("consumer: dead letter write failed, stopping without commit",
			zap.String("key", string(msg.Key)),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		return &domain.ErrExternalService{Service: "kafka/dead-letter", Err: err}
	}

	c.metrics.IncrMessage("dead_lettered")
	c.logger.Error("consumer: message dead-lettered",
		zap.String("key", string(msg.Key)),
		zap.Int64("offset", msg.Offset),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	return nil
}
