package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/openlot/auctiond/internal/config"
)

// Producer publishes lot messages keyed by lot id.
type Producer interface {
	Publish(ctx context.Context, msg LotMessage) error
	Close() error
}

// Handler processes one delivery to completion. A nil return acknowledges the
// message; an error leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, d *Delivery) error

// KafkaProducer implements Producer on a single topic kafka-go writer.
type KafkaProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaProducer creates a synchronous producer. Writes are acknowledged by
// all in-sync replicas before Publish returns; a bid is never reported as
// queued unless the broker has it.
func NewKafkaProducer(cfg config.KafkaConfig, logger *zap.Logger) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  cfg.MaxRetries,
	}
	return &KafkaProducer{writer: writer, logger: logger}
}

// Publish writes one message keyed by the lot id.
func (p *KafkaProducer) Publish(ctx context.Context, msg LotMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal lot message: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.LotID.String()),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		p.logger.Error("Failed to publish lot message",
			zap.Error(err),
			zap.String("lot_id", msg.LotID.String()),
			zap.String("kind", msg.Kind))
		return fmt.Errorf("failed to publish lot message: %w", err)
	}

	return nil
}

// Close closes the underlying writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads the lot topic as part of a consumer group. Partition
// assignment guarantees a single active consumer per lot partition.
type KafkaConsumer struct {
	reader       *kafka.Reader
	logger       *zap.Logger
	maxRetries   int
	retryBackoff time.Duration
}

// NewKafkaConsumer creates a consumer group member for the lot topic.
func NewKafkaConsumer(cfg config.KafkaConfig, logger *zap.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MaxWait:  cfg.ReadTimeout,
		MaxBytes: 1 << 20,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return &KafkaConsumer{
		reader:       reader,
		logger:       logger,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Run consumes messages until ctx is cancelled. Each message is processed to
// completion before the next fetch; the offset is committed only after the
// handler succeeds, so a crash mid-handler redelivers (at-least-once).
func (c *KafkaConsumer) Run(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return ctx.Err()
			}
			c.logger.Error("Failed to fetch lot message", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryBackoff):
			}
			continue
		}

		var lm LotMessage
		if err := json.Unmarshal(msg.Value, &lm); err != nil {
			// Malformed payloads can never succeed; acknowledge and move on.
			c.logger.Error("Dropping malformed lot message",
				zap.Error(err),
				zap.Int64("offset", msg.Offset))
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.Error("Failed to commit malformed message", zap.Error(err))
			}
			continue
		}

		d := &Delivery{Message: lm, Partition: msg.Partition, Offset: msg.Offset}
		if err := c.handleWithRetry(ctx, d, handler); err != nil {
			// Leave uncommitted; the message redelivers after restart or
			// rebalance. Settlement is unavailable until then, which is the
			// operator-visible failure mode.
			c.logger.Error("Lot message processing failed, leaving unacknowledged",
				zap.Error(err),
				zap.String("lot_id", lm.LotID.String()),
				zap.Int64("offset", msg.Offset))
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Failed to commit lot message",
				zap.Error(err),
				zap.Int64("offset", msg.Offset))
		}
	}
}

// handleWithRetry retries transient handler failures with linear backoff.
func (c *KafkaConsumer) handleWithRetry(ctx context.Context, d *Delivery, handler Handler) error {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		err = handler(ctx, d)
		if err == nil {
			return nil
		}
		if attempt < c.maxRetries {
			c.logger.Warn("Lot message handler failed, retrying",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.String("lot_id", d.Message.LotID.String()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.retryBackoff):
			}
		}
	}
	return fmt.Errorf("lot message processing failed after %d attempts: %w", c.maxRetries, err)
}

// Close closes the underlying reader.
func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
