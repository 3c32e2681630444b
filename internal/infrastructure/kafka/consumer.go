package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tokenrelay/internal/application"
	"tokenrelay/internal/infrastructure/telemetry"
	"tokenrelay/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ConsumerConfig struct {
	Brokers     []string
	TopicPrefix string
	GroupID     string
	Observer    ConsumerObserver
}

type ConsumerObserver interface {
	ObserveKafkaMessage(topic string, partition int, offset int64, bytes int, ts time.Time)
	IncKafkaDecodeErr()
	IncKafkaCommitErr()
	IncKafkaFetchErr()
}

// LockConsumer is a LockSource backed by the lock topic. An offset is
// committed only after the handler accepted the event.
type LockConsumer struct {
	reader   *kafka.Reader
	observer ConsumerObserver
}

func NewLockConsumer(cfg ConsumerConfig) (*LockConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.GroupID == "" {
		return nil, errors.New("kafka group id is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		GroupID:  cfg.GroupID,
		Topic:    TopicsFor(cfg.TopicPrefix).Locks,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &LockConsumer{reader: reader, observer: cfg.Observer}, nil
}

func (c *LockConsumer) Close() error {
	return c.reader.Close()
}

func (c *LockConsumer) Subscribe(ctx context.Context, handle application.LockHandler) error {
	if handle == nil {
		return errors.New("lock handler must not be nil")
	}
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.observer != nil {
				c.observer.IncKafkaFetchErr()
			}
			return fmt.Errorf("fetch lock message: %w", err)
		}
		if c.observer != nil {
			c.observer.ObserveKafkaMessage(msg.Topic, msg.Partition, msg.Offset, len(msg.Value), msg.Time)
		}
		if err := deliver(ctx, msg, handle, c.observer); err != nil {
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if c.observer != nil {
				c.observer.IncKafkaCommitErr()
			}
			return fmt.Errorf("commit lock offset %d: %w", msg.Offset, err)
		}
	}
}

// deliver decodes one record and passes it on. Undecodable records are logged
// and skipped so a single bad payload cannot stall the partition.
func deliver(ctx context.Context, msg kafka.Message, handle application.LockHandler, observer ConsumerObserver) error {
	ctx = telemetry.ExtractKafkaHeaders(ctx, msg.Headers)
	ctx, span := otel.Tracer("tokenrelay/kafka").Start(ctx, "relay.consume_lock", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.topic", msg.Topic),
		attribute.Int64("messaging.partition", int64(msg.Partition)),
		attribute.Int64("messaging.offset", msg.Offset),
	)

	decoded, err := streaming.Decode(msg.Value)
	if err == nil && decoded.Type != streaming.MessageTypeLock {
		err = fmt.Errorf("unexpected message type %q", decoded.Type)
	}
	if err != nil {
		slog.Warn("skipping undecodable lock message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		span.RecordError(err)
		if observer != nil {
			observer.IncKafkaDecodeErr()
		}
		return nil
	}
	event, err := decoded.LockEvent()
	if err != nil {
		slog.Warn("skipping malformed lock message", "offset", msg.Offset, "err", err)
		span.RecordError(err)
		if observer != nil {
			observer.IncKafkaDecodeErr()
		}
		return nil
	}
	if err := handle(ctx, event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}
