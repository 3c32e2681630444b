package kafka

import (
	"context"
	"errors"
	"strings"
	"time"

	"tokenrelay/internal/domain"
	"tokenrelay/internal/infrastructure/telemetry"
	"tokenrelay/internal/streaming"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	lockTopicSuffix    = "locks"
	outcomeTopicSuffix = "outcomes"
	defaultTopicPrefix = "tokenrelay"
)

// Producer writes lock events and migration outcomes. Messages are keyed so
// every event of one account lands on the same partition.
type Producer struct {
	writer *kafka.Writer
	topics Topics
	now    func() time.Time
}

type ProducerConfig struct {
	Brokers     []string
	TopicPrefix string
}

type Topics struct {
	Locks    string
	Outcomes string
}

func TopicsFor(prefix string) Topics {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultTopicPrefix
	}
	return Topics{
		Locks:    prefix + "-" + lockTopicSuffix,
		Outcomes: prefix + "-" + outcomeTopicSuffix,
	}
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &Producer{writer: writer, topics: TopicsFor(cfg.TopicPrefix), now: time.Now}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// PublishLock forwards one decoded lock. It has the LockHandler signature so
// the watcher can hand events straight to the broker.
func (p *Producer) PublishLock(ctx context.Context, event domain.LockEvent) error {
	ctx, span := otel.Tracer("tokenrelay/kafka").Start(ctx, "relay.publish_lock", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.Int64("chain.id", int64(event.ChainID)),
		attribute.Int64("block.number", int64(event.BlockNumber)),
		attribute.Int64("log.index", int64(event.LogIndex)),
		attribute.String("tx.hash", event.TxHash),
	)

	msg, err := p.lockMessage(ctx, event)
	if err == nil {
		err = p.writer.WriteMessages(ctx, msg)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Producer) PublishOutcome(ctx context.Context, outcome domain.MigrationOutcome) error {
	ctx, span := otel.Tracer("tokenrelay/kafka").Start(ctx, "relay.publish_outcome", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", outcome.RunID),
		attribute.String("migration.phase", string(outcome.Phase)),
	)

	msg, err := p.outcomeMessage(ctx, outcome)
	if err == nil {
		err = p.writer.WriteMessages(ctx, msg)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Producer) lockMessage(ctx context.Context, event domain.LockEvent) (kafka.Message, error) {
	msg := streaming.LockMessage(event)
	return p.build(ctx, p.topics.Locks, event.DestinationAccount, msg)
}

func (p *Producer) outcomeMessage(ctx context.Context, outcome domain.MigrationOutcome) (kafka.Message, error) {
	msg := streaming.OutcomeMessage(outcome)
	return p.build(ctx, p.topics.Outcomes, outcome.Request.DestinationAccount, msg)
}

func (p *Producer) build(ctx context.Context, topic, key string, msg streaming.Message) (kafka.Message, error) {
	if spanCtx := trace.SpanContextFromContext(ctx); spanCtx.HasTraceID() {
		msg.TraceID = spanCtx.TraceID().String()
	}
	msg.Produced = p.now().UTC()
	payload, err := streaming.Encode(msg)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := make([]kafka.Header, 0, 2)
	telemetry.InjectKafkaHeaders(ctx, &headers)
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: headers,
	}, nil
}
