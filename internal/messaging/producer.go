package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

var producerTracer = otel.Tracer("messaging/producer")

// KafkaBus is the JobBus backed by Kafka: one topic per queue and one consumer
// group per queue.
type KafkaBus struct {
	brokers   []string
	groupID   string
	writer    *kafka.Writer
	processor *Processor
	clock     clock.Clock
	logger    *slog.Logger
	readerOpt []ConsumerOption
}

func NewKafkaBus(brokers []string, groupID string, processor *Processor, clk clock.Clock, logger *slog.Logger, opts ...ConsumerOption) *KafkaBus {
	return &KafkaBus{
		brokers: brokers,
		groupID: groupID,
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           50 * time.Millisecond,
			RequiredAcks:           kafka.RequireAll,
		},
		processor: processor,
		clock:     clk,
		logger:    logger.With("component", "kafka_bus"),
		readerOpt: opts,
	}
}

// Enqueue appends a job to the queue named by the payload's kind.
func (b *KafkaBus) Enqueue(ctx context.Context, p jobs.Payload) error {
	env, err := jobs.New(p, b.clock.Now())
	if err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", env.Kind, err)
	}

	topic := env.Kind.Queue()
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(p.Key()),
		Value: data,
	}

	ctx, span := producerTracer.Start(ctx, "send "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(topic),
			semconv.MessagingKafkaMessageKey(p.Key()),
			semconv.MessagingMessageID(env.ID),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, newHeaderCarrier(&msg))

	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("enqueue %s: %w", topic, err)
	}

	b.logger.Debug("job enqueued", "queue", topic, "job_id", env.ID, "key", p.Key())
	return nil
}

func (b *KafkaBus) Close() error {
	return b.writer.Close()
}
