package messaging

import (
	"context"
	"errors"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

var consumerTracer = otel.Tracer("messaging/consumer")

type ConsumerOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// Consume runs the single worker group for kind's queue until ctx is done.
// Offsets are committed only once the processor says the message is settled.
func (b *KafkaBus) Consume(ctx context.Context, kind jobs.Kind, h Handler) error {
	topic := kind.Queue()
	groupID := b.groupID + "." + topic

	cfg := kafka.ReaderConfig{
		Brokers: b.brokers,
		Topic:   topic,
		GroupID: groupID,
	}
	for _, opt := range b.readerOpt {
		opt(&cfg)
	}

	reader := kafka.NewReader(cfg)
	defer func() { _ = reader.Close() }()

	b.logger.Info("consuming queue", "queue", topic, "group_id", groupID)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := b.processMessage(ctx, groupID, msg, h); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (b *KafkaBus) processMessage(ctx context.Context, groupID string, msg kafka.Message, h Handler) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, newHeaderCarrier(&msg))

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+msg.Topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(msg.Topic),
			semconv.MessagingKafkaConsumerGroup(groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	if err := b.processor.Process(spanCtx, msg.Topic, string(msg.Key), msg.Value, h); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}
