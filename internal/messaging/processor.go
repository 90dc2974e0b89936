package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

// Handler processes one job. Returning nil acknowledges it; a Permanent error
// dead-letters it immediately; anything else is retried.
type Handler func(ctx context.Context, job jobs.Job) error

// DeadLetter is a job that will not be processed again without operator action.
type DeadLetter struct {
	JobID    string
	Queue    string
	Kind     string
	Key      string
	Envelope []byte
	Error    string
	Attempts int
	FailedAt time.Time
}

type DeadLetterSink interface {
	Record(ctx context.Context, dl DeadLetter) error
}

type Alerter interface {
	Alert(ctx context.Context, dl DeadLetter)
}

// Processor runs a handler over one raw message with retries and dead-lettering.
// It is transport independent; KafkaBus feeds it fetched messages.
type Processor struct {
	policy  RetryPolicy
	sink    DeadLetterSink
	alerter Alerter
	clock   clock.Clock
	logger  *slog.Logger

	processed    metric.Int64Counter
	retried      metric.Int64Counter
	deadLettered metric.Int64Counter
}

func NewProcessor(policy RetryPolicy, sink DeadLetterSink, alerter Alerter, clk clock.Clock, logger *slog.Logger) *Processor {
	meter := otel.Meter("github.com/joao-fontenele/courier-dispatch/internal/messaging")
	processed, _ := meter.Int64Counter("dispatch.jobs.processed",
		metric.WithDescription("Jobs acknowledged after successful processing"))
	retried, _ := meter.Int64Counter("dispatch.jobs.retried",
		metric.WithDescription("Handler attempts that failed and were retried"))
	deadLettered, _ := meter.Int64Counter("dispatch.jobs.dead_lettered",
		metric.WithDescription("Jobs moved to the dead-letter store"))

	return &Processor{
		policy:       policy,
		sink:         sink,
		alerter:      alerter,
		clock:        clk,
		logger:       logger.With("component", "job_processor"),
		processed:    processed,
		retried:      retried,
		deadLettered: deadLettered,
	}
}

// Process decodes raw and runs h on it. A nil return means the message may be
// acknowledged: it either succeeded or was durably dead-lettered. A non-nil
// return means it must be redelivered.
func (p *Processor) Process(ctx context.Context, queue, key string, raw []byte, h Handler) error {
	queueAttr := metric.WithAttributes(attribute.String("queue", queue))

	job, err := jobs.Decode(raw)
	if err != nil {
		return p.deadLetter(ctx, DeadLetter{
			Queue:    queue,
			Kind:     queue,
			Key:      key,
			Envelope: raw,
			Error:    err.Error(),
			FailedAt: p.clock.Now(),
		})
	}

	logger := p.logger.With("queue", queue, "job_id", job.ID, "kind", job.Kind)

	attempts, err := p.policy.Run(ctx, func(ctx context.Context) error {
		return h(ctx, job)
	}, func(err error, attempt int, wait time.Duration) {
		p.retried.Add(ctx, 1, queueAttr)
		logger.Warn("job attempt failed, retrying", "error", err, "attempt", attempt, "backoff", wait)
	})
	if err == nil {
		p.processed.Add(ctx, 1, queueAttr)
		return nil
	}

	if ctx.Err() != nil {
		// Shutting down mid-job: leave it unacknowledged so it is redelivered.
		return ctx.Err()
	}

	return p.deadLetter(ctx, DeadLetter{
		JobID:    job.ID,
		Queue:    queue,
		Kind:     string(job.Kind),
		Key:      key,
		Envelope: raw,
		Error:    err.Error(),
		Attempts: attempts,
		FailedAt: p.clock.Now(),
	})
}

func (p *Processor) deadLetter(ctx context.Context, dl DeadLetter) error {
	if err := p.sink.Record(ctx, dl); err != nil {
		return fmt.Errorf("record dead letter for %s job %s: %w", dl.Queue, dl.JobID, err)
	}

	p.deadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("queue", dl.Queue)))
	p.alerter.Alert(ctx, dl)
	return nil
}
