// Package dispatch drives each order through
// needs_courier -> candidates_notified -> assigned | escalated | cancelled.
// Every state change is a conditional update on the dispatch row's version,
// so replayed or reordered jobs either repeat an already applied step or
// lose the race and do nothing.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
	"github.com/joao-fontenele/courier-dispatch/internal/notify"
	"github.com/joao-fontenele/courier-dispatch/internal/rotation"
)

// Orders is the order subsystem as seen by dispatch. ActiveOrderCounts must
// read the source of truth, never a cache.
type Orders interface {
	Order(ctx context.Context, id string) (domain.Order, error)
	ActiveOrderCounts(ctx context.Context, terminalID string) (map[string]int, error)
	// AssignCourier sets courier_id only if the order has no courier or
	// already has this one.
	AssignCourier(ctx context.Context, orderID, courierID string) (bool, error)
}

type States interface {
	// Ensure inserts d unless a row for d.OrderID exists and returns the stored row.
	Ensure(ctx context.Context, d domain.Dispatch) (domain.Dispatch, error)
	Get(ctx context.Context, orderID string) (domain.Dispatch, error)
	// Apply reports false when the row no longer has t.ExpectedVersion.
	Apply(ctx context.Context, t domain.Transition) (bool, error)
	ListActive(ctx context.Context, limit int) ([]domain.Dispatch, error)

	RecordOffers(ctx context.Context, orderID string, courierIDs []string, at time.Time) error
	AcceptOffer(ctx context.Context, orderID, courierID string, at time.Time) error
	VoidOffers(ctx context.Context, orderID string, at time.Time) error
}

type Reference interface {
	GetOrganization(ctx context.Context, id string) (domain.Organization, error)
	GetOrderStatus(ctx context.Context, id string) (domain.OrderStatus, error)
}

type Rotation interface {
	NextCandidates(ctx context.Context, terminalID string, f rotation.Filter) ([]string, error)
}

type Notifier interface {
	Notify(ctx context.Context, courierIDs []string, n notify.Notification) (notify.Report, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p jobs.Payload) error
}

type Config struct {
	// EscalateAfter is how long a search may stay open without acceptance.
	EscalateAfter time.Duration
	// RecheckInterval spaces re-checks of empty offer rounds; it doubles each time.
	RecheckInterval time.Duration
	MaxRechecks     int
	OfferTitle      string
}

// Outcome is the result of one coordinator step.
type Outcome string

const (
	OutcomeNotified     Outcome = "notified"
	OutcomeNoCandidates Outcome = "no_candidates"
	OutcomeAssigned     Outcome = "assigned"
	OutcomeReleased     Outcome = "released"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeFinished     Outcome = "finished"
	OutcomeEscalated    Outcome = "escalated"
	OutcomeReopened     Outcome = "reopened"
	OutcomeWebhook      Outcome = "webhook_enqueued"
	// OutcomeSkipped means there was nothing to do in the current state.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeStale means another job changed the order first.
	OutcomeStale Outcome = "stale"
)

// ErrAllDeliveriesTransient is returned when every push attempt failed in a
// way that may succeed later; no transition is recorded.
var ErrAllDeliveriesTransient = errors.New("all push deliveries failed transiently")

type Coordinator struct {
	orders   Orders
	states   States
	ref      Reference
	rotation Rotation
	notifier Notifier
	bus      Enqueuer
	clock    clock.Clock
	cfg      Config
	logger   *slog.Logger

	outcomes metric.Int64Counter
}

func NewCoordinator(orders Orders, states States, ref Reference, rot Rotation, notifier Notifier, bus Enqueuer, clk clock.Clock, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.OfferTitle == "" {
		cfg.OfferTitle = "New order"
	}
	meter := otel.Meter("github.com/joao-fontenele/courier-dispatch/internal/dispatch")
	outcomes, _ := meter.Int64Counter("dispatch.outcomes",
		metric.WithDescription("Coordinator steps by outcome"))

	return &Coordinator{
		orders:   orders,
		states:   states,
		ref:      ref,
		rotation: rot,
		notifier: notifier,
		bus:      bus,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With("component", "dispatch"),
		outcomes: outcomes,
	}
}

// Kinds lists the queues Handle consumes.
func (c *Coordinator) Kinds() []jobs.Kind {
	return []jobs.Kind{
		jobs.KindNewOrderNotify,
		jobs.KindTryAssignCourier,
		jobs.KindOrderChangeCourier,
		jobs.KindOrderStatusChanged,
	}
}

// Handle is the job bus entry point. It decides between acknowledge, retry
// and dead-letter for every dispatch job.
func (c *Coordinator) Handle(ctx context.Context, job jobs.Job) error {
	var (
		outcome Outcome
		err     error
	)
	switch p := job.Payload.(type) {
	case jobs.NewOrderNotify:
		outcome, err = c.TryAssign(ctx, p.OrderID)
	case jobs.TryAssignCourier:
		outcome, err = c.TryAssign(ctx, p.OrderID)
	case jobs.OrderChangeCourier:
		outcome, err = c.ChangeCourier(ctx, p.OrderID, p.CourierID)
	case jobs.OrderStatusChanged:
		outcome, err = c.StatusChanged(ctx, p.OrderID, p.OrderStatusID)
	default:
		return messaging.Permanent(fmt.Errorf("dispatch cannot process %s", job.Kind))
	}

	if err != nil {
		if domain.IsStructural(err) {
			c.logger.ErrorContext(ctx, "dispatch job cannot succeed", "job_id", job.ID, "kind", job.Kind, "error", err)
			return messaging.Permanent(err)
		}
		return err
	}

	c.logger.InfoContext(ctx, "dispatch job handled", "job_id", job.ID, "kind", job.Kind, "outcome", outcome)
	return nil
}

func (c *Coordinator) record(ctx context.Context, o Outcome) Outcome {
	c.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(o))))
	return o
}

// load reads the order, its status and its dispatch row, creating the row on
// first sight.
func (c *Coordinator) load(ctx context.Context, orderID string) (domain.Order, domain.OrderStatus, domain.Dispatch, error) {
	order, err := c.orders.Order(ctx, orderID)
	if err != nil {
		return domain.Order{}, domain.OrderStatus{}, domain.Dispatch{}, fmt.Errorf("load order %s: %w", orderID, err)
	}
	status, err := c.ref.GetOrderStatus(ctx, order.OrderStatusID)
	if err != nil {
		return domain.Order{}, domain.OrderStatus{}, domain.Dispatch{}, fmt.Errorf("load status of order %s: %w", orderID, err)
	}
	d, err := c.states.Ensure(ctx, domain.NewDispatch(orderID, c.clock.Now()))
	if err != nil {
		return domain.Order{}, domain.OrderStatus{}, domain.Dispatch{}, fmt.Errorf("load dispatch of order %s: %w", orderID, err)
	}
	return order, status, d, nil
}

// apply runs t and returns the new row. ok is false when t lost the race.
func (c *Coordinator) apply(ctx context.Context, d domain.Dispatch, t domain.Transition) (domain.Dispatch, bool, error) {
	if err := t.Validate(); err != nil {
		return d, false, messaging.Permanent(err)
	}
	ok, err := c.states.Apply(ctx, t)
	if err != nil {
		return d, false, fmt.Errorf("apply %s -> %s for order %s: %w", t.From, t.To, t.OrderID, err)
	}
	if !ok {
		c.logger.InfoContext(ctx, "dispatch transition lost race",
			"order_id", t.OrderID, "from", t.From, "to", t.To, "version", t.ExpectedVersion)
		return d, false, nil
	}
	return d.Apply(t), true, nil
}

// closeTerminal handles an order whose status is finish or cancel: its
// pending offers are voided and, for cancel, the dispatch is cancelled.
func (c *Coordinator) closeTerminal(ctx context.Context, d domain.Dispatch, status domain.OrderStatus) (Outcome, error) {
	now := c.clock.Now()
	outcome := OutcomeFinished

	if status.Cancel {
		outcome = OutcomeCancelled
		if domain.CanTransition(d.State, domain.DispatchCancelled) {
			if _, ok, err := c.apply(ctx, d, d.Next(domain.DispatchCancelled, now)); err != nil {
				return "", err
			} else if !ok {
				return c.record(ctx, OutcomeStale), nil
			}
		}
	}

	if err := c.states.VoidOffers(ctx, d.OrderID, now); err != nil {
		return "", fmt.Errorf("void offers of order %s: %w", d.OrderID, err)
	}
	return c.record(ctx, outcome), nil
}
