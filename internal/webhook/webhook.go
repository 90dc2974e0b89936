// Package webhook posts order updates to an organization's ecommerce endpoint.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
	"github.com/joao-fontenele/courier-dispatch/internal/outbound"
)

type Orders interface {
	Order(ctx context.Context, id string) (domain.Order, error)
}

type Reference interface {
	GetOrganization(ctx context.Context, id string) (domain.Organization, error)
	GetOrderStatus(ctx context.Context, id string) (domain.OrderStatus, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Deliveries remembers which (order, status) pairs were already posted.
type Deliveries interface {
	Delivered(ctx context.Context, orderID, statusID string) (bool, error)
	MarkDelivered(ctx context.Context, orderID, statusID string, at time.Time) error
}

type Payload struct {
	Order   OrderRef   `json:"order"`
	Log     LogEntry   `json:"log"`
	Courier CourierRef `json:"courier"`
}

type OrderRef struct {
	ID string `json:"id"`
}

type LogEntry struct {
	Action string `json:"action"`
	Text   string `json:"text"`
}

type CourierRef struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Phone     string `json:"phone"`
}

type Notifier struct {
	orders     Orders
	ref        Reference
	deliveries Deliveries
	client     *outbound.Client
	token      string
	policy     outbound.Policy
	clock      clock.Clock
	logger     *slog.Logger

	sent metric.Int64Counter
}

func NewNotifier(orders Orders, ref Reference, deliveries Deliveries, client *outbound.Client, token string, policy outbound.Policy, clk clock.Clock, logger *slog.Logger) *Notifier {
	meter := otel.Meter("github.com/joao-fontenele/courier-dispatch/internal/webhook")
	sent, _ := meter.Int64Counter("dispatch.webhook.deliveries",
		metric.WithDescription("Ecommerce webhook POSTs by result"))

	return &Notifier{
		orders:     orders,
		ref:        ref,
		deliveries: deliveries,
		client:     client,
		token:      token,
		policy:     policy,
		clock:      clk,
		logger:     logger.With("component", "webhook"),
		sent:       sent,
	}
}

// Handle consumes order_ecommerce_webhook jobs.
func (n *Notifier) Handle(ctx context.Context, job jobs.Job) error {
	p, ok := job.Payload.(jobs.OrderEcommerceWebhook)
	if !ok {
		return messaging.Permanent(fmt.Errorf("webhook cannot process %s", job.Kind))
	}

	err := n.Deliver(ctx, p.OrderID)
	switch {
	case err == nil:
		return nil
	case domain.IsStructural(err):
		return messaging.Permanent(err)
	case outbound.StatusOf(err) != 0 && !outbound.IsTransient(err):
		// The receiver rejected the payload; sending it again will not help.
		return messaging.Permanent(err)
	}
	return err
}

// Deliver posts the order's current status once per (order, status).
func (n *Notifier) Deliver(ctx context.Context, orderID string) error {
	order, err := n.orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	org, err := n.ref.GetOrganization(ctx, order.OrganizationID)
	if err != nil {
		return err
	}
	status, err := n.ref.GetOrderStatus(ctx, order.OrderStatusID)
	if err != nil {
		return err
	}

	if !org.HasWebhook() || status.IsTerminal() {
		return nil
	}
	if !order.HasCourier() {
		n.logger.InfoContext(ctx, "skipping webhook for order without courier", "order_id", orderID)
		return nil
	}

	done, err := n.deliveries.Delivered(ctx, order.ID, status.ID)
	if err != nil {
		return fmt.Errorf("check webhook delivery: %w", err)
	}
	if done {
		return nil
	}

	courier, err := n.ref.GetUser(ctx, *order.CourierID)
	if err != nil && !errors.Is(err, domain.ErrUserNotFound) {
		return err
	}
	if err != nil {
		courier = domain.User{ID: *order.CourierID}
	}

	body := Payload{
		Order: OrderRef{ID: order.ID},
		Log:   LogEntry{Action: status.Code, Text: status.Name},
		Courier: CourierRef{
			ID:        courier.ID,
			FirstName: courier.FirstName,
			LastName:  courier.LastName,
			Phone:     courier.Phone,
		},
	}

	_, err = n.client.Do(ctx, outbound.Request{
		Method: http.MethodPost,
		URL:    org.WebhookURL,
		Bearer: n.token,
		Body:   body,
	}, n.policy)
	if err != nil {
		n.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "failed")))
		n.logger.WarnContext(ctx, "webhook delivery failed",
			"order_id", order.ID, "organization_id", org.ID, "error", err)
		return fmt.Errorf("post webhook for order %s: %w", order.ID, err)
	}
	n.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "delivered")))

	if err := n.deliveries.MarkDelivered(ctx, order.ID, status.ID, n.clock.Now()); err != nil {
		// Delivered but not recorded: a replay may post once more.
		n.logger.WarnContext(ctx, "failed to record webhook delivery", "order_id", order.ID, "error", err)
	}
	n.logger.InfoContext(ctx, "webhook delivered", "order_id", order.ID, "status", status.Code)
	return nil
}
