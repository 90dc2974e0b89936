package dispatch

import (
	"context"
	"fmt"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/notify"
	"github.com/joao-fontenele/courier-dispatch/internal/rotation"
)

// TryAssign offers the order to the eligible couriers of its terminal. It
// only acts on orders that need a courier; an order that was already
// offered waits for acceptance, a re-check or escalation.
func (c *Coordinator) TryAssign(ctx context.Context, orderID string) (Outcome, error) {
	order, status, d, err := c.load(ctx, orderID)
	if err != nil {
		return "", err
	}

	if status.IsTerminal() {
		return c.closeTerminal(ctx, d, status)
	}

	if order.HasCourier() {
		return c.syncAssigned(ctx, order, d)
	}

	switch d.State {
	case domain.DispatchAssigned:
		// The courier was removed and the change job has not run yet.
		next, ok, err := c.apply(ctx, d, d.Next(domain.DispatchNeedsCourier, c.clock.Now()).Reopen(d.CourierID))
		if err != nil {
			return "", err
		}
		if !ok {
			return c.record(ctx, OutcomeStale), nil
		}
		d = next
	case domain.DispatchNeedsCourier:
	default:
		return c.record(ctx, OutcomeSkipped), nil
	}

	return c.offer(ctx, order, status, d)
}

// syncAssigned brings the dispatch row in line with an order that already
// has a courier, e.g. when the change job was lost or is still queued.
func (c *Coordinator) syncAssigned(ctx context.Context, order domain.Order, d domain.Dispatch) (Outcome, error) {
	courierID := *order.CourierID
	if d.State == domain.DispatchAssigned && d.CourierID == courierID {
		return c.record(ctx, OutcomeSkipped), nil
	}
	if !domain.CanTransition(d.State, domain.DispatchAssigned) {
		return c.record(ctx, OutcomeSkipped), nil
	}
	return c.assign(ctx, order, d, courierID)
}

func (c *Coordinator) offer(ctx context.Context, order domain.Order, status domain.OrderStatus, d domain.Dispatch) (Outcome, error) {
	org, err := c.ref.GetOrganization(ctx, order.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("load organization %s: %w", order.OrganizationID, err)
	}

	active, err := c.orders.ActiveOrderCounts(ctx, order.TerminalID)
	if err != nil {
		return "", fmt.Errorf("count active orders at terminal %s: %w", order.TerminalID, err)
	}

	filter := rotation.Filter{ActiveOrders: active, MaxActive: org.MaxActiveOrderCount}
	if d.ExcludedCourierID != "" {
		filter.Exclude = []string{d.ExcludedCourierID}
	}
	candidates, err := c.rotation.NextCandidates(ctx, order.TerminalID, filter)
	if err != nil {
		return "", fmt.Errorf("rotation for terminal %s: %w", order.TerminalID, err)
	}

	var reached []string
	if len(candidates) > 0 {
		report, err := c.notifier.Notify(ctx, candidates, c.notification(order, status))
		if err != nil {
			return "", fmt.Errorf("notify couriers of order %s: %w", order.ID, err)
		}
		if report.AllTransient() {
			return "", fmt.Errorf("order %s: %w", order.ID, ErrAllDeliveriesTransient)
		}
		reached = report.Delivered
	}

	now := c.clock.Now()
	if len(reached) > 0 {
		if err := c.states.RecordOffers(ctx, order.ID, reached, now); err != nil {
			return "", fmt.Errorf("record offers of order %s: %w", order.ID, err)
		}
	}

	t := d.Next(domain.DispatchCandidatesNotified, now)
	t.CandidateCount = len(reached)
	t.NotifiedAt = &now
	if d.NotifiedAt != nil {
		// A previous round came back empty; this is a re-check.
		t.Rechecks = d.Rechecks + 1
	}
	if _, ok, err := c.apply(ctx, d, t); err != nil {
		return "", err
	} else if !ok {
		return c.record(ctx, OutcomeStale), nil
	}

	if len(reached) == 0 {
		c.logger.InfoContext(ctx, "no courier available",
			"order_id", order.ID, "terminal_id", order.TerminalID, "candidates", len(candidates), "rechecks", t.Rechecks)
		return c.record(ctx, OutcomeNoCandidates), nil
	}
	return c.record(ctx, OutcomeNotified), nil
}

func (c *Coordinator) notification(order domain.Order, status domain.OrderStatus) notify.Notification {
	body := status.NotificationText
	if body == "" {
		body = "Order " + order.ID + " is waiting for a courier"
	}
	return notify.Notification{
		Title:         c.cfg.OfferTitle,
		Body:          body,
		OrderID:       order.ID,
		OrderStatusID: order.OrderStatusID,
		TerminalID:    order.TerminalID,
	}
}
