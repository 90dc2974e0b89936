package dispatch

import (
	"context"
	"fmt"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

// ChangeCourier reacts to order.courier_id having changed. courierID is the
// courier that was set, or the one that was removed if the order now has none.
func (c *Coordinator) ChangeCourier(ctx context.Context, orderID, courierID string) (Outcome, error) {
	order, status, d, err := c.load(ctx, orderID)
	if err != nil {
		return "", err
	}

	if status.IsTerminal() {
		return c.closeTerminal(ctx, d, status)
	}

	switch {
	case order.AssignedTo(courierID):
		if d.State == domain.DispatchAssigned && d.CourierID == courierID {
			return c.record(ctx, OutcomeSkipped), nil
		}
		if !domain.CanTransition(d.State, domain.DispatchAssigned) {
			return c.record(ctx, OutcomeSkipped), nil
		}
		return c.assign(ctx, order, d, courierID)

	case !order.HasCourier():
		if d.State != domain.DispatchAssigned || d.CourierID != courierID {
			return c.record(ctx, OutcomeStale), nil
		}
		next, ok, err := c.apply(ctx, d, d.Next(domain.DispatchNeedsCourier, c.clock.Now()).Reopen(courierID))
		if err != nil {
			return "", err
		}
		if !ok {
			return c.record(ctx, OutcomeStale), nil
		}
		c.record(ctx, OutcomeReleased)
		c.logger.InfoContext(ctx, "courier removed from order, dispatching again",
			"order_id", orderID, "courier_id", courierID)
		return c.offer(ctx, order, status, next)
	}

	// The order moved on to another courier; that change has its own job.
	return c.record(ctx, OutcomeStale), nil
}

// assign records courierID as the order's courier. The follow-up jobs are
// enqueued before the transition so a crash in between repeats them rather
// than losing them; both are idempotent downstream.
func (c *Coordinator) assign(ctx context.Context, order domain.Order, d domain.Dispatch, courierID string) (Outcome, error) {
	now := c.clock.Now()

	if err := c.states.AcceptOffer(ctx, order.ID, courierID, now); err != nil {
		return "", fmt.Errorf("accept offer of order %s: %w", order.ID, err)
	}

	if err := c.bus.Enqueue(ctx, jobs.SetQueueLastCourier{TerminalID: order.TerminalID, CourierID: courierID}); err != nil {
		return "", fmt.Errorf("enqueue rotation update: %w", err)
	}

	org, err := c.ref.GetOrganization(ctx, order.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("load organization %s: %w", order.OrganizationID, err)
	}
	if org.HasWebhook() {
		if err := c.bus.Enqueue(ctx, jobs.OrderEcommerceWebhook{OrderID: order.ID}); err != nil {
			return "", fmt.Errorf("enqueue webhook: %w", err)
		}
	}

	t := d.Next(domain.DispatchAssigned, now)
	t.CourierID = courierID
	t.ExcludedCourierID = ""
	if _, ok, err := c.apply(ctx, d, t); err != nil {
		return "", err
	} else if !ok {
		return c.record(ctx, OutcomeStale), nil
	}

	c.logger.InfoContext(ctx, "order assigned", "order_id", order.ID, "courier_id", courierID, "terminal_id", order.TerminalID)
	return c.record(ctx, OutcomeAssigned), nil
}

// StatusChanged reacts to a new order status. Jobs for a status the order no
// longer has are stale.
func (c *Coordinator) StatusChanged(ctx context.Context, orderID, statusID string) (Outcome, error) {
	order, status, d, err := c.load(ctx, orderID)
	if err != nil {
		return "", err
	}
	if order.OrderStatusID != statusID {
		return c.record(ctx, OutcomeStale), nil
	}

	if status.IsTerminal() {
		return c.closeTerminal(ctx, d, status)
	}

	if !order.HasCourier() {
		return c.record(ctx, OutcomeSkipped), nil
	}
	org, err := c.ref.GetOrganization(ctx, order.OrganizationID)
	if err != nil {
		return "", fmt.Errorf("load organization %s: %w", order.OrganizationID, err)
	}
	if !org.HasWebhook() {
		return c.record(ctx, OutcomeSkipped), nil
	}
	if err := c.bus.Enqueue(ctx, jobs.OrderEcommerceWebhook{OrderID: order.ID}); err != nil {
		return "", fmt.Errorf("enqueue webhook: %w", err)
	}
	return c.record(ctx, OutcomeWebhook), nil
}
