package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

var (
	ErrOrderClosed     = errors.New("order is finished or cancelled")
	ErrAlreadyAssigned = errors.New("order already has another courier")
)

// Escalate hands an order that is still looking for a courier to the
// external delivery partner. Calling it again for an escalated order only
// re-enqueues the partner job. Orders that were closed or picked up by a
// courier since the dispatch row last changed are settled instead.
func (c *Coordinator) Escalate(ctx context.Context, orderID, reason string) (Outcome, error) {
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

	switch {
	case d.State == domain.DispatchEscalated:
	case d.State.Open():
		now := c.clock.Now()
		if _, ok, err := c.apply(ctx, d, d.Next(domain.DispatchEscalated, now)); err != nil {
			return "", err
		} else if !ok {
			return c.record(ctx, OutcomeStale), nil
		}
		if err := c.states.VoidOffers(ctx, orderID, now); err != nil {
			return "", fmt.Errorf("void offers of order %s: %w", orderID, err)
		}
		c.logger.InfoContext(ctx, "order escalated to delivery partner", "order_id", orderID, "reason", reason)
	default:
		return c.record(ctx, OutcomeSkipped), nil
	}

	if err := c.bus.Enqueue(ctx, jobs.PartnerDispatch{OrderID: orderID}); err != nil {
		return "", fmt.Errorf("enqueue partner dispatch: %w", err)
	}
	return c.record(ctx, OutcomeEscalated), nil
}

// Reopen returns an escalated order to the courier rotation, e.g. after the
// delivery partner could not serve it.
func (c *Coordinator) Reopen(ctx context.Context, orderID string) (Outcome, error) {
	d, err := c.states.Get(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("load dispatch of order %s: %w", orderID, err)
	}
	if d.State != domain.DispatchEscalated {
		return c.record(ctx, OutcomeSkipped), nil
	}

	if _, ok, err := c.apply(ctx, d, d.Next(domain.DispatchNeedsCourier, c.clock.Now()).Reopen("")); err != nil {
		return "", err
	} else if !ok {
		return c.record(ctx, OutcomeStale), nil
	}

	// If this enqueue fails the sweeper picks the idle order up.
	if err := c.bus.Enqueue(ctx, jobs.TryAssignCourier{OrderID: orderID}); err != nil {
		return "", fmt.Errorf("enqueue try assign: %w", err)
	}
	c.logger.InfoContext(ctx, "order reopened for couriers", "order_id", orderID)
	return c.record(ctx, OutcomeReopened), nil
}

// AcceptOffer is a courier accepting an order. It writes the order's
// courier and lets the change job do the bookkeeping.
func (c *Coordinator) AcceptOffer(ctx context.Context, orderID, courierID string) error {
	order, err := c.orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	status, err := c.ref.GetOrderStatus(ctx, order.OrderStatusID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return ErrOrderClosed
	}

	ok, err := c.orders.AssignCourier(ctx, orderID, courierID)
	if err != nil {
		return fmt.Errorf("assign courier to order %s: %w", orderID, err)
	}
	if !ok {
		return ErrAlreadyAssigned
	}

	return c.bus.Enqueue(ctx, jobs.OrderChangeCourier{OrderID: orderID, CourierID: courierID})
}
