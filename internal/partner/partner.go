// Package partner hands escalated orders to the third-party logistics
// provider and reacts to its claim status callbacks.
package partner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/dispatch"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
	"github.com/joao-fontenele/courier-dispatch/internal/outbound"
)

// ClosedStatuses end a claim without a delivery; the order goes back to
// the courier rotation and may be escalated again under a new claim.
var ClosedStatuses = []string{"cancelled", "failed", "performer_not_found", "returned"}

// Closed reports whether status ends a claim without a delivery.
func Closed(status string) bool {
	return slices.Contains(ClosedStatuses, status)
}

type Claim struct {
	ID        string
	OrderID   string
	Status    string
	UpdatedAt time.Time
	CreatedAt time.Time
}

// Claims only ever holds one open claim per order. Claims in a closed status
// are kept for history and do not count.
type Claims interface {
	HasClaim(ctx context.Context, orderID string) (bool, error)
	// Create stores c unless the order already has an open claim.
	Create(ctx context.Context, c Claim) (bool, error)
	// UpdateStatus applies unless a newer update is already stored; replaying
	// the same update applies it again.
	UpdateStatus(ctx context.Context, claimID, orderID, status string, updatedAt time.Time) (bool, error)
}

type Orders interface {
	Order(ctx context.Context, id string) (domain.Order, error)
}

type Statuses interface {
	GetOrderStatus(ctx context.Context, id string) (domain.OrderStatus, error)
}

type States interface {
	Get(ctx context.Context, orderID string) (domain.Dispatch, error)
}

type Reopener interface {
	Reopen(ctx context.Context, orderID string) (dispatch.Outcome, error)
}

type claimRequest struct {
	OrderID     string          `json:"order_id"`
	TerminalID  string          `json:"terminal_id"`
	Origin      domain.Location `json:"origin"`
	Destination domain.Location `json:"destination"`
	PaymentType string          `json:"payment_type"`
}

type claimResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type Adapter struct {
	claims   Claims
	orders   Orders
	statuses Statuses
	states   States
	reopener Reopener
	client   *outbound.Client
	baseURL  string
	token    string
	policy   outbound.Policy
	clock    clock.Clock
	logger   *slog.Logger
}

func NewAdapter(claims Claims, orders Orders, statuses Statuses, states States, reopener Reopener, client *outbound.Client, baseURL, token string, policy outbound.Policy, clk clock.Clock, logger *slog.Logger) *Adapter {
	return &Adapter{
		claims:   claims,
		orders:   orders,
		statuses: statuses,
		states:   states,
		reopener: reopener,
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		policy:   policy,
		clock:    clk,
		logger:   logger.With("component", "partner"),
	}
}

// Kinds lists the queues Handle consumes.
func (a *Adapter) Kinds() []jobs.Kind {
	return []jobs.Kind{jobs.KindPartnerDispatch, jobs.KindYandexCallback}
}

func (a *Adapter) Handle(ctx context.Context, job jobs.Job) error {
	var err error
	switch p := job.Payload.(type) {
	case jobs.PartnerDispatch:
		err = a.Dispatch(ctx, p.OrderID)
	case jobs.YandexCallback:
		err = a.Callback(ctx, p)
	default:
		return messaging.Permanent(fmt.Errorf("partner adapter cannot process %s", job.Kind))
	}

	switch {
	case err == nil:
		return nil
	case domain.IsStructural(err):
		return messaging.Permanent(err)
	case outbound.StatusOf(err) != 0 && !outbound.IsTransient(err):
		return messaging.Permanent(err)
	}
	return err
}

// Dispatch creates a delivery claim for an escalated order. The idempotency
// key is the order id plus the version of the escalated dispatch row: a
// replay of the same escalation never creates a second claim upstream, while
// a later escalation after a failed claim gets a fresh one.
func (a *Adapter) Dispatch(ctx context.Context, orderID string) error {
	d, err := a.states.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if d.State != domain.DispatchEscalated {
		a.logger.InfoContext(ctx, "order no longer escalated, skipping partner", "order_id", orderID, "state", d.State)
		return nil
	}

	order, err := a.orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	status, err := a.statuses.GetOrderStatus(ctx, order.OrderStatusID)
	if err != nil {
		return err
	}
	if status.IsTerminal() || order.HasCourier() {
		// The sweeper settles the dispatch row through the coordinator.
		a.logger.InfoContext(ctx, "order no longer needs a partner, skipping",
			"order_id", orderID, "order_status_id", order.OrderStatusID, "has_courier", order.HasCourier())
		return nil
	}

	claimed, err := a.claims.HasClaim(ctx, orderID)
	if err != nil {
		return fmt.Errorf("check partner claim: %w", err)
	}
	if claimed {
		return nil
	}

	resp, err := a.client.Do(ctx, outbound.Request{
		Method: http.MethodPost,
		URL:    a.baseURL + "/claims",
		Bearer: a.token,
		Header: map[string]string{"Idempotency-Key": idempotencyKey(d)},
		Body: claimRequest{
			OrderID:     order.ID,
			TerminalID:  order.TerminalID,
			Origin:      order.Origin,
			Destination: order.Destination,
			PaymentType: order.PaymentType,
		},
	}, a.policy)
	if err != nil {
		return fmt.Errorf("create partner claim for order %s: %w", orderID, err)
	}

	var cr claimResponse
	if err := resp.Decode(&cr); err != nil || cr.ID == "" {
		return fmt.Errorf("create partner claim for order %s: unexpected response %q", orderID, resp.Body)
	}

	now := a.clock.Now()
	if _, err := a.claims.Create(ctx, Claim{ID: cr.ID, OrderID: orderID, Status: cr.Status, UpdatedAt: now, CreatedAt: now}); err != nil {
		return fmt.Errorf("store partner claim: %w", err)
	}
	a.logger.InfoContext(ctx, "order handed to delivery partner", "order_id", orderID, "claim_id", cr.ID)
	return nil
}

// Callback applies a claim status update. Out-of-order updates are dropped.
func (a *Adapter) Callback(ctx context.Context, p jobs.YandexCallback) error {
	ok, err := a.claims.UpdateStatus(ctx, p.ClaimID, p.OrderID, p.Status, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update partner claim %s: %w", p.ClaimID, err)
	}
	if !ok {
		a.logger.InfoContext(ctx, "ignoring stale partner callback", "claim_id", p.ClaimID, "status", p.Status)
		return nil
	}

	if !Closed(p.Status) {
		return nil
	}

	outcome, err := a.reopener.Reopen(ctx, p.OrderID)
	if err != nil && !errors.Is(err, domain.ErrDispatchNotFound) {
		return err
	}
	a.logger.InfoContext(ctx, "partner claim failed", "order_id", p.OrderID, "claim_id", p.ClaimID, "status", p.Status, "outcome", outcome)
	return nil
}

func idempotencyKey(d domain.Dispatch) string {
	return d.OrderID + ":" + strconv.FormatInt(d.Version, 10)
}
