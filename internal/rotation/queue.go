package rotation

import (
	"context"
	"log/slog"
	"slices"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
)

// Store persists rings. Update must serialize calls for the same terminal and
// only persist the ring when fn returns nil.
type Store interface {
	Load(ctx context.Context, terminalID string) (Ring, error)
	Update(ctx context.Context, terminalID string, fn func(r *Ring) error) error
}

// Filter narrows a ring to the couriers that may receive an offer now.
type Filter struct {
	Exclude []string
	// ActiveOrders is the current active-order count per courier.
	ActiveOrders map[string]int
	// MaxActive of zero means unlimited.
	MaxActive int
}

func (f Filter) allows(courierID string) bool {
	if slices.Contains(f.Exclude, courierID) {
		return false
	}
	return f.MaxActive <= 0 || f.ActiveOrders[courierID] < f.MaxActive
}

type Queue struct {
	store  Store
	policy Policy
	clock  clock.Clock
	logger *slog.Logger
}

func NewQueue(store Store, policy Policy, clk clock.Clock, logger *slog.Logger) *Queue {
	return &Queue{
		store:  store,
		policy: policy,
		clock:  clk,
		logger: logger.With("component", "rotation", "policy", policy.Name()),
	}
}

// PushCourier adds the courier to the terminal's ring. It reports whether the
// ring changed.
func (q *Queue) PushCourier(ctx context.Context, terminalID, courierID string) (bool, error) {
	var added bool
	err := q.store.Update(ctx, terminalID, func(r *Ring) error {
		added = r.Push(courierID, q.clock.Now())
		return nil
	})
	if err != nil {
		return false, err
	}
	if added {
		q.logger.InfoContext(ctx, "courier joined rotation", "terminal_id", terminalID, "courier_id", courierID)
	}
	return added, nil
}

// SetLastCourier records courierID as the most recent offer recipient.
func (q *Queue) SetLastCourier(ctx context.Context, terminalID, courierID string) error {
	return q.store.Update(ctx, terminalID, func(r *Ring) error {
		return r.SetLast(courierID, q.clock.Now())
	})
}

// ClearCourier removes the courier from the terminal's ring.
func (q *Queue) ClearCourier(ctx context.Context, terminalID, courierID string) (bool, error) {
	var removed bool
	err := q.store.Update(ctx, terminalID, func(r *Ring) error {
		removed = r.Remove(courierID)
		return nil
	})
	if err != nil {
		return false, err
	}
	if removed {
		q.logger.InfoContext(ctx, "courier left rotation", "terminal_id", terminalID, "courier_id", courierID)
	}
	return removed, nil
}

// NextCandidates returns the couriers to offer the next order to, in offer
// order. It does not move the pointer; only an accepted offer does.
func (q *Queue) NextCandidates(ctx context.Context, terminalID string, f Filter) ([]string, error) {
	ring, err := q.store.Load(ctx, terminalID)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range q.policy.Order(ring) {
		if f.allows(e.CourierID) {
			out = append(out, e.CourierID)
		}
	}
	return out, nil
}

// Members lists every courier in the ring regardless of capacity.
func (q *Queue) Members(ctx context.Context, terminalID string) ([]string, error) {
	ring, err := q.store.Load(ctx, terminalID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ring.Entries))
	for i, e := range ring.Entries {
		ids[i] = e.CourierID
	}
	return ids, nil
}
