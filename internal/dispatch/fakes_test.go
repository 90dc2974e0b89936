package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/notify"
	"github.com/joao-fontenele/courier-dispatch/internal/rotation"
)

type fakeOrders struct {
	mu     sync.Mutex
	orders map[string]domain.Order
	active map[string]int
}

func (f *fakeOrders) Order(_ context.Context, id string) (domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeOrders) ActiveOrderCounts(context.Context, string) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.active))
	for k, v := range f.active {
		out[k] = v
	}
	return out, nil
}

func (f *fakeOrders) AssignCourier(_ context.Context, orderID, courierID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if o.HasCourier() && *o.CourierID != courierID {
		return false, nil
	}
	o.CourierID = &courierID
	f.orders[orderID] = o
	return true, nil
}

func (f *fakeOrders) setCourier(orderID string, courierID *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.CourierID = courierID
	f.orders[orderID] = o
}

func (f *fakeOrders) setStatus(orderID, statusID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.OrderStatusID = statusID
	f.orders[orderID] = o
}

type offer struct {
	status domain.OfferStatus
	at     time.Time
}

// memStates mirrors the conditional update semantics of the Postgres store.
type memStates struct {
	mu     sync.Mutex
	rows   map[string]domain.Dispatch
	offers map[string]map[string]offer
}

func newMemStates() *memStates {
	return &memStates{rows: map[string]domain.Dispatch{}, offers: map[string]map[string]offer{}}
}

func (s *memStates) Ensure(_ context.Context, d domain.Dispatch) (domain.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.rows[d.OrderID]; ok {
		return cur, nil
	}
	s.rows[d.OrderID] = d
	return d, nil
}

func (s *memStates) Get(_ context.Context, orderID string) (domain.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[orderID]
	if !ok {
		return domain.Dispatch{}, domain.ErrDispatchNotFound
	}
	return d, nil
}

func (s *memStates) Apply(_ context.Context, t domain.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.rows[t.OrderID]
	if !ok || d.Version != t.ExpectedVersion || d.State != t.From {
		return false, nil
	}
	s.rows[t.OrderID] = d.Apply(t)
	return true, nil
}

func (s *memStates) ListActive(context.Context, int) ([]domain.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Dispatch
	for _, d := range s.rows {
		if d.State.Open() || d.State == domain.DispatchEscalated {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *memStates) RecordOffers(_ context.Context, orderID string, courierIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.offers[orderID]
	if !ok {
		m = map[string]offer{}
		s.offers[orderID] = m
	}
	for _, id := range courierIDs {
		if _, exists := m[id]; !exists {
			m[id] = offer{status: domain.OfferPending, at: at}
		}
	}
	return nil
}

func (s *memStates) AcceptOffer(_ context.Context, orderID, courierID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.offers[orderID]
	if !ok {
		m = map[string]offer{}
		s.offers[orderID] = m
	}
	for id, o := range m {
		if o.status == domain.OfferPending {
			m[id] = offer{status: domain.OfferVoided, at: at}
		}
	}
	m[courierID] = offer{status: domain.OfferAccepted, at: at}
	return nil
}

func (s *memStates) VoidOffers(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, o := range s.offers[orderID] {
		if o.status == domain.OfferPending {
			s.offers[orderID][id] = offer{status: domain.OfferVoided, at: at}
		}
	}
	return nil
}

func (s *memStates) row(orderID string) domain.Dispatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[orderID]
}

func (s *memStates) offerStatus(orderID, courierID string) domain.OfferStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers[orderID][courierID].status
}

type fakeReference struct {
	orgs     map[string]domain.Organization
	statuses map[string]domain.OrderStatus
}

func (f fakeReference) GetOrganization(_ context.Context, id string) (domain.Organization, error) {
	o, ok := f.orgs[id]
	if !ok {
		return domain.Organization{}, domain.ErrOrganizationNotFound
	}
	return o, nil
}

func (f fakeReference) GetOrderStatus(_ context.Context, id string) (domain.OrderStatus, error) {
	s, ok := f.statuses[id]
	if !ok {
		return domain.OrderStatus{}, domain.ErrStatusNotFound
	}
	return s, nil
}

type notifyCall struct {
	courierIDs []string
	n          notify.Notification
}

// fakeNotifier delivers to everyone unless told otherwise.
type fakeNotifier struct {
	mu        sync.Mutex
	calls     []notifyCall
	transient map[string]bool
	err       error
}

func (f *fakeNotifier) Notify(_ context.Context, ids []string, n notify.Notification) (notify.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{courierIDs: append([]string(nil), ids...), n: n})
	if f.err != nil {
		return notify.Report{}, f.err
	}
	var rep notify.Report
	for _, id := range ids {
		if f.transient[id] {
			rep.Transient = append(rep.Transient, id)
		} else {
			rep.Delivered = append(rep.Delivered, id)
		}
	}
	return rep, nil
}

func (f *fakeNotifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeBus struct {
	mu       sync.Mutex
	payloads []jobs.Payload
	err      error
}

func (b *fakeBus) Enqueue(_ context.Context, p jobs.Payload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.payloads = append(b.payloads, p)
	return nil
}

func (b *fakeBus) kinds() []jobs.Kind {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]jobs.Kind, len(b.payloads))
	for i, p := range b.payloads {
		out[i] = p.Kind()
	}
	return out
}

type fakeClaims map[string]bool

func (f fakeClaims) HasClaim(_ context.Context, orderID string) (bool, error) {
	return f[orderID], nil
}

const (
	statusNew    = "st-new"
	statusOnWay  = "st-on-way"
	statusDone   = "st-done"
	statusCancel = "st-cancel"
)

var testConfig = Config{
	EscalateAfter:   30 * time.Minute,
	RecheckInterval: time.Minute,
	MaxRechecks:     3,
}

type harness struct {
	coord    *Coordinator
	orders   *fakeOrders
	states   *memStates
	queue    *rotation.Queue
	ring     *rotation.MemoryStore
	notifier *fakeNotifier
	bus      *fakeBus
	clock    *clock.Manual
	ref      fakeReference
}

func newHarness(t *testing.T, couriers ...string) *harness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ring := rotation.NewMemoryStore()
	queue := rotation.NewQueue(ring, rotation.RoundRobin{}, clk, logger)
	for _, c := range couriers {
		_, err := queue.PushCourier(context.Background(), "t-1", c)
		require.NoError(t, err)
	}

	h := &harness{
		orders: &fakeOrders{orders: map[string]domain.Order{}, active: map[string]int{}},
		states: newMemStates(),
		queue:  queue,
		ring:   ring,
		ref: fakeReference{
			orgs: map[string]domain.Organization{
				"org-1":    {ID: "org-1", MaxActiveOrderCount: 2},
				"org-hook": {ID: "org-hook", WebhookURL: "https://shop.example.com/hook"},
			},
			statuses: map[string]domain.OrderStatus{
				statusNew:    {ID: statusNew, Code: "new", NotificationText: "New order nearby"},
				statusOnWay:  {ID: statusOnWay, Code: "on_way", OnWay: true},
				statusDone:   {ID: statusDone, Code: "done", Finish: true},
				statusCancel: {ID: statusCancel, Code: "cancelled", Cancel: true},
			},
		},
		notifier: &fakeNotifier{},
		bus:      &fakeBus{},
		clock:    clk,
	}
	h.coord = NewCoordinator(h.orders, h.states, h.ref, queue, h.notifier, h.bus, clk, testConfig, logger)
	return h
}

func (h *harness) addOrder(id, org, status string) {
	h.orders.orders[id] = domain.Order{
		ID:             id,
		OrganizationID: org,
		TerminalID:     "t-1",
		OrderStatusID:  status,
		CreatedAt:      h.clock.Now(),
	}
}

func (h *harness) pointer(t *testing.T) string {
	t.Helper()
	r, err := h.ring.Load(context.Background(), "t-1")
	require.NoError(t, err)
	return r.Last
}

func ptr(s string) *string { return &s }
