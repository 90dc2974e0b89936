package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/courier-dispatch/internal/cache"
	"github.com/joao-fontenele/courier-dispatch/internal/deadletter"
	"github.com/joao-fontenele/courier-dispatch/internal/dispatch"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

type fakeBus struct {
	enqueued []jobs.Payload
	err      error
}

func (f *fakeBus) Enqueue(_ context.Context, p jobs.Payload) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, p)
	return nil
}

type fakeInvalidator struct {
	got []cache.Invalidation
}

func (f *fakeInvalidator) Invalidate(_ context.Context, inv cache.Invalidation) error {
	f.got = append(f.got, inv)
	return nil
}

type fakeOffers struct {
	acceptErr error
	accepted  [][2]string
}

func (f *fakeOffers) AcceptOffer(_ context.Context, orderID, courierID string) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = append(f.accepted, [2]string{orderID, courierID})
	return nil
}

func (f *fakeOffers) Reopen(context.Context, string) (dispatch.Outcome, error) {
	return dispatch.OutcomeReopened, nil
}

type fakeDeadLetters struct {
	filter  deadletter.ListFilter
	records []deadletter.Record
}

func (f *fakeDeadLetters) List(_ context.Context, filter deadletter.ListFilter) ([]deadletter.Record, error) {
	f.filter = filter
	return f.records, nil
}

type fakeRequeuer struct {
	job jobs.Job
	err error
}

func (f *fakeRequeuer) Requeue(context.Context, uuid.UUID) (jobs.Job, error) {
	return f.job, f.err
}

type fakeOfferLookup map[string]domain.OfferStatus

func (f fakeOfferLookup) OfferStatus(_ context.Context, orderID, courierID string) (domain.OfferStatus, error) {
	return f[orderID+"/"+courierID], nil
}

type fakeRotation struct{}

func (fakeRotation) Members(context.Context, string) ([]string, error) {
	return []string{"c1", "c2"}, nil
}

type harness struct {
	bus   *fakeBus
	inv   *fakeInvalidator
	offer *fakeOffers
	dl    *fakeDeadLetters
	req   *fakeRequeuer
	h     http.Handler
}

func newHarness() *harness {
	hs := &harness{
		bus:   &fakeBus{},
		inv:   &fakeInvalidator{},
		offer: &fakeOffers{},
		dl:    &fakeDeadLetters{},
		req:   &fakeRequeuer{},
	}
	srv := NewServer(Deps{
		Bus:         hs.bus,
		Invalidator: hs.inv,
		Offers:      hs.offer,
		OfferLookup: fakeOfferLookup{"o-1/c1": domain.OfferPending, "o-1/c2": domain.OfferVoided},
		DeadLetters: hs.dl,
		Requeuer:    hs.req,
		Rotation:    fakeRotation{},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "# metrics")
		}),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	hs.h = srv.Router()
	return hs
}

func (hs *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	hs.h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	hs := newHarness()

	rec := hs.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = hs.do(http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestEnqueue(t *testing.T) {
	t.Run("valid payload is enqueued", func(t *testing.T) {
		hs := newHarness()

		rec := hs.do(http.MethodPost, "/jobs/try_assign_courier", `{"order_id":"o-1"}`)

		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		require.Len(t, hs.bus.enqueued, 1)
		assert.Equal(t, jobs.TryAssignCourier{OrderID: "o-1"}, hs.bus.enqueued[0])
	})

	t.Run("unknown kind", func(t *testing.T) {
		hs := newHarness()

		rec := hs.do(http.MethodPost, "/jobs/send_fax", `{"order_id":"o-1"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, hs.bus.enqueued)
	})

	t.Run("invalid payload", func(t *testing.T) {
		hs := newHarness()

		rec := hs.do(http.MethodPost, "/jobs/push_courier_to_queue", `{"terminal_id":"t-1"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "courier_id is required")
	})

	t.Run("bus down", func(t *testing.T) {
		hs := newHarness()
		hs.bus.err = errors.New("broker unreachable")

		rec := hs.do(http.MethodPost, "/jobs/new_order_notify", `{"order_id":"o-1"}`)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestPartnerCallback(t *testing.T) {
	hs := newHarness()

	rec := hs.do(http.MethodPost, "/partner/callback",
		`{"claim_id":"cl-1","order_id":"o-1","status":"delivered","updated_at":"2026-01-02T10:00:00Z"}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, hs.bus.enqueued, 1)
	assert.Equal(t, jobs.KindYandexCallback, hs.bus.enqueued[0].Kind())

	rec = hs.do(http.MethodPost, "/partner/callback", `{"claim_id":"cl-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidate(t *testing.T) {
	hs := newHarness()

	rec := hs.do(http.MethodPost, "/cache/invalidate", `{"kind":"organization","id":"org-1"}`)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []cache.Invalidation{{Kind: cache.KindOrganization, ID: "org-1"}}, hs.inv.got)

	rec = hs.do(http.MethodPost, "/cache/invalidate", `{"kind":"weather","id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccept(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "accepted", want: http.StatusNoContent},
		{name: "order closed", err: dispatch.ErrOrderClosed, want: http.StatusConflict},
		{name: "held by another courier", err: dispatch.ErrAlreadyAssigned, want: http.StatusConflict},
		{name: "unknown order", err: domain.ErrOrderNotFound, want: http.StatusNotFound},
		{name: "store failure", err: errors.New("connection reset"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHarness()
			hs.offer.acceptErr = tt.err

			rec := hs.do(http.MethodPost, "/orders/o-1/accept", `{"courier_id":"c1"}`)

			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("courier required", func(t *testing.T) {
		hs := newHarness()
		rec := hs.do(http.MethodPost, "/orders/o-1/accept", `{}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReopenAndRotation(t *testing.T) {
	hs := newHarness()

	rec := hs.do(http.MethodPost, "/orders/o-1/reopen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(dispatch.OutcomeReopened))

	rec = hs.do(http.MethodGet, "/terminals/t-1/rotation", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Couriers []string `json:"couriers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"c1", "c2"}, body.Couriers)
}

func TestOfferStatus(t *testing.T) {
	hs := newHarness()

	rec := hs.do(http.MethodGet, "/orders/o-1/offers/c2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Status domain.OfferStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, domain.OfferVoided, body.Status)

	rec = hs.do(http.MethodGet, "/orders/o-1/offers/c9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetters(t *testing.T) {
	t.Run("list passes the filter", func(t *testing.T) {
		hs := newHarness()
		hs.dl.records = []deadletter.Record{{ID: uuid.New(), Queue: "try_assign_courier"}}

		rec := hs.do(http.MethodGet, "/deadletters?queue=try_assign_courier&pending=true&limit=5", "")

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, deadletter.ListFilter{Queue: "try_assign_courier", Pending: true, Limit: 5}, hs.dl.filter)
	})

	t.Run("bad limit", func(t *testing.T) {
		hs := newHarness()
		rec := hs.do(http.MethodGet, "/deadletters?limit=-3", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	requeueTests := []struct {
		name string
		err  error
		want int
	}{
		{name: "requeued", want: http.StatusAccepted},
		{name: "missing", err: deadletter.ErrNotFound, want: http.StatusNotFound},
		{name: "twice", err: deadletter.ErrAlreadyRequeued, want: http.StatusConflict},
		{name: "garbage envelope", err: deadletter.ErrNotRequeueable, want: http.StatusUnprocessableEntity},
	}
	for _, tt := range requeueTests {
		t.Run("requeue "+tt.name, func(t *testing.T) {
			hs := newHarness()
			hs.req.err = tt.err
			if tt.err == nil {
				hs.req.job = jobs.Job{
					Envelope: jobs.Envelope{Kind: jobs.KindTryAssignCourier},
					Payload:  jobs.TryAssignCourier{OrderID: "o-1"},
				}
			}

			rec := hs.do(http.MethodPost, "/deadletters/"+uuid.NewString()+"/requeue", "")

			assert.Equal(t, tt.want, rec.Code)
		})
	}

	t.Run("requeue bad id", func(t *testing.T) {
		hs := newHarness()
		rec := hs.do(http.MethodPost, "/deadletters/not-a-uuid/requeue", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
