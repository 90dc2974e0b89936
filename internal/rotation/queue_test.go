package rotation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
)

func newTestQueue(policy Policy) (*Queue, *clock.Manual) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewQueue(NewMemoryStore(), policy, clk, logger), clk
}

func TestQueuePushTwiceLeavesOneEntry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(RoundRobin{})

	added, err := q.PushCourier(ctx, "t-1", "c1")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.PushCourier(ctx, "t-1", "c1")
	require.NoError(t, err)
	assert.False(t, added)

	members, err := q.Members(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, members)
}

func TestQueueWrapAround(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(RoundRobin{})
	for _, c := range []string{"c1", "c2", "c3"} {
		_, err := q.PushCourier(ctx, "t-1", c)
		require.NoError(t, err)
	}
	require.NoError(t, q.SetLastCourier(ctx, "t-1", "c2"))

	got, err := q.NextCandidates(ctx, "t-1", Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c3", "c1", "c2"}, got)
}

func TestQueueHeadNeverRepeatsAcrossAcceptedOffers(t *testing.T) {
	for _, policy := range []Policy{RoundRobin{}, LeastRecentlyAssigned{}} {
		t.Run(policy.Name(), func(t *testing.T) {
			ctx := context.Background()
			q, clk := newTestQueue(policy)
			for i := range 4 {
				_, err := q.PushCourier(ctx, "t-1", fmt.Sprintf("c%d", i+1))
				require.NoError(t, err)
			}

			prev := ""
			for range 12 {
				got, err := q.NextCandidates(ctx, "t-1", Filter{})
				require.NoError(t, err)
				require.NotEmpty(t, got)
				assert.NotEqual(t, prev, got[0])

				// The head accepts the offer.
				clk.Advance(time.Minute)
				require.NoError(t, q.SetLastCourier(ctx, "t-1", got[0]))
				prev = got[0]
			}
		})
	}

	t.Run("single courier repeats", func(t *testing.T) {
		ctx := context.Background()
		q, _ := newTestQueue(RoundRobin{})
		_, err := q.PushCourier(ctx, "t-1", "c1")
		require.NoError(t, err)
		require.NoError(t, q.SetLastCourier(ctx, "t-1", "c1"))

		got, err := q.NextCandidates(ctx, "t-1", Filter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"c1"}, got)
	})
}

func TestQueueCapacityExcludesWithoutRemoving(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(RoundRobin{})
	for _, c := range []string{"c1", "c2", "c3"} {
		_, err := q.PushCourier(ctx, "t-1", c)
		require.NoError(t, err)
	}

	f := Filter{ActiveOrders: map[string]int{"c1": 2, "c2": 1}, MaxActive: 2}
	got, err := q.NextCandidates(ctx, "t-1", f)
	require.NoError(t, err)
	assert.Equal(t, []string{"c2", "c3"}, got)

	members, err := q.Members(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, members)

	// Once c1 drops below the cap it is offered again.
	f.ActiveOrders["c1"] = 1
	got, err = q.NextCandidates(ctx, "t-1", f)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3"}, got)
}

func TestQueueExcludesRejectingCourier(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(RoundRobin{})
	for _, c := range []string{"c1", "c2"} {
		_, err := q.PushCourier(ctx, "t-1", c)
		require.NoError(t, err)
	}

	got, err := q.NextCandidates(ctx, "t-1", Filter{Exclude: []string{"c1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, got)
}

func TestQueueEmptyTerminal(t *testing.T) {
	q, _ := newTestQueue(RoundRobin{})
	got, err := q.NextCandidates(context.Background(), "t-empty", Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueueSetLastUnknownCourierKeepsPointer(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(RoundRobin{})
	_, err := q.PushCourier(ctx, "t-1", "c1")
	require.NoError(t, err)
	require.NoError(t, q.SetLastCourier(ctx, "t-1", "c1"))

	assert.ErrorIs(t, q.SetLastCourier(ctx, "t-1", "ghost"), ErrCourierNotInRotation)

	ring, err := q.store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "c1", ring.Last)
}

func TestQueueConcurrentUpdatesKeepPointerValid(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(RoundRobin{})

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i%5)
			_, _ = q.PushCourier(ctx, "t-1", id)
			_ = q.SetLastCourier(ctx, "t-1", id)
			if i%3 == 0 {
				_, _ = q.ClearCourier(ctx, "t-1", id)
			}
		}()
	}
	wg.Wait()

	ring, err := q.store.Load(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, ring.valid())
}
