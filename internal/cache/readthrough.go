// Package cache holds the read-through cache used for reference data
// (organizations, order statuses, users).
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
)

type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

type entry[V any] struct {
	value   V
	expires time.Time
}

// ReadThrough caches loader results for at most ttl. Concurrent misses for the
// same key share one load. Failed loads are not cached.
type ReadThrough[K comparable, V any] struct {
	load        Loader[K, V]
	ttl         time.Duration
	loadTimeout time.Duration
	clock       clock.Clock

	mu       sync.Mutex
	entries  map[K]entry[V]
	gens     map[K]uint64
	epoch    uint64
	inflight map[K]int

	group singleflight.Group
	attrs metric.MeasurementOption
	hits  metric.Int64Counter
	miss  metric.Int64Counter
	loads metric.Int64Counter
}

func NewReadThrough[K comparable, V any](name string, load Loader[K, V], ttl, loadTimeout time.Duration, clk clock.Clock) *ReadThrough[K, V] {
	meter := otel.Meter("github.com/joao-fontenele/courier-dispatch/internal/cache")
	hits, _ := meter.Int64Counter("dispatch.cache.hits")
	miss, _ := meter.Int64Counter("dispatch.cache.misses")
	loads, _ := meter.Int64Counter("dispatch.cache.load_errors")

	return &ReadThrough[K, V]{
		load:        load,
		ttl:         ttl,
		loadTimeout: loadTimeout,
		clock:       clk,
		entries:     make(map[K]entry[V]),
		gens:        make(map[K]uint64),
		inflight:    make(map[K]int),
		attrs:       metric.WithAttributes(attribute.String("cache", name)),
		hits:        hits,
		miss:        miss,
		loads:       loads,
	}
}

// Get returns the cached value for key, loading it on a miss or after expiry.
// The load itself is not bound to ctx: a caller that gives up does not cancel
// the load for the others waiting on it.
func (r *ReadThrough[K, V]) Get(ctx context.Context, key K) (V, error) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok && r.clock.Now().Before(e.expires) {
		r.mu.Unlock()
		r.hits.Add(ctx, 1, r.attrs)
		return e.value, nil
	}
	r.mu.Unlock()
	r.miss.Add(ctx, 1, r.attrs)

	ch := r.group.DoChan(flightKey(key), func() (any, error) {
		return r.fill(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			r.loads.Add(ctx, 1, r.attrs)
			var zero V
			return zero, res.Err
		}
		return res.Val.(V), nil
	}
}

func (r *ReadThrough[K, V]) fill(ctx context.Context, key K) (V, error) {
	r.mu.Lock()
	gen := r.generation(key)
	r.inflight[key]++
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.loadTimeout)
	defer cancel()

	v, err := r.load(ctx, key)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inflight[key]--; r.inflight[key] <= 0 {
		delete(r.inflight, key)
	}
	if err != nil {
		return v, err
	}
	// An invalidation during the load means v may already be stale.
	if r.generation(key) == gen {
		r.entries[key] = entry[V]{value: v, expires: r.clock.Now().Add(r.ttl)}
	}
	return v, nil
}

type stamp struct {
	epoch uint64
	key   uint64
}

func (r *ReadThrough[K, V]) generation(key K) stamp {
	return stamp{epoch: r.epoch, key: r.gens[key]}
}

// Invalidate drops key. A load already in flight finishes for its waiters but
// its result is not stored.
func (r *ReadThrough[K, V]) Invalidate(key K) {
	r.mu.Lock()
	delete(r.entries, key)
	r.gens[key]++
	r.mu.Unlock()
	r.group.Forget(flightKey(key))
}

func (r *ReadThrough[K, V]) InvalidateAll() {
	r.mu.Lock()
	keys := make([]K, 0, len(r.entries)+len(r.inflight))
	for k := range r.entries {
		keys = append(keys, k)
	}
	for k := range r.inflight {
		keys = append(keys, k)
	}
	r.entries = make(map[K]entry[V])
	r.epoch++
	r.mu.Unlock()

	for _, k := range keys {
		r.group.Forget(flightKey(k))
	}
}

func flightKey[K comparable](key K) string {
	return fmt.Sprint(key)
}
