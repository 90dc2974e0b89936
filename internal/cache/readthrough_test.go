package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
)

type countingLoader struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	value   atomic.Value
	err     error
}

func newCountingLoader(v string) *countingLoader {
	l := &countingLoader{}
	l.value.Store(v)
	return l
}

func (l *countingLoader) blocking() *countingLoader {
	l.started = make(chan struct{}, 16)
	l.release = make(chan struct{})
	return l
}

func (l *countingLoader) load(ctx context.Context, _ string) (string, error) {
	l.calls.Add(1)
	if l.started != nil {
		l.started <- struct{}{}
		select {
		case <-l.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if l.err != nil {
		return "", l.err
	}
	return l.value.Load().(string), nil
}

func TestReadThrough(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	t.Run("serves from cache within ttl", func(t *testing.T) {
		clk := clock.NewManual(start)
		l := newCountingLoader("v1")
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clk)

		for range 3 {
			v, err := rt.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, "v1", v)
		}
		assert.EqualValues(t, 1, l.calls.Load())
	})

	t.Run("reloads after ttl", func(t *testing.T) {
		clk := clock.NewManual(start)
		l := newCountingLoader("v1")
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clk)

		_, err := rt.Get(ctx, "k")
		require.NoError(t, err)

		l.value.Store("v2")
		clk.Advance(time.Minute)

		v, err := rt.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
		assert.EqualValues(t, 2, l.calls.Load())
	})

	t.Run("concurrent misses share one load", func(t *testing.T) {
		l := newCountingLoader("v1").blocking()
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clock.NewManual(start))

		var wg sync.WaitGroup
		results := make([]string, 8)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := rt.Get(ctx, "k")
				assert.NoError(t, err)
				results[i] = v
			}()
		}

		<-l.started
		time.Sleep(50 * time.Millisecond)
		close(l.release)
		wg.Wait()

		assert.EqualValues(t, 1, l.calls.Load())
		for _, v := range results {
			assert.Equal(t, "v1", v)
		}
	})

	t.Run("invalidation during load discards the stale result", func(t *testing.T) {
		l := newCountingLoader("old").blocking()
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clock.NewManual(start))

		done := make(chan string)
		go func() {
			v, _ := rt.Get(ctx, "k")
			done <- v
		}()

		<-l.started
		rt.Invalidate("k")
		l.value.Store("new")
		close(l.release)
		assert.Equal(t, "new", <-done)

		// The in-flight result was not stored, so the next read loads again.
		v, err := rt.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "new", v)
		assert.EqualValues(t, 2, l.calls.Load())
	})

	t.Run("invalidate all bumps every key", func(t *testing.T) {
		l := newCountingLoader("v1")
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clock.NewManual(start))

		_, _ = rt.Get(ctx, "a")
		_, _ = rt.Get(ctx, "b")
		rt.InvalidateAll()
		_, _ = rt.Get(ctx, "a")
		_, _ = rt.Get(ctx, "b")

		assert.EqualValues(t, 4, l.calls.Load())
	})

	t.Run("errors are not cached", func(t *testing.T) {
		l := newCountingLoader("v1")
		l.err = errors.New("db down")
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clock.NewManual(start))

		_, err := rt.Get(ctx, "k")
		require.Error(t, err)

		l.err = nil
		v, err := rt.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)
		assert.EqualValues(t, 2, l.calls.Load())
	})

	t.Run("caller cancellation does not abort the load", func(t *testing.T) {
		l := newCountingLoader("v1").blocking()
		rt := NewReadThrough("test", l.load, time.Minute, time.Second, clock.NewManual(start))

		cctx, cancel := context.WithCancel(ctx)
		errc := make(chan error)
		go func() {
			_, err := rt.Get(cctx, "k")
			errc <- err
		}()

		<-l.started
		cancel()
		assert.ErrorIs(t, <-errc, context.Canceled)

		close(l.release)
		require.Eventually(t, func() bool {
			v, err := rt.Get(ctx, "k")
			return err == nil && v == "v1"
		}, time.Second, 10*time.Millisecond)
		assert.EqualValues(t, 1, l.calls.Load())
	})
}
