//go:build integration

package messaging_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
	"github.com/joao-fontenele/courier-dispatch/internal/testutil"
)

type memorySink struct {
	mu      sync.Mutex
	letters []messaging.DeadLetter
}

func (s *memorySink) Record(_ context.Context, dl messaging.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, dl)
	return nil
}

func (s *memorySink) all() []messaging.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]messaging.DeadLetter(nil), s.letters...)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, messaging.DeadLetter) {}

func createTopics(t *testing.T, brokers []string, kinds ...jobs.Kind) {
	t.Helper()

	conn, err := kafka.Dial("tcp", brokers[0])
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	require.NoError(t, err)

	ctrl, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer func() { _ = ctrl.Close() }()

	configs := make([]kafka.TopicConfig, 0, len(kinds))
	for _, k := range kinds {
		configs = append(configs, kafka.TopicConfig{Topic: k.Queue(), NumPartitions: 3, ReplicationFactor: 1})
	}
	require.NoError(t, ctrl.CreateTopics(configs...))
}

func TestKafkaBus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	brokers, cleanup := testutil.SetupKafka(ctx, t)
	defer cleanup()

	createTopics(t, brokers, jobs.KindTryAssignCourier, jobs.KindClearCourier)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &memorySink{}
	processor := messaging.NewProcessor(messaging.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 10 * time.Millisecond,
		MaxInterval:     50 * time.Millisecond,
	}, sink, nopAlerter{}, clock.NewSystem(), logger)

	bus := messaging.NewKafkaBus(brokers, "dispatch-test", processor, clock.NewSystem(), logger,
		messaging.WithStartOffset(kafka.FirstOffset))
	defer func() { _ = bus.Close() }()

	t.Run("delivers jobs in order per key", func(t *testing.T) {
		for _, id := range []string{"o-1", "o-2", "o-1"} {
			require.NoError(t, bus.Enqueue(ctx, jobs.TryAssignCourier{OrderID: id}))
		}

		consumeCtx, stop := context.WithCancel(ctx)
		defer stop()

		var (
			mu  sync.Mutex
			got []string
		)
		done := make(chan error, 1)
		go func() {
			done <- bus.Consume(consumeCtx, jobs.KindTryAssignCourier, func(_ context.Context, job jobs.Job) error {
				mu.Lock()
				defer mu.Unlock()
				got = append(got, job.Payload.(jobs.TryAssignCourier).OrderID)
				if len(got) == 3 {
					stop()
				}
				return nil
			})
		}()

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-ctx.Done():
			t.Fatal("timed out waiting for jobs")
		}

		mu.Lock()
		defer mu.Unlock()
		assert.ElementsMatch(t, []string{"o-1", "o-2", "o-1"}, got)
	})

	t.Run("permanent failures are dead-lettered and committed", func(t *testing.T) {
		require.NoError(t, bus.Enqueue(ctx, jobs.ClearCourier{TerminalID: "t-1", CourierID: "c-1"}))

		consumeCtx, stop := context.WithCancel(ctx)
		defer stop()

		var calls int
		done := make(chan error, 1)
		go func() {
			done <- bus.Consume(consumeCtx, jobs.KindClearCourier, func(context.Context, jobs.Job) error {
				calls++
				return messaging.Permanent(errors.New("terminal does not exist"))
			})
		}()

		require.Eventually(t, func() bool { return len(sink.all()) == 1 }, time.Minute, 100*time.Millisecond)
		stop()
		require.NoError(t, <-done)

		assert.Equal(t, 1, calls, "permanent errors are not retried")
		letter := sink.all()[0]
		assert.Equal(t, jobs.KindClearCourier.Queue(), letter.Queue)
		assert.Equal(t, "t-1", letter.Key)
		assert.Contains(t, letter.Error, "terminal does not exist")
	})
}
