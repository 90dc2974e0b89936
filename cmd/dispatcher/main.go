package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/courier-dispatch/internal/api"
	"github.com/joao-fontenele/courier-dispatch/internal/cache"
	"github.com/joao-fontenele/courier-dispatch/internal/clock"
	"github.com/joao-fontenele/courier-dispatch/internal/config"
	"github.com/joao-fontenele/courier-dispatch/internal/deadletter"
	"github.com/joao-fontenele/courier-dispatch/internal/dispatch"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
	"github.com/joao-fontenele/courier-dispatch/internal/messaging"
	"github.com/joao-fontenele/courier-dispatch/internal/notify"
	"github.com/joao-fontenele/courier-dispatch/internal/outbound"
	"github.com/joao-fontenele/courier-dispatch/internal/partner"
	"github.com/joao-fontenele/courier-dispatch/internal/rotation"
	"github.com/joao-fontenele/courier-dispatch/internal/store"
	"github.com/joao-fontenele/courier-dispatch/internal/telemetry"
	"github.com/joao-fontenele/courier-dispatch/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatcher stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatcher stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	shutdownTracer, err := telemetry.InitTracerProvider(ctx, cfg.ServiceName, cfg.ServiceVersion, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		return fmt.Errorf("init tracer provider: %w", err)
	}
	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider(cfg.ServiceName, cfg.ServiceVersion)
	if err != nil {
		return fmt.Errorf("init meter provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMeter(shutdownCtx)
		_ = shutdownTracer(shutdownCtx)
	}()

	db, err := telemetry.OpenDB("postgres", cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}

	gormDB, err := deadletter.Open(cfg.PostgresURL)
	if err != nil {
		return fmt.Errorf("open dead letter store: %w", err)
	}

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		defer nc.Close()
	}

	clk := clock.NewSystem()

	orders := store.NewOrderRepository(db)
	reference := store.NewReferenceRepository(db)
	dispatches := store.NewDispatchRepository(db)
	claims := store.NewClaimRepository(db)

	configCache := cache.NewConfigCache(reference, cache.Options{
		TTL:         cfg.Cache.TTL,
		LoadTimeout: cfg.Cache.LoadTimeout,
	}, clk)
	invalidator := cache.NewBroadcaster(nc, configCache)
	if nc != nil {
		sub, err := cache.Listen(nc, configCache, logger)
		if err != nil {
			return err
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	deadLetters := deadletter.NewRepository(gormDB, clk)
	alerters := deadletter.Alerters{deadletter.NewLogAlerter(logger)}
	if nc != nil {
		alerters = append(alerters, deadletter.NewNATSAlerter(nc, logger))
	}
	processor := messaging.NewProcessor(messaging.RetryPolicy{
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		InitialInterval: cfg.Jobs.InitialBackoff,
		MaxInterval:     cfg.Jobs.MaxBackoff,
		Multiplier:      2,
		AttemptTimeout:  cfg.Jobs.AttemptTimeout,
	}, deadLetters, alerters, clk, logger)

	bus := messaging.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaGroupID, processor, clk, logger)
	defer func() { _ = bus.Close() }()

	policy, err := rotation.ParsePolicy(cfg.Rotation.Policy)
	if err != nil {
		return err
	}
	rings, err := rotation.SelectStore(cfg.Rotation.Store, store.NewRotationStore(db))
	if err != nil {
		return err
	}
	queue := rotation.NewQueue(rings, policy, clk, logger)

	creds, err := pushCredentials(cfg.Push, clk)
	if err != nil {
		return err
	}
	client := outbound.NewClient(nil)
	gateway := notify.NewGateway(client, cfg.Push.Endpoint, cfg.Push.ProjectID, outbound.Policy{
		MaxAttempts:     uint(max(cfg.Push.MaxAttempts, 1)),
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		Timeout:         cfg.Push.Timeout,
	})
	fanout := notify.NewFanout(configCache, invalidator, reference, gateway, creds, cfg.Push.Concurrency, logger)

	coordinator := dispatch.NewCoordinator(orders, dispatches, configCache, queue, fanout, bus, clk, dispatch.Config{
		EscalateAfter:   cfg.Dispatch.EscalateAfter,
		RecheckInterval: cfg.Dispatch.RecheckInterval,
		MaxRechecks:     cfg.Dispatch.MaxRechecks,
		OfferTitle:      cfg.Push.OfferTitle,
	}, logger)

	webhooks := webhook.NewNotifier(orders, configCache, store.NewWebhookDeliveries(db), client,
		cfg.Webhook.Token, callPolicy(cfg.Webhook.MaxAttempts, cfg.Webhook.Timeout), clk, logger)

	partners := partner.NewAdapter(claims, orders, configCache, dispatches, coordinator, client,
		cfg.Partner.BaseURL, cfg.Partner.Token, callPolicy(cfg.Partner.MaxAttempts, cfg.Partner.Timeout), clk, logger)

	handlers := make(map[jobs.Kind]messaging.Handler)
	for _, k := range coordinator.Kinds() {
		handlers[k] = coordinator.Handle
	}
	rotationHandler := rotation.NewHandler(queue, logger)
	for _, k := range rotationHandler.Kinds() {
		handlers[k] = rotationHandler.Handle
	}
	for _, k := range partners.Kinds() {
		handlers[k] = partners.Handle
	}
	handlers[jobs.KindOrderEcommerceWebhook] = webhooks.Handle

	sweeper := dispatch.NewSweeper(coordinator, claims, cfg.Dispatch.SweepSchedule, cfg.Dispatch.SweepBatch, logger)

	srv := api.NewServer(api.Deps{
		Bus:         bus,
		Invalidator: invalidator,
		Offers:      coordinator,
		OfferLookup: dispatches,
		DeadLetters: deadLetters,
		Requeuer:    deadletter.NewRequeuer(deadLetters, bus),
		Rotation:    queue,
		Metrics:     metricsHandler,
	}, logger)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      otelhttp.NewHandler(srv.Router(), "dispatcher"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, kind := range jobs.Kinds() {
		h, ok := handlers[kind]
		if !ok {
			logger.Warn("no consumer for queue", "queue", kind.Queue())
			continue
		}
		g.Go(func() error {
			if err := bus.Consume(gctx, kind, h); err != nil {
				return fmt.Errorf("consume %s: %w", kind.Queue(), err)
			}
			return nil
		})
	}

	if err := sweeper.Start(gctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	g.Go(func() error {
		logger.Info("starting dispatcher api", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func pushCredentials(cfg config.PushConfig, clk clock.Clock) (*notify.Credentials, error) {
	if cfg.AccessToken != "" {
		return notify.StaticCredentials(cfg.AccessToken, clk), nil
	}
	if cfg.CredentialsFile == "" {
		return nil, errors.New("FCM_CREDENTIALS_FILE or FCM_ACCESS_TOKEN is required")
	}
	key, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read push credentials: %w", err)
	}
	return notify.ServiceAccountCredentials(key, clk)
}

// callPolicy builds the policy for calls whose retries are normally left to
// the job bus.
func callPolicy(attempts int, timeout time.Duration) outbound.Policy {
	if attempts <= 1 {
		return outbound.Once(timeout)
	}
	return outbound.Policy{
		MaxAttempts:     uint(attempts),
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Timeout:         timeout,
	}
}
