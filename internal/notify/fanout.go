// Package notify pushes order offers to couriers' devices.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/courier-dispatch/internal/cache"
	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/outbound"
)

type Notification struct {
	Title         string
	Body          string
	OrderID       string
	OrderStatusID string
	TerminalID    string
}

// Report lists courier ids by delivery outcome. Every requested courier
// appears in exactly one of Delivered, Failed, Transient or Skipped. Pruned
// couriers are also counted in Failed.
type Report struct {
	Delivered []string
	Failed    []string
	Transient []string
	Skipped   []string
	Pruned    []string
}

// Attempted is the number of couriers a send was tried for.
func (r Report) Attempted() int {
	return len(r.Delivered) + len(r.Failed) + len(r.Transient)
}

// AllTransient is true when something was attempted, nothing was delivered
// and every failure may succeed on retry.
func (r Report) AllTransient() bool {
	return len(r.Transient) > 0 && len(r.Delivered) == 0 && len(r.Failed) == 0
}

type Users interface {
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// Invalidator drops a cached user on this replica and its peers.
type Invalidator interface {
	Invalidate(ctx context.Context, inv cache.Invalidation) error
}

// TokenPruner clears a user's device token if it still equals token.
type TokenPruner interface {
	PruneToken(ctx context.Context, userID, token string) error
}

type Sender interface {
	Send(ctx context.Context, bearer, token string, n Notification) error
}

type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Reset(stale string)
}

type Fanout struct {
	users       Users
	invalidator Invalidator
	pruner      TokenPruner
	sender      Sender
	creds       TokenProvider
	concurrency int
	logger      *slog.Logger

	delivered metric.Int64Counter
	failed    metric.Int64Counter
	pruned    metric.Int64Counter
}

func NewFanout(users Users, invalidator Invalidator, pruner TokenPruner, sender Sender, creds TokenProvider, concurrency int, logger *slog.Logger) *Fanout {
	if concurrency < 1 {
		concurrency = 1
	}
	meter := otel.Meter("github.com/joao-fontenele/courier-dispatch/internal/notify")
	delivered, _ := meter.Int64Counter("dispatch.fanout.delivered")
	failed, _ := meter.Int64Counter("dispatch.fanout.failed")
	pruned, _ := meter.Int64Counter("dispatch.fanout.pruned")

	return &Fanout{
		users:       users,
		invalidator: invalidator,
		pruner:      pruner,
		sender:      sender,
		creds:       creds,
		concurrency: concurrency,
		logger:      logger.With("component", "fanout"),
		delivered:   delivered,
		failed:      failed,
		pruned:      pruned,
	}
}

type target struct {
	courierID string
	token     string
}

// Notify pushes n to every courier. Per-device failures only show up in the
// report; an error is returned only when nothing could be attempted because
// the gateway credential was unavailable.
func (f *Fanout) Notify(ctx context.Context, courierIDs []string, n Notification) (Report, error) {
	var (
		rep Report
		mu  sync.Mutex
	)
	record := func(list *[]string, id string) {
		mu.Lock()
		*list = append(*list, id)
		mu.Unlock()
	}

	targets := f.resolve(ctx, dedupe(courierIDs), &rep, record)
	if len(targets) == 0 {
		return rep, nil
	}

	// One credential for the whole batch.
	bearer, err := f.creds.Token(ctx)
	if err != nil {
		return rep, err
	}
	auth := &batchAuth{creds: f.creds, token: bearer}

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for _, t := range targets {
		g.Go(func() error {
			f.deliver(ctx, auth, t, n, &rep, record)
			return nil
		})
	}
	_ = g.Wait()

	f.delivered.Add(ctx, int64(len(rep.Delivered)))
	f.failed.Add(ctx, int64(len(rep.Failed)+len(rep.Transient)))
	f.pruned.Add(ctx, int64(len(rep.Pruned)))

	f.logger.InfoContext(ctx, "fan-out finished",
		"order_id", n.OrderID,
		"delivered", len(rep.Delivered),
		"failed", len(rep.Failed),
		"transient", len(rep.Transient),
		"skipped", len(rep.Skipped),
		"pruned", len(rep.Pruned),
	)
	return rep, nil
}

func (f *Fanout) resolve(ctx context.Context, ids []string, rep *Report, record func(*[]string, string)) []target {
	targets := make([]target, len(ids))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			u, err := f.users.GetUser(ctx, id)
			switch {
			case errors.Is(err, domain.ErrUserNotFound):
				record(&rep.Skipped, id)
			case err != nil:
				f.logger.WarnContext(ctx, "courier lookup failed", "courier_id", id, "error", err)
				record(&rep.Transient, id)
			case u.FCMToken == "":
				record(&rep.Skipped, id)
			default:
				targets[i] = target{courierID: id, token: u.FCMToken}
			}
			return nil
		})
	}
	_ = g.Wait()

	return slices.DeleteFunc(targets, func(t target) bool { return t.courierID == "" })
}

func (f *Fanout) deliver(ctx context.Context, auth *batchAuth, t target, n Notification, rep *Report, record func(*[]string, string)) {
	bearer := auth.current()
	err := f.sender.Send(ctx, bearer, t.token, n)
	if errors.Is(err, ErrUnauthorized) {
		if bearer, err = auth.refresh(ctx, bearer); err == nil {
			err = f.sender.Send(ctx, bearer, t.token, n)
		}
	}

	switch {
	case err == nil:
		record(&rep.Delivered, t.courierID)

	case errors.Is(err, ErrInvalidToken):
		record(&rep.Failed, t.courierID)
		if perr := f.prune(ctx, t); perr != nil {
			f.logger.WarnContext(ctx, "failed to prune device token", "courier_id", t.courierID, "error", perr)
			return
		}
		record(&rep.Pruned, t.courierID)

	case outbound.IsTransient(err):
		f.logger.WarnContext(ctx, "push delivery failed", "courier_id", t.courierID, "error", err)
		record(&rep.Transient, t.courierID)

	default:
		f.logger.WarnContext(ctx, "push delivery rejected", "courier_id", t.courierID, "error", err)
		record(&rep.Failed, t.courierID)
	}
}

func (f *Fanout) prune(ctx context.Context, t target) error {
	if err := f.pruner.PruneToken(ctx, t.courierID, t.token); err != nil {
		return err
	}
	return f.invalidator.Invalidate(ctx, cache.Invalidation{Kind: cache.KindUser, ID: t.courierID})
}

// batchAuth shares one bearer across a batch and re-authenticates at most
// once per rejected token.
type batchAuth struct {
	creds TokenProvider

	mu    sync.Mutex
	token string
}

func (a *batchAuth) current() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *batchAuth) refresh(ctx context.Context, rejected string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != rejected {
		return a.token, nil
	}
	a.creds.Reset(rejected)
	tok, err := a.creds.Token(ctx)
	if err != nil {
		return "", err
	}
	a.token = tok
	return tok, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
