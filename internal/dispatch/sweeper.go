package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/joao-fontenele/courier-dispatch/internal/domain"
	"github.com/joao-fontenele/courier-dispatch/internal/jobs"
)

// Claims tells whether the delivery partner holds an open claim for an order.
type Claims interface {
	HasClaim(ctx context.Context, orderID string) (bool, error)
}

type action int

const (
	actionNone action = iota
	// actionRetry re-enqueues try_assign for an order idle in needs_courier.
	actionRetry
	// actionRecheck starts another offer round after an empty one.
	actionRecheck
	actionEscalate
	// actionPartner re-enqueues partner_dispatch for an escalated order the
	// partner has no open claim for.
	actionPartner
)

// plan decides what the sweeper does with d at now.
func plan(d domain.Dispatch, now time.Time, cfg Config) (action, string) {
	switch d.State {
	case domain.DispatchNeedsCourier:
		if cfg.EscalateAfter > 0 && now.Sub(d.OpenedAt) >= cfg.EscalateAfter {
			return actionEscalate, "no acceptance in time"
		}
		if now.Sub(d.StateChangedAt) >= cfg.RecheckInterval {
			return actionRetry, ""
		}

	case domain.DispatchCandidatesNotified:
		if cfg.EscalateAfter > 0 && now.Sub(d.OpenedAt) >= cfg.EscalateAfter {
			return actionEscalate, "no acceptance in time"
		}
		if d.CandidateCount > 0 || d.NotifiedAt == nil {
			return actionNone, ""
		}
		if d.Rechecks >= cfg.MaxRechecks {
			return actionEscalate, "no courier available"
		}
		if !now.Before(d.NotifiedAt.Add(recheckDelay(cfg.RecheckInterval, d.Rechecks))) {
			return actionRecheck, ""
		}

	case domain.DispatchEscalated:
		if now.Sub(d.StateChangedAt) >= cfg.RecheckInterval {
			return actionPartner, ""
		}
	}
	return actionNone, ""
}

// recheckDelay doubles base for every re-check already done.
func recheckDelay(base time.Duration, rechecks int) time.Duration {
	d := base
	for range rechecks {
		if d > 24*time.Hour {
			break
		}
		d *= 2
	}
	return d
}

// Sweeper periodically re-checks empty offer rounds and escalates orders
// that waited too long.
type Sweeper struct {
	coord    *Coordinator
	claims   Claims
	schedule string
	batch    int
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewSweeper(coord *Coordinator, claims Claims, schedule string, batch int, logger *slog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 500
	}
	return &Sweeper{
		coord:    coord,
		claims:   claims,
		schedule: schedule,
		batch:    batch,
		cron:     cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger.With("component", "dispatch_sweeper"),
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "dispatch sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweeper %q: %w", s.schedule, err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "dispatch sweeper started", "schedule", s.schedule)
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("dispatch sweeper stopped")
}

// Sweep runs one pass over the active dispatch rows. A failure for one order
// is logged and does not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	rows, err := s.coord.states.ListActive(ctx, s.batch)
	if err != nil {
		return fmt.Errorf("list active dispatches: %w", err)
	}

	now := s.coord.clock.Now()
	for _, d := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		act, reason := plan(d, now, s.coord.cfg)
		if err := s.run(ctx, d, act, reason); err != nil {
			s.logger.WarnContext(ctx, "sweep step failed", "order_id", d.OrderID, "state", d.State, "error", err)
		}
	}
	return nil
}

func (s *Sweeper) run(ctx context.Context, d domain.Dispatch, act action, reason string) error {
	switch act {
	case actionRetry:
		return s.coord.bus.Enqueue(ctx, jobs.TryAssignCourier{OrderID: d.OrderID})

	case actionRecheck:
		_, err := s.coord.Recheck(ctx, d)
		return err

	case actionEscalate:
		_, err := s.coord.Escalate(ctx, d.OrderID, reason)
		return err

	case actionPartner:
		claimed, err := s.claims.HasClaim(ctx, d.OrderID)
		if err != nil || claimed {
			return err
		}
		_, err = s.coord.Escalate(ctx, d.OrderID, "partner job missing")
		return err
	}
	return nil
}

// Recheck reopens an empty offer round so try_assign looks again.
func (c *Coordinator) Recheck(ctx context.Context, d domain.Dispatch) (Outcome, error) {
	if d.State != domain.DispatchCandidatesNotified || d.CandidateCount > 0 {
		return c.record(ctx, OutcomeSkipped), nil
	}
	if _, ok, err := c.apply(ctx, d, d.Next(domain.DispatchNeedsCourier, c.clock.Now())); err != nil {
		return "", err
	} else if !ok {
		return c.record(ctx, OutcomeStale), nil
	}
	if err := c.bus.Enqueue(ctx, jobs.TryAssignCourier{OrderID: d.OrderID}); err != nil {
		return "", fmt.Errorf("enqueue try assign: %w", err)
	}
	return c.record(ctx, OutcomeReopened), nil
}
