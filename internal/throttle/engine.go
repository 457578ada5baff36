package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/metrics"
)

// DefaultCooldown is how long a tenant must stay under its limit before the
// ceiling is lifted.
const DefaultCooldown = 72 * time.Hour

// Action is the outcome of one evaluation.
type Action string

const (
	ActionSkip    Action = "skip"    // no limit configured
	ActionNone    Action = "none"    // under limit, not throttled
	ActionEnter   Action = "enter"   // crossed the limit
	ActionRefresh Action = "refresh" // still over the limit, marker re-touched
	ActionHold    Action = "hold"    // under limit, cooldown running
	ActionLeave   Action = "leave"   // cooldown elapsed, ceiling lifted
)

// Decision describes one evaluation for one tenant.
type Decision struct {
	Tenant   string
	Action   Action
	Previous Status
	Current  Status
	UsageMiB float64
	LimitGiB float64
	At       time.Time
}

// Recorder mirrors decisions somewhere queryable.
type Recorder interface {
	RecordDecision(ctx context.Context, d Decision) error
}

// Options tune an Engine. Zero values take the defaults.
type Options struct {
	Cooldown    time.Duration
	LiftPause   time.Duration
	LiftRetries uint64
	Clock       quartz.Clock
	Recorder    Recorder
	Logger      *zap.Logger
}

// Engine is the per-tenant hysteresis state machine.
type Engine struct {
	markers  *MarkerStore
	ceiling  Ceiling
	recorder Recorder
	clock    quartz.Clock
	logger   *zap.Logger

	cooldown    time.Duration
	liftPause   time.Duration
	liftRetries uint64
}

// NewEngine returns an Engine over markers and ceiling.
func NewEngine(markers *MarkerStore, ceiling Ceiling, opts Options) *Engine {
	e := &Engine{
		markers:     markers,
		ceiling:     ceiling,
		recorder:    opts.Recorder,
		clock:       opts.Clock,
		logger:      logging.OrNop(opts.Logger).Named("throttle"),
		cooldown:    opts.Cooldown,
		liftPause:   opts.LiftPause,
		liftRetries: opts.LiftRetries,
	}
	if e.clock == nil {
		e.clock = quartz.NewReal()
	}
	if e.cooldown <= 0 {
		e.cooldown = DefaultCooldown
	}
	return e
}

// Markers exposes the marker store the engine reads.
func (e *Engine) Markers() *MarkerStore { return e.markers }

// Evaluate runs one transition for tenant. usageMiB is the month window
// total, limitGiB the configured limit; a limit of zero skips the tenant.
//
// The marker is only touched while over the limit, so the cooldown clock
// starts when usage first drops under the limit and restarts whenever it
// goes over again.
func (e *Engine) Evaluate(ctx context.Context, tenant string, usageMiB, limitGiB float64) (Decision, error) {
	now := e.clock.Now()
	d := Decision{Tenant: tenant, UsageMiB: usageMiB, LimitGiB: limitGiB, At: now}
	if limitGiB <= 0 {
		d.Action = ActionSkip
		return d, nil
	}

	prev, err := e.markers.Load(tenant)
	if err != nil {
		return d, err
	}
	d.Previous, d.Current = prev, prev

	switch {
	case usageMiB > limitGiB*1024:
		if err := e.markers.Touch(tenant, now); err != nil {
			return d, err
		}
		if err := e.ceiling.Assert(ctx, tenant); err != nil {
			return d, fmt.Errorf("asserting ceiling: %w", err)
		}
		d.Action = ActionRefresh
		if !prev.Throttled() {
			d.Action = ActionEnter
		}
		d.Current = Status{State: StateThrottled, Since: now}

	case prev.Throttled() && now.Sub(prev.Since) > e.cooldown:
		// The marker goes only once the ceiling is gone, so a failed lift
		// is attempted again next cycle.
		if err := e.lift(ctx, tenant); err != nil {
			return d, fmt.Errorf("lifting ceiling: %w", err)
		}
		if err := e.markers.Remove(tenant); err != nil {
			return d, err
		}
		d.Action = ActionLeave
		d.Current = Status{State: StateNormal}

	case prev.Throttled():
		d.Action = ActionHold

	default:
		d.Action = ActionNone
	}

	metrics.IncThrottleDecision(string(d.Action))
	e.log(d)
	if e.recorder != nil {
		if err := e.recorder.RecordDecision(ctx, d); err != nil {
			e.logger.Warn("recording decision failed", zap.String("tenant", tenant), zap.Error(err))
		}
	}
	return d, nil
}

// lift removes the ceiling at least twice with a pause in between. The
// enforcement path has been seen to drop a removal, so the first failure is
// counted and the second pass retries with a bounded backoff.
func (e *Engine) lift(ctx context.Context, tenant string) error {
	if err := e.ceiling.Lift(ctx, tenant); err != nil {
		metrics.IncCeilingLiftFirstFailure()
		e.logger.Warn("first ceiling lift failed, retrying",
			zap.String("tenant", tenant),
			zap.Error(err),
		)
	}
	if err := e.pause(ctx); err != nil {
		return err
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(e.liftPause), e.liftRetries),
		ctx,
	)
	return backoff.RetryNotify(func() error {
		return e.ceiling.Lift(ctx, tenant)
	}, b, func(err error, next time.Duration) {
		e.logger.Warn("ceiling lift retry",
			zap.String("tenant", tenant),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
}

func (e *Engine) pause(ctx context.Context) error {
	if e.liftPause <= 0 {
		return nil
	}
	t := e.clock.NewTimer(e.liftPause, "throttle", "lift")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (e *Engine) log(d Decision) {
	fields := []zap.Field{
		zap.String("tenant", d.Tenant),
		zap.String("action", string(d.Action)),
		zap.Float64("usage_mib", d.UsageMiB),
		zap.Float64("limit_gib", d.LimitGiB),
	}
	switch d.Action {
	case ActionEnter, ActionLeave:
		e.logger.Info("throttle state changed", fields...)
	case ActionHold:
		e.logger.Debug("cooldown running", append(fields, zap.Duration("age", d.At.Sub(d.Previous.Since)))...)
	default:
		e.logger.Debug("throttle evaluated", fields...)
	}
}
