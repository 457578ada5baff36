package governor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/metrics"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/render"
	"github.com/vesaa/trafficgov/internal/snapshot"
	"github.com/vesaa/trafficgov/internal/tenant"
	"github.com/vesaa/trafficgov/internal/throttle"
)

// Report summarizes one enforcement cycle.
type Report struct {
	ID        string
	Decisions []throttle.Decision
	Failed    map[string]error // tenants that could not be evaluated
	Marks     []render.Mark
	Throttled int
	RuleCount int
	Shaper    string
}

// RunEnforcement runs one cycle and logs the outcome; for the scheduler.
func (g *Governor) RunEnforcement(ctx context.Context) {
	if _, err := g.Enforce(ctx); err != nil {
		g.logger.Error("enforcement cycle failed", zap.Error(err))
	}
}

// Enforce evaluates every tenant, then renders and applies the resulting
// ruleset and shaper config. A tenant that cannot be evaluated is logged
// and left out of the decisions; it never stops the cycle.
func (g *Governor) Enforce(ctx context.Context) (*Report, error) {
	start := g.clock.Now()
	defer func() { metrics.ObserveEnforceDuration(g.clock.Since(start)) }()

	rep := &Report{ID: uuid.NewString(), Failed: make(map[string]error)}
	logger := g.logger.With(zap.String("cycle", rep.ID))

	names, err := g.Tenants()
	if err != nil {
		return rep, fmt.Errorf("loading roster: %w", err)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		d, err := g.evaluate(ctx, name, logger)
		if err != nil {
			rep.Failed[name] = err
			continue
		}
		if d.Action != throttle.ActionSkip {
			rep.Decisions = append(rep.Decisions, d)
		}
	}

	throttled, err := g.markers.List()
	if err != nil {
		logger.Warn("listing throttle markers failed", zap.Error(err))
	}
	rep.Throttled = len(throttled)
	metrics.SetThrottledTenants(rep.Throttled)

	if g.applier == nil {
		return rep, nil
	}
	return rep, g.apply(ctx, names, rep, logger)
}

// evaluate runs the throttle engine for one tenant, recovering from panics.
func (g *Governor) evaluate(ctx context.Context, name string, logger *zap.Logger) (d throttle.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("tenant evaluation panic recovered", zap.String("tenant", name), zap.Any("panic", r))
		}
	}()

	if !tenant.ValidName(name) {
		logger.Warn("skipping invalid tenant name", zap.String("tenant", name))
		return d, fmt.Errorf("invalid tenant name %q", name)
	}

	limit, err := g.limits.Get(name)
	if err != nil {
		logger.Warn("skipping tenant with bad limit", zap.String("tenant", name), zap.Error(err))
		return d, err
	}
	if limit <= 0 {
		return throttle.Decision{Tenant: name, Action: throttle.ActionSkip}, nil
	}

	rec, err := g.loader.Read(g.snapshots.CachePath(name), name)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		logger.Info("no traffic snapshot yet", zap.String("tenant", name))
		return d, err
	case errors.Is(err, snapshot.ErrUntrusted):
		logger.Warn("ignoring untrusted traffic snapshot", zap.String("tenant", name), zap.Error(err))
		return d, err
	case err != nil:
		logger.Error("reading traffic snapshot failed", zap.String("tenant", name), zap.Error(err))
		return d, err
	}

	d, err = g.engine.Evaluate(ctx, name, rec.MonthMiB(), limit)
	if err != nil {
		logger.Error("throttle evaluation failed", zap.String("tenant", name), zap.Error(err))
		return d, err
	}
	return d, nil
}

func (g *Governor) apply(ctx context.Context, names []string, rep *Report, logger *zap.Logger) error {
	r, err := g.renderer()
	if err != nil {
		return fmt.Errorf("preparing renderer: %w", err)
	}

	rep.Marks = r.Plan(g.accounts(names, logger))
	rs := r.Ruleset(rep.Marks)
	rep.RuleCount = len(rs.Filter) + len(rs.NAT)
	rep.Shaper = r.ShaperConfig(rep.Marks, g.ceilings(rep.Marks))

	var errs []error
	if err := g.applier.Apply(ctx, rs); err != nil {
		logger.Error("applying ruleset failed", zap.Error(err))
		errs = append(errs, err)
	}
	if err := g.applier.LoadShaper(ctx, rep.Shaper); err != nil {
		logger.Error("loading shaper config failed", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// renderer reads the topology inputs fresh each cycle so edits to the
// local-network list or the template take effect without a restart.
func (g *Governor) renderer() (*render.Renderer, error) {
	iface, speed, err := g.resolveUplink(g.cfg.Uplink, g.cfg.LinkSpeed)
	if err != nil {
		return nil, err
	}
	lans, err := render.LoadLocalNetworks(g.cfg.LocalNetworksPath, g.logger)
	if err != nil {
		return nil, err
	}
	tmpl, err := render.LoadTemplate(g.cfg.ShaperTemplatePath, g.logger)
	if err != nil {
		return nil, err
	}
	return render.New(render.Options{
		Uplink:        iface,
		LinkSpeed:     speed,
		LocalNetworks: lans,
		Bogons:        g.cfg.BogonNetworks,
		VPNInterfaces: g.cfg.VPNInterfaces,
		VPNPorts:      g.cfg.VPNPorts,
		Template:      tmpl,
		Logger:        g.logger,
	}), nil
}

// accounts resolves roster names in order, then appends the infrastructure
// account. Names that no longer resolve are skipped without using a mark.
func (g *Governor) accounts(names []string, logger *zap.Logger) []tenant.Account {
	accts := make([]tenant.Account, 0, len(names)+1)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !tenant.ValidName(name) {
			continue
		}
		acct, err := g.dir.Lookup(name)
		if err != nil {
			logger.Warn("tenant has no system account", zap.String("tenant", name), zap.Error(err))
			continue
		}
		accts = append(accts, *acct)
		seen[name] = true
	}
	if infra := g.cfg.InfraAccount; infra != "" && !seen[infra] {
		acct, err := g.dir.Lookup(infra)
		if err != nil {
			logger.Warn("infrastructure account missing", zap.String("account", infra), zap.Error(err))
		} else {
			accts = append(accts, *acct)
		}
	}
	return accts
}

// ceilings returns the cap for every tenant that holds a throttle marker or
// a root-owned ceiling file.
func (g *Governor) ceilings(plan []render.Mark) map[string]string {
	caps := make(map[string]string)
	for _, m := range plan {
		name := m.Account.Name
		rate, ok := g.ceiling.Rate(name)
		if !ok {
			st, err := g.markers.Load(name)
			if err != nil || !st.Throttled() {
				continue
			}
			rate = g.defaultCap
		}
		caps[name] = rate
	}
	return caps
}

// TenantStatus is one row of the status listing.
type TenantStatus struct {
	Tenant   string
	State    throttle.State
	Since    time.Time
	UsageMiB float64
	Usage    string
	LimitGiB float64
	Note     string
}

// Status reports marker state, month usage and limit for every roster tenant.
func (g *Governor) Status() ([]TenantStatus, error) {
	names, err := g.Tenants()
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	out := make([]TenantStatus, 0, len(names))
	for _, name := range names {
		if !tenant.ValidName(name) {
			continue
		}
		row := TenantStatus{Tenant: name, Usage: "-"}
		if st, err := g.markers.Load(name); err == nil {
			row.State, row.Since = st.State, st.Since
		}
		if limit, err := g.limits.Get(name); err != nil {
			row.Note = "bad limit"
		} else {
			row.LimitGiB = limit
		}
		rec, err := g.loader.Read(g.snapshots.CachePath(name), name)
		switch {
		case err == nil:
			row.UsageMiB = rec.MonthMiB()
			row.Usage = rec.Display[models.WindowMonth]
		case errors.Is(err, snapshot.ErrUntrusted):
			row.Note = "untrusted snapshot"
		}
		out = append(out, row)
	}
	return out, nil
}
