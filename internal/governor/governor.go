// Package governor runs the two cycles: aggregation, which turns sample logs
// into snapshots, and enforcement, which turns snapshots into throttle
// decisions and kernel state.
package governor

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/config"
	"github.com/vesaa/trafficgov/internal/enforce"
	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/safefile"
	"github.com/vesaa/trafficgov/internal/snapshot"
	"github.com/vesaa/trafficgov/internal/tenant"
	"github.com/vesaa/trafficgov/internal/throttle"
	"github.com/vesaa/trafficgov/internal/traffic"
	"github.com/vesaa/trafficgov/internal/uplink"
)

type snapshotReader interface {
	Read(path, tenantName string) (*models.TenantTrafficRecord, error)
}

type ceilingRates interface {
	Rate(name string) (string, bool)
}

// Deps are the collaborators a Governor cannot build from config alone.
type Deps struct {
	Directory tenant.Directory
	Enforcer  enforce.Enforcer
	Recorder  throttle.Recorder
	Clock     quartz.Clock
	Logger    *zap.Logger

	// Chown overrides the ownership change on snapshot and ceiling files.
	Chown safefile.ChownFunc
}

// Governor wires the pipeline components together.
type Governor struct {
	cfg    *config.Config
	dir    tenant.Directory
	clock  quartz.Clock
	logger *zap.Logger

	aggregator *traffic.Aggregator
	snapshots  *snapshot.Store
	loader     snapshotReader
	limits     *throttle.LimitStore
	markers    *throttle.MarkerStore
	ceiling    ceilingRates
	defaultCap string
	engine     *throttle.Engine
	applier    *enforce.Applier

	resolveUplink func(iface, speed string) (string, string, error)
}

// New builds a Governor from cfg.
func New(cfg *config.Config, deps Deps) *Governor {
	if deps.Directory == nil {
		deps.Directory = tenant.SystemDirectory{}
	}
	if deps.Clock == nil {
		deps.Clock = quartz.NewReal()
	}
	logger := logging.OrNop(deps.Logger)

	markers := throttle.NewMarkerStore(filepath.Join(cfg.RuntimeDir, "throttle"))
	ceiling := throttle.NewFileCeiling(deps.Directory, cfg.ThrottleRate)
	snapshots := snapshot.NewStore(cfg.RuntimeDir, deps.Directory, logger)
	if deps.Chown != nil {
		ceiling.SetChown(deps.Chown)
		snapshots.SetChown(deps.Chown)
	}
	engine := throttle.NewEngine(markers, ceiling, throttle.Options{
		Cooldown:    cfg.Cooldown,
		LiftPause:   cfg.LiftPause,
		LiftRetries: cfg.LiftRetries,
		Clock:       deps.Clock,
		Recorder:    deps.Recorder,
		Logger:      logger,
	})

	g := &Governor{
		cfg:           cfg,
		dir:           deps.Directory,
		clock:         deps.Clock,
		logger:        logger.Named("governor"),
		aggregator:    traffic.NewAggregator(cfg.LogDir, cfg.HistoryLines, deps.Directory, logger),
		snapshots:     snapshots,
		loader:        snapshot.NewLoader(deps.Directory, logger),
		limits:        throttle.NewLimitStore(cfg.LimitsDir),
		markers:       markers,
		ceiling:       ceiling,
		defaultCap:    ceiling.DefaultRate(),
		engine:        engine,
		resolveUplink: uplink.Resolve,
	}
	if deps.Enforcer != nil {
		g.applier = enforce.NewApplier(deps.Enforcer, logger)
	}
	return g
}

// Limits exposes the per-tenant limit store.
func (g *Governor) Limits() *throttle.LimitStore { return g.limits }

// Tenants reads the roster.
func (g *Governor) Tenants() ([]string, error) {
	return tenant.LoadRoster(g.cfg.RosterPath)
}

// Counters expands tenant names into the sample counters to aggregate: the
// tenant itself and, when its sample log exists, its local-network counter.
// Invalid names, including ones that look like a local-network counter, are
// dropped.
func (g *Governor) Counters(names []string) []string {
	counters := make([]string, 0, len(names)*2)
	for _, name := range names {
		if !tenant.ValidName(name) {
			g.logger.Warn("skipping invalid tenant name", zap.String("tenant", name))
			continue
		}
		counters = append(counters, name)
		lan := name + tenant.LANSuffix
		if _, err := os.Stat(g.aggregator.LogPath(lan)); err == nil {
			counters = append(counters, lan)
		}
	}
	return counters
}

// Traffic returns the trusted cached snapshot for counter.
func (g *Governor) Traffic(counter string) (*models.TenantTrafficRecord, error) {
	if !tenant.ValidName(tenant.BaseName(counter)) {
		return nil, fmt.Errorf("invalid tenant name %q", counter)
	}
	return g.loader.Read(g.snapshots.CachePath(counter), tenant.BaseName(counter))
}
