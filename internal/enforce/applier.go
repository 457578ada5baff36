package enforce

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/metrics"
)

// Applier applies rulesets atomically, falling back to the sequential path
// when the bulk load fails.
type Applier struct {
	enforcer Enforcer
	logger   *zap.Logger
}

// NewApplier wraps enforcer.
func NewApplier(enforcer Enforcer, logger *zap.Logger) *Applier {
	return &Applier{enforcer: enforcer, logger: logging.OrNop(logger).Named("apply")}
}

// Apply installs rs. It only fails when both paths fail.
func (a *Applier) Apply(ctx context.Context, rs Ruleset) error {
	err := a.enforcer.ApplyAtomic(ctx, rs)
	metrics.IncRulesetApply("atomic", err == nil)
	if err == nil {
		a.logger.Info("ruleset applied",
			zap.Int("filter_rules", len(rs.Filter)),
			zap.Int("nat_rules", len(rs.NAT)),
		)
		return nil
	}
	a.logger.Warn("atomic apply failed, falling back to sequential", zap.Error(err))

	seqErr := a.enforcer.ApplySequential(ctx, rs)
	metrics.IncRulesetApply("sequential", seqErr == nil)
	if seqErr != nil {
		return fmt.Errorf("sequential apply after atomic failure (%v): %w", err, seqErr)
	}
	a.logger.Info("ruleset applied sequentially",
		zap.Int("filter_rules", len(rs.Filter)),
		zap.Int("nat_rules", len(rs.NAT)),
	)
	return nil
}

// LoadShaper installs a rendered shaper config.
func (a *Applier) LoadShaper(ctx context.Context, text string) error {
	err := a.enforcer.LoadShaperConfig(ctx, text)
	metrics.IncShaperLoad(err == nil)
	if err != nil {
		return err
	}
	a.logger.Info("shaper config loaded")
	return nil
}
