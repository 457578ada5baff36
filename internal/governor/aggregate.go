package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/metrics"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/tenant"
	"github.com/vesaa/trafficgov/internal/traffic"
)

// Dispatch tracks one fan-out of aggregation workers.
type Dispatch struct {
	ID string

	wg      sync.WaitGroup
	mu      sync.Mutex
	results map[string]error
}

// Wait blocks until every worker is done and returns each counter's result.
func (d *Dispatch) Wait() map[string]error {
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]error, len(d.results))
	for k, v := range d.results {
		out[k] = v
	}
	return out
}

func (d *Dispatch) done(counter string, err error) {
	d.mu.Lock()
	d.results[counter] = err
	d.mu.Unlock()
}

// DispatchAggregation starts one worker per counter and returns at once.
// Workers share nothing; one slow or corrupt log does not hold up the rest.
func (g *Governor) DispatchAggregation(ctx context.Context, counters []string) *Dispatch {
	d := &Dispatch{ID: uuid.NewString(), results: make(map[string]error, len(counters))}
	compare := models.NewCompareTimes(g.clock.Now())
	logger := g.logger.With(zap.String("cycle", d.ID))

	for _, counter := range counters {
		if !tenant.ValidName(tenant.BaseName(counter)) {
			logger.Warn("skipping invalid tenant name", zap.String("tenant", counter))
			d.done(counter, fmt.Errorf("invalid tenant name %q", counter))
			continue
		}
		d.wg.Add(1)
		go func(counter string) {
			defer d.wg.Done()
			d.done(counter, g.aggregateOne(ctx, counter, compare, logger))
		}(counter)
	}
	logger.Debug("aggregation dispatched", zap.Int("workers", len(counters)))
	return d
}

// RunAggregation dispatches the whole roster without waiting.
func (g *Governor) RunAggregation(ctx context.Context) {
	names, err := g.Tenants()
	if err != nil {
		g.logger.Error("loading roster failed", zap.Error(err))
		return
	}
	g.DispatchAggregation(ctx, g.Counters(names))
}

func (g *Governor) aggregateOne(ctx context.Context, counter string, compare models.CompareTimes, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			logger.Error("aggregation worker panic recovered",
				zap.String("tenant", counter),
				zap.Any("panic", r),
			)
		}
	}()

	start := g.clock.Now()
	rec, err := g.aggregator.Aggregate(ctx, counter, compare)
	if err != nil {
		reason := skipReason(err)
		metrics.IncAggregationSkipped(reason)
		logger.Info("tenant not aggregated",
			zap.String("tenant", counter),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return err
	}
	if err := g.snapshots.Save(counter, rec); err != nil {
		logger.Error("saving snapshot failed", zap.String("tenant", counter), zap.Error(err))
		return err
	}
	metrics.ObserveAggregationDuration(g.clock.Since(start))
	logger.Debug("tenant aggregated",
		zap.String("tenant", counter),
		zap.String("month", rec.Display[models.WindowMonth]),
	)
	return nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, traffic.ErrUnknownTenant):
		return "unknown_tenant"
	case errors.Is(err, traffic.ErrNoHome):
		return "no_home"
	case errors.Is(err, traffic.ErrLogUnreadable):
		return "log_unreadable"
	case errors.Is(err, traffic.ErrTooFewSamples):
		return "too_few_samples"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}
