package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	jobAggregate = "traffic.aggregate"
	jobEnforce   = "throttle.enforce"
)

type AggregationTask interface {
	RunAggregation(ctx context.Context)
}

type EnforcementTask interface {
	RunEnforcement(ctx context.Context)
}

type Deps struct {
	Aggregation   AggregationTask
	Enforcement   EnforcementTask
	AggregateSpec string
	EnforceSpec   string
	Location      *time.Location
}

// New registers the daemon's jobs. Jobs receive ctx, so cancelling it stops
// in-flight work; call Stop on the returned cron to stop scheduling.
// Enforcement runs are never allowed to overlap.
func New(ctx context.Context, deps Deps, logger *zap.Logger) (*cron.Cron, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := deps.Location
	if loc == nil {
		loc = time.UTC
	}

	cl := cronLogger{logger}
	c := cron.New(cron.WithSeconds(), cron.WithLocation(loc), cron.WithLogger(cl))

	if deps.Aggregation != nil {
		if err := addFunc(c, deps.AggregateSpec, jobAggregate, logger, func() {
			deps.Aggregation.RunAggregation(ctx)
		}); err != nil {
			return nil, err
		}
	}
	if deps.Enforcement != nil {
		job := cron.NewChain(cron.SkipIfStillRunning(cl)).Then(cron.FuncJob(func() {
			deps.Enforcement.RunEnforcement(ctx)
		}))
		if err := addJob(c, deps.EnforceSpec, jobEnforce, logger, job); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func addFunc(c *cron.Cron, spec string, name string, logger *zap.Logger, fn func()) error {
	return addJob(c, spec, name, logger, cron.FuncJob(fn))
}

func addJob(c *cron.Cron, spec string, name string, logger *zap.Logger, job cron.Job) error {
	if _, err := c.AddFunc(spec, func() {
		defer recoverJobPanic(name, logger)
		start := time.Now()
		job.Run()
		logger.Debug("scheduler job finished", zap.String("job", name), zap.Duration("cost", time.Since(start)))
	}); err != nil {
		logger.Error("register scheduler job failed",
			zap.String("job", name),
			zap.String("spec", spec),
			zap.Error(err),
		)
		return fmt.Errorf("scheduling %s (%q): %w", name, spec, err)
	}
	return nil
}

func recoverJobPanic(jobName string, logger *zap.Logger) {
	if recovered := recover(); recovered != nil {
		logger.Error("scheduler job panic recovered",
			zap.String("job", jobName),
			zap.Any("panic", recovered),
		)
	}
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
