package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficgov_samples_rejected_total",
		Help: "Sample lines discarded as malformed or implausible",
	})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trafficgov_aggregation_duration_seconds",
		Help:    "Time to aggregate and persist one tenant",
		Buckets: prometheus.DefBuckets,
	})

	AggregationSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgov_aggregation_skipped_total",
		Help: "Tenants skipped by the aggregation guard clauses",
	}, []string{"reason"})

	SnapshotRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgov_snapshot_rejected_total",
		Help: "Snapshots that failed the ownership and content trust checks",
	}, []string{"reason"})

	ThrottledTenants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trafficgov_throttled_tenants",
		Help: "Tenants currently holding a throttle marker",
	})

	ThrottleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgov_throttle_decisions_total",
		Help: "Throttle decisions by action",
	}, []string{"action"})

	CeilingLiftFirstFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trafficgov_ceiling_lift_first_attempt_failures_total",
		Help: "Ceiling lifts whose first attempt failed and needed the retry path",
	})

	RulesetApplies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgov_ruleset_applies_total",
		Help: "Packet filter ruleset applications by mode and result",
	}, []string{"mode", "result"})

	ShaperLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trafficgov_shaper_loads_total",
		Help: "Shaper configuration loads by result",
	}, []string{"result"})

	EnforceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trafficgov_enforce_cycle_duration_seconds",
		Help:    "Time to run one enforcement cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func IncSamplesRejected() {
	SamplesRejected.Inc()
}

func ObserveAggregationDuration(duration time.Duration) {
	AggregationDuration.Observe(duration.Seconds())
}

func IncAggregationSkipped(reason string) {
	AggregationSkipped.WithLabelValues(label(reason)).Inc()
}

func IncSnapshotRejected(reason string) {
	SnapshotRejected.WithLabelValues(label(reason)).Inc()
}

func SetThrottledTenants(count int) {
	if count < 0 {
		count = 0
	}
	ThrottledTenants.Set(float64(count))
}

func IncThrottleDecision(action string) {
	ThrottleDecisions.WithLabelValues(label(action)).Inc()
}

func IncCeilingLiftFirstFailure() {
	CeilingLiftFirstFailures.Inc()
}

func IncRulesetApply(mode string, ok bool) {
	RulesetApplies.WithLabelValues(label(mode), result(ok)).Inc()
}

func IncShaperLoad(ok bool) {
	ShaperLoads.WithLabelValues(result(ok)).Inc()
}

func ObserveEnforceDuration(duration time.Duration) {
	EnforceDuration.Observe(duration.Seconds())
}

func label(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "unknown"
	}
	return v
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
