// Package models defines the traffic data model and GORM state models for trafficgov.
package models

import "time"

// MaxSampleMiB caps a single sample. Anything above it cannot have been
// transferred in one sampling interval and is treated as counter corruption.
const MaxSampleMiB = 150000

// TrafficSample is one parsed "<timestamp>: <bytes>" line.
type TrafficSample struct {
	Timestamp time.Time
	Megabytes float64 // MiB
}

// Unix returns the sample time in seconds.
func (s TrafficSample) Unix() int64 { return s.Timestamp.Unix() }

// Window names a rolling lookback period.
type Window string

const (
	WindowMonth Window = "month"
	WindowWeek  Window = "week"
	WindowDay   Window = "day"
	WindowHour  Window = "hour"
	Window15Min Window = "15min"
)

// DailyKeyLayout formats the keys of TenantTrafficRecord.Daily.
const DailyKeyLayout = "2006/01/02"

// Windows is the fixed, ordered window set.
var Windows = []Window{WindowMonth, WindowWeek, WindowDay, WindowHour, Window15Min}

// Duration returns the lookback length of w, or 0 for an unknown window.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMonth:
		return 30 * 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowHour:
		return time.Hour
	case Window15Min:
		return 15 * time.Minute
	}
	return 0
}

// CompareTimes maps each window to the earliest unix timestamp it includes.
type CompareTimes map[Window]int64

// NewCompareTimes computes the window thresholds once for a processing cycle.
func NewCompareTimes(now time.Time) CompareTimes {
	ct := make(CompareTimes, len(Windows))
	for _, w := range Windows {
		ct[w] = now.Unix() - int64(w.Duration()/time.Second)
	}
	return ct
}

// TenantTrafficRecord is the aggregate persisted once per cycle per tenant.
// Raw and Daily values are MiB.
type TenantTrafficRecord struct {
	Raw     map[Window]float64 `json:"raw"`
	Display map[Window]string  `json:"display"`
	Daily   map[string]float64 `json:"daily"`
}

// NewTenantTrafficRecord returns a record with every window zeroed.
func NewTenantTrafficRecord() *TenantTrafficRecord {
	rec := &TenantTrafficRecord{
		Raw:     make(map[Window]float64, len(Windows)),
		Display: make(map[Window]string, len(Windows)),
		Daily:   make(map[string]float64),
	}
	for _, w := range Windows {
		rec.Raw[w] = 0
	}
	return rec
}

// MonthMiB is the usage figure the throttle engine compares against the limit.
func (r *TenantTrafficRecord) MonthMiB() float64 {
	return r.Raw[WindowMonth]
}
