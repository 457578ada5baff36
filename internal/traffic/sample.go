// Package traffic parses raw per-tenant byte-counter samples and folds them
// into rolling-window aggregates.
package traffic

import (
	"strconv"
	"strings"
	"time"

	"github.com/vesaa/trafficgov/internal/models"
)

const sampleSeparator = ": "

// zoned layouts carry their own offset; the rest are read in local time.
var (
	zonedLayouts = []string{
		time.RFC3339Nano,
		time.RFC3339,
		time.RFC1123Z,
		time.RFC1123,
		time.UnixDate,
	}
	localLayouts = []string{
		time.DateTime,
		"2006-01-02T15:04:05",
		time.ANSIC,
	}
)

// ParseLine parses a "<timestamp>: <bytes>" line. It reports false for any
// line that is empty, has the wrong shape, an unparseable field, or a
// megabyte value above models.MaxSampleMiB.
func ParseLine(line string) (models.TrafficSample, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return models.TrafficSample{}, false
	}
	fields := strings.Split(line, sampleSeparator)
	if len(fields) != 2 {
		return models.TrafficSample{}, false
	}

	ts, ok := parseTimestamp(strings.TrimSpace(fields[0]))
	if !ok {
		return models.TrafficSample{}, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil || n < 0 {
		return models.TrafficSample{}, false
	}

	mb := float64(n) / 1024 / 1024
	if mb > models.MaxSampleMiB {
		return models.TrafficSample{}, false
	}
	return models.TrafficSample{Timestamp: ts, Megabytes: mb}, true
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
