package traffic

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/trafficgov/internal/models"
)

func TestParseLineValid(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, n := range []int64{0, 1, 1024, 1 << 20, 5 << 30, models.MaxSampleMiB * 1024 * 1024} {
		line := fmt.Sprintf("%s: %d", ts.Format(time.RFC3339), n)
		s, ok := ParseLine(line)
		require.True(t, ok, line)
		assert.Equal(t, float64(n)/1024/1024, s.Megabytes, line)
		assert.Equal(t, ts.Unix(), s.Unix(), line)
	}
}

func TestParseLineAboveCeiling(t *testing.T) {
	for _, n := range []int64{models.MaxSampleMiB*1024*1024 + 1, 200000 * 1024 * 1024, 1 << 62} {
		_, ok := ParseLine(fmt.Sprintf("2024-05-01T12:00:00Z: %d", n))
		assert.False(t, ok, n)
	}
}

func TestParseLineLayouts(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, line := range []string{
		"2024-05-01T12:00:00Z: 10",
		"2024-05-01T12:00:00.000000000Z: 10",
		"Wed, 01 May 2024 12:00:00 +0000: 10",
		"Wed May  1 12:00:00 UTC 2024: 10",
		"  2024-05-01T12:00:00Z: 10  \n",
	} {
		s, ok := ParseLine(line)
		require.True(t, ok, line)
		assert.Equal(t, want.Unix(), s.Unix(), line)
	}

	local, ok := ParseLine("2024-05-01 12:00:00: 10")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.Local).Unix(), local.Unix())
}

func TestParseLineInvalid(t *testing.T) {
	for _, line := range []string{
		"",
		"   ",
		"2024-05-01T12:00:00Z 10",
		"2024-05-01T12:00:00Z: 10: 20",
		"yesterday: 10",
		"2024-05-01T12:00:00Z: ten",
		"2024-05-01T12:00:00Z: -5",
		"2024-05-01T12:00:00Z: 1.5",
		": 10",
	} {
		_, ok := ParseLine(line)
		assert.False(t, ok, "%q", line)
	}
}
