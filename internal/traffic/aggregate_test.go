package traffic

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/tenant"
	"github.com/vesaa/trafficgov/internal/tenant/tenanttest"
)

var sampleLog = []string{
	"2024-05-01T00:00:00Z: 1048576", // 1 MiB, month only, first day
	"2024-05-09T13:00:00Z: 2097152", // 2 MiB, within the day
	"garbage",
	"2024-05-10T11:30:00Z: 3145728", // 3 MiB, within the hour
	"2024-05-10T11:50:00Z: 4194304", // 4 MiB, within 15 minutes
}

var aggNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T) (*Aggregator, string) {
	t.Helper()
	root := t.TempDir()
	logDir := filepath.Join(root, "log")
	home := filepath.Join(root, "home", "alice")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	require.NoError(t, os.MkdirAll(home, 0o755))

	dir := tenanttest.NewDirectory().
		Add(tenant.Account{Name: "alice", UID: 1001, GID: 1001, HomeDir: home}).
		Add(tenant.Account{Name: "nohome", UID: 1002, GID: 1002, HomeDir: filepath.Join(root, "missing")})
	return NewAggregator(logDir, 100, dir, nil), logDir
}

func writeLog(t *testing.T, logDir, counter string, lines []string) {
	t.Helper()
	body := strings.Join(lines, "\n") + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(logDir, counter), []byte(body), 0o644))
}

func TestAggregateWindows(t *testing.T) {
	agg, logDir := newTestAggregator(t)
	writeLog(t, logDir, "alice", sampleLog)

	rec, err := agg.Aggregate(context.Background(), "alice", models.NewCompareTimes(aggNow))
	require.NoError(t, err)

	assert.InDelta(t, 10, rec.Raw[models.WindowMonth], 1e-9)
	assert.InDelta(t, 9, rec.Raw[models.WindowWeek], 1e-9)
	assert.InDelta(t, 9, rec.Raw[models.WindowDay], 1e-9)
	assert.InDelta(t, 7, rec.Raw[models.WindowHour], 1e-9)
	assert.InDelta(t, 4, rec.Raw[models.Window15Min], 1e-9)

	assert.Equal(t, "10MiB", rec.Display[models.WindowMonth])
	assert.Equal(t, "4MiB", rec.Display[models.Window15Min])

	// 2024/05/01 is the carried-over first day and must not appear.
	assert.Equal(t, map[string]float64{"2024/05/09": 2, "2024/05/10": 7}, rec.Daily)
}

func TestAggregateIdempotent(t *testing.T) {
	agg, logDir := newTestAggregator(t)
	writeLog(t, logDir, "alice", sampleLog)
	compare := models.NewCompareTimes(aggNow)

	first, err := agg.Aggregate(context.Background(), "alice", compare)
	require.NoError(t, err)
	second, err := agg.Aggregate(context.Background(), "alice", compare)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAggregateLANCounter(t *testing.T) {
	agg, logDir := newTestAggregator(t)
	writeLog(t, logDir, "alice-lan", sampleLog[3:])

	rec, err := agg.Aggregate(context.Background(), "alice-lan", models.NewCompareTimes(aggNow))
	require.NoError(t, err)
	assert.InDelta(t, 7, rec.Raw[models.WindowMonth], 1e-9)
	assert.Empty(t, rec.Daily)
}

func TestAggregateGuards(t *testing.T) {
	agg, logDir := newTestAggregator(t)
	writeLog(t, logDir, "nohome", sampleLog)
	compare := models.NewCompareTimes(aggNow)

	_, err := agg.Aggregate(context.Background(), "mallory", compare)
	assert.ErrorIs(t, err, ErrUnknownTenant)

	_, err = agg.Aggregate(context.Background(), "nohome", compare)
	assert.ErrorIs(t, err, ErrNoHome)

	_, err = agg.Aggregate(context.Background(), "alice", compare)
	assert.ErrorIs(t, err, ErrLogUnreadable)

	writeLog(t, logDir, "alice", sampleLog[:1])
	_, err = agg.Aggregate(context.Background(), "alice", compare)
	assert.ErrorIs(t, err, ErrTooFewSamples)
}

func TestReadTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n3\n4\n5\n"), 0o644))

	lines, dropped, err := readTail(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "5"}, lines)
	assert.Zero(t, dropped)

	lines, _, err = readTail(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, lines)
}

func TestReadTailDropsLongLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log")
	body := "1\n" + strings.Repeat("x", maxLineBytes+1) + "\n2\r\n3"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	lines, dropped, err := readTail(path, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3"}, lines)
	assert.Equal(t, 1, dropped)
}

func TestAggregateSurvivesCorruptBlock(t *testing.T) {
	agg, logDir := newTestAggregator(t)
	lines := append([]string{}, sampleLog[:2]...)
	lines = append(lines, strings.Repeat("\x00", 70*1024))
	lines = append(lines, sampleLog[2:]...)
	writeLog(t, logDir, "alice", lines)

	rec, err := agg.Aggregate(context.Background(), "alice", models.NewCompareTimes(aggNow))
	require.NoError(t, err)
	assert.InDelta(t, 10, rec.Raw[models.WindowMonth], 1e-9)
	assert.Equal(t, map[string]float64{"2024/05/09": 2, "2024/05/10": 7}, rec.Daily)
}
