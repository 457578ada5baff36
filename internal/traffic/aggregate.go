package traffic

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/metrics"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/tenant"
)

var (
	ErrUnknownTenant = errors.New("traffic: tenant not in account list")
	ErrNoHome        = errors.New("traffic: tenant home directory missing")
	ErrLogUnreadable = errors.New("traffic: sample log unreadable")
	ErrTooFewSamples = errors.New("traffic: fewer than 2 sample lines")
)

const (
	minSampleLines = 2
	// maxLineBytes bounds one sample line; real lines are well under 100 bytes.
	maxLineBytes = 4096
)

// Aggregator folds a tenant's recent sample history into a TenantTrafficRecord.
type Aggregator struct {
	logDir       string
	historyLines int
	dir          tenant.Directory
	logger       *zap.Logger
}

// NewAggregator reads sample logs from logDir, keeping at most historyLines
// trailing lines per tenant.
func NewAggregator(logDir string, historyLines int, dir tenant.Directory, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		logDir:       logDir,
		historyLines: historyLines,
		dir:          dir,
		logger:       logging.OrNop(logger).Named("aggregate"),
	}
}

// LogPath is where the sample stream for counter is read from.
func (a *Aggregator) LogPath(counter string) string {
	return filepath.Join(a.logDir, counter)
}

// Aggregate validates the tenant behind counter and folds its sample log.
// Any guard-clause failure returns an error and no record, so a previously
// good snapshot is never overwritten with zeros.
func (a *Aggregator) Aggregate(ctx context.Context, counter string, compare models.CompareTimes) (*models.TenantTrafficRecord, error) {
	acct, err := a.dir.Lookup(tenant.BaseName(counter))
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownAccount) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, counter)
		}
		return nil, fmt.Errorf("resolving %s: %w", counter, err)
	}
	if fi, err := os.Stat(acct.HomeDir); err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNoHome, acct.HomeDir)
	}

	lines, dropped, err := readTail(a.LogPath(counter), a.historyLines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLogUnreadable, err)
	}
	if dropped > 0 {
		for i := 0; i < dropped; i++ {
			metrics.IncSamplesRejected()
		}
		a.logger.Warn("skipping over-long sample lines",
			zap.String("tenant", counter),
			zap.Int("lines", dropped),
		)
	}
	if len(lines) < minSampleLines {
		return nil, fmt.Errorf("%w: %s has %d", ErrTooFewSamples, counter, len(lines))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return a.Fold(counter, lines, compare), nil
}

// Fold aggregates raw sample lines. Invalid lines are logged and skipped.
// The first calendar day in the batch is a partial day carried from the
// previous cycle and is left out of Daily.
func (a *Aggregator) Fold(counter string, lines []string, compare models.CompareTimes) *models.TenantTrafficRecord {
	rec := models.NewTenantTrafficRecord()

	var firstDay string
	for i, line := range lines {
		s, ok := ParseLine(line)
		if !ok {
			metrics.IncSamplesRejected()
			a.logger.Debug("skipping invalid sample",
				zap.String("tenant", counter),
				zap.Int("line", i+1),
				zap.String("raw", line),
			)
			continue
		}

		ts := s.Unix()
		for _, w := range models.Windows {
			if ts >= compare[w] {
				rec.Raw[w] += s.Megabytes
			}
		}

		day := s.Timestamp.Format(models.DailyKeyLayout)
		if firstDay == "" {
			firstDay = day
		}
		if day != firstDay {
			rec.Daily[day] += s.Megabytes
		}
	}

	for _, w := range models.Windows {
		rec.Display[w] = FormatMiB(rec.Raw[w])
	}
	return rec
}

// readTail returns the last n lines of the file at path, and how many lines
// were dropped for exceeding maxLineBytes.
func readTail(path string, n int) ([]string, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	if n < 1 {
		n = 1
	}
	ring := make([]string, 0, n)
	start := 0
	push := func(line string) {
		if len(ring) < n {
			ring = append(ring, line)
			return
		}
		ring[start] = line
		start = (start + 1) % n
	}

	r := bufio.NewReader(f)
	var (
		buf     []byte
		long    bool
		dropped int
	)
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, 0, err
		}
		if !long {
			if len(buf)+len(chunk) > maxLineBytes {
				long, buf = true, buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if isPrefix {
			continue
		}
		if long {
			dropped++
			long = false
			continue
		}
		push(string(buf))
		buf = buf[:0]
	}

	out := make([]string, 0, len(ring))
	out = append(out, ring[start:]...)
	return append(out, ring[:start]...), dropped, nil
}
