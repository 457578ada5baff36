package throttle

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// ErrMalformedLimit is returned for a limit file that is not a number.
var ErrMalformedLimit = errors.New("throttle: malformed limit")

// LimitStore holds the operator-configured monthly limit per tenant, in GiB,
// as one plain-text file per tenant in a root-owned directory.
type LimitStore struct {
	dir string
}

// NewLimitStore reads limits from dir.
func NewLimitStore(dir string) *LimitStore {
	return &LimitStore{dir: dir}
}

// Get returns the tenant's limit. No file means no limit (0).
func (s *LimitStore) Get(tenant string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, tenant))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading limit for %s: %w", tenant, err)
	}
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return 0, nil
	}
	gib, err := strconv.ParseFloat(raw, 64)
	if err != nil || gib < 0 {
		return 0, fmt.Errorf("%w for %s: %q", ErrMalformedLimit, tenant, raw)
	}
	return gib, nil
}

// Set stores a limit for tenant.
func (s *LimitStore) Set(tenant string, gib float64) error {
	if gib < 0 {
		return fmt.Errorf("%w: negative limit %v", ErrMalformedLimit, gib)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating limits dir: %w", err)
	}
	body := strconv.FormatFloat(gib, 'f', -1, 64) + "\n"
	if err := atomic.WriteFile(filepath.Join(s.dir, tenant), bytes.NewBufferString(body)); err != nil {
		return fmt.Errorf("writing limit for %s: %w", tenant, err)
	}
	return nil
}

// Unset removes the tenant's limit, excluding it from throttling.
func (s *LimitStore) Unset(tenant string) error {
	if err := os.Remove(filepath.Join(s.dir, tenant)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing limit for %s: %w", tenant, err)
	}
	return nil
}
