package throttle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/vesaa/trafficgov/internal/safefile"
	"github.com/vesaa/trafficgov/internal/tenant"
)

// CeilingFile is the per-tenant file announcing an active bandwidth ceiling
// to the shaper renderer and to tenant-facing client configuration.
const CeilingFile = ".bandwidth-ceiling"

const maxCeilingBytes = 64

var rateExpr = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?(bit|kbit|mbit|gbit)$`)

// Ceiling applies and removes a tenant's bandwidth cap.
type Ceiling interface {
	Assert(ctx context.Context, tenant string) error
	Lift(ctx context.Context, tenant string) error
}

// FileCeiling publishes the cap as a root-owned file in the tenant's home.
type FileCeiling struct {
	dir  tenant.Directory
	rate string

	chown safefile.ChownFunc
	owner func(f *os.File, st *unix.Stat_t) uint32
}

// NewFileCeiling writes rate (a shaper rate such as "2mbit") into ceiling files.
func NewFileCeiling(dir tenant.Directory, rate string) *FileCeiling {
	return &FileCeiling{
		dir:   dir,
		rate:  rate,
		chown: safefile.Fchown,
		owner: statOwner,
	}
}

// SetChown replaces the ownership change, for callers that cannot chown.
func (c *FileCeiling) SetChown(fn safefile.ChownFunc) {
	c.chown = fn
}

// DefaultRate is the rate written by Assert.
func (c *FileCeiling) DefaultRate() string { return c.rate }

// Path returns the ceiling file location for tenant.
func (c *FileCeiling) Path(name string) (string, error) {
	acct, err := c.dir.Lookup(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(acct.HomeDir, CeilingFile), nil
}

func (c *FileCeiling) Assert(_ context.Context, name string) error {
	path, err := c.Path(name)
	if err != nil {
		return fmt.Errorf("asserting ceiling for %s: %w", name, err)
	}
	gid, err := c.dir.LookupGroupID(name)
	if err != nil {
		return fmt.Errorf("asserting ceiling for %s: %w", name, err)
	}
	return safefile.Write(path, []byte(c.rate+"\n"), 0o640, 0, gid, c.chown)
}

func (c *FileCeiling) Lift(_ context.Context, name string) error {
	path, err := c.Path(name)
	if err != nil {
		return fmt.Errorf("lifting ceiling for %s: %w", name, err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Rate reports whether a root-owned ceiling file exists for tenant and the
// rate it carries. An unparseable rate falls back to the default. Ownership
// is checked on the descriptor that is read.
func (c *FileCeiling) Rate(name string) (string, bool) {
	path, err := c.Path(name)
	if err != nil {
		return "", false
	}
	f, st, err := safefile.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	if c.owner(f, &st) != 0 {
		return "", false
	}
	data, err := safefile.ReadAll(f, maxCeilingBytes)
	if err != nil {
		return "", false
	}
	rate := strings.TrimSpace(string(data))
	if !rateExpr.MatchString(rate) {
		rate = c.rate
	}
	return rate, true
}

func statOwner(_ *os.File, st *unix.Stat_t) uint32 { return st.Uid }
