// Package snapshot persists per-tenant traffic aggregates and reads them back
// across the tenant-writable trust boundary.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/safefile"
	"github.com/vesaa/trafficgov/internal/tenant"
)

const (
	tenantFile    = ".traffic.json"
	tenantLANFile = ".traffic-lan.json"

	tenantMode os.FileMode = 0o640
	cacheMode  os.FileMode = 0o600
)

// Store writes each record twice: a copy the tenant can read in its home
// directory and a root-only copy in the runtime cache.
type Store struct {
	runtimeDir string
	dir        tenant.Directory
	logger     *zap.Logger

	chown safefile.ChownFunc
}

// NewStore returns a Store whose runtime cache lives under runtimeDir/traffic.
func NewStore(runtimeDir string, dir tenant.Directory, logger *zap.Logger) *Store {
	return &Store{
		runtimeDir: runtimeDir,
		dir:        dir,
		logger:     logging.OrNop(logger).Named("snapshot"),
		chown:      safefile.Fchown,
	}
}

// SetChown replaces the ownership change, for callers that cannot chown.
func (s *Store) SetChown(fn safefile.ChownFunc) {
	s.chown = fn
}

// TenantPath is the tenant-readable snapshot location for counter.
func TenantPath(home, counter string) string {
	if tenant.IsLAN(counter) {
		return filepath.Join(home, tenantLANFile)
	}
	return filepath.Join(home, tenantFile)
}

// CachePath is the root-only snapshot location for counter.
func (s *Store) CachePath(counter string) string {
	return filepath.Join(s.runtimeDir, "traffic", counter+".json")
}

// Save writes rec to both locations. Writes are best-effort: a failure on
// one path does not stop the other. Each copy gets its ownership and mode
// before it replaces the previous file, so a failed write leaves the old
// copy untouched. All failures are joined.
func (s *Store) Save(counter string, rec *models.TenantTrafficRecord) error {
	base := tenant.BaseName(counter)
	acct, err := s.dir.Lookup(base)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", base, err)
	}
	gid, err := s.dir.LookupGroupID(base)
	if err != nil {
		return fmt.Errorf("resolving group %s: %w", base, err)
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	var errs []error
	tenantPath := TenantPath(acct.HomeDir, counter)
	if err := safefile.Write(tenantPath, payload, tenantMode, 0, gid, s.chown); err != nil {
		errs = append(errs, err)
	}

	cachePath := s.CachePath(counter)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o700); err != nil {
		errs = append(errs, fmt.Errorf("creating cache dir: %w", err))
	}
	if err := safefile.Write(cachePath, payload, cacheMode, 0, 0, s.chown); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Debug("snapshot saved",
		zap.String("tenant", counter),
		zap.String("path", tenantPath),
		zap.String("cache", cachePath),
	)
	return nil
}
