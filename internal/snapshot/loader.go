package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/metrics"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/tenant"
)

var (
	// ErrNoSnapshot means there is simply no file yet.
	ErrNoSnapshot = errors.New("snapshot: not found")
	// ErrUntrusted means a file exists but failed a trust check.
	ErrUntrusted = errors.New("snapshot: untrusted")
)

// maxSnapshotBytes bounds what is read from tenant-controlled space.
const maxSnapshotBytes = 4 << 20

type fileMeta struct {
	UID  uint32
	GID  uint32
	Mode os.FileMode
}

// Loader reads snapshots that may sit in tenant-writable directories. A file
// is only accepted if its metadata proves the tenant could not have forged it.
type Loader struct {
	dir    tenant.Directory
	logger *zap.Logger

	fstat func(f *os.File) (fileMeta, error)
}

// NewLoader returns a Loader resolving group names through dir.
func NewLoader(dir tenant.Directory, logger *zap.Logger) *Loader {
	return &Loader{
		dir:    dir,
		logger: logging.OrNop(logger).Named("snapshot"),
		fstat:  fstatFile,
	}
}

// Read returns the record at path if it passes every check, in order:
// not a symlink, stat succeeds, owned by uid 0, no group/other write bit,
// group is tenantName or root, non-empty, and decodes with a numeric raw.month.
// A missing file yields ErrNoSnapshot; every other failure wraps ErrUntrusted.
func (l *Loader) Read(path, tenantName string) (*models.TenantTrafficRecord, error) {
	li, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
		}
		return nil, l.reject(path, "lstat", err)
	}
	if li.Mode()&os.ModeSymlink != 0 {
		return nil, l.reject(path, "symlink", nil)
	}
	if !li.Mode().IsRegular() {
		return nil, l.reject(path, "not_regular", nil)
	}

	// O_NOFOLLOW and fstat on the open descriptor: the file checked is the file read.
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, l.reject(path, "open", err)
	}
	defer f.Close()

	meta, err := l.fstat(f)
	if err != nil {
		return nil, l.reject(path, "stat", err)
	}
	if meta.UID != 0 {
		return nil, l.reject(path, "owner", fmt.Errorf("uid %d", meta.UID))
	}
	if meta.Mode.Perm()&0o022 != 0 {
		return nil, l.reject(path, "mode", fmt.Errorf("mode %#o", meta.Mode.Perm()))
	}
	group, err := l.dir.GroupName(int(meta.GID))
	if err != nil {
		return nil, l.reject(path, "group", err)
	}
	if group != tenantName && group != "root" {
		return nil, l.reject(path, "group", fmt.Errorf("group %s", group))
	}

	data, err := io.ReadAll(io.LimitReader(f, maxSnapshotBytes))
	if err != nil {
		return nil, l.reject(path, "read", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, l.reject(path, "empty", nil)
	}

	rec, err := decode(data)
	if err != nil {
		return nil, l.reject(path, "content", err)
	}
	return rec, nil
}

func decode(data []byte) (*models.TenantTrafficRecord, error) {
	var probe struct {
		Raw map[string]any `json:"raw"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if _, ok := probe.Raw[string(models.WindowMonth)].(float64); !ok {
		return nil, errors.New("raw.month missing or not numeric")
	}

	rec := models.NewTenantTrafficRecord()
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (l *Loader) reject(path, reason string, cause error) error {
	metrics.IncSnapshotRejected(reason)
	fields := []zap.Field{zap.String("path", path), zap.String("reason", reason)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	l.logger.Warn("snapshot failed trust check", fields...)

	if cause != nil {
		return fmt.Errorf("%w: %s: %s: %v", ErrUntrusted, reason, path, cause)
	}
	return fmt.Errorf("%w: %s: %s", ErrUntrusted, reason, path)
}
