// Package safefile reads and writes root-owned files that live in directories
// a tenant can write to. Nothing here changes or reads a file through a path
// after the fact; mode and ownership are set on an open descriptor.
package safefile

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"golang.org/x/sys/unix"
)

// ErrNotRegular is returned by Open for anything but a plain file.
var ErrNotRegular = errors.New("safefile: not a regular file")

// ChownFunc sets ownership on an open file.
type ChownFunc func(f *os.File, uid, gid int) error

// Fchown is the default ChownFunc.
func Fchown(f *os.File, uid, gid int) error {
	return f.Chown(uid, gid)
}

// Write replaces path with data. The temp file gets its final mode and owner
// before it is renamed over path, so a symlink planted at path is replaced
// rather than followed.
func Write(path string, data []byte, mode os.FileMode, uid, gid int, chown ChownFunc) (err error) {
	if chown == nil {
		chown = Fchown
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err = f.Chmod(mode); err != nil {
		return fmt.Errorf("chmod %s: %w", tmp, err)
	}
	if err = chown(f, uid, gid); err != nil {
		return fmt.Errorf("chown %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	if err = atomic.ReplaceFile(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// Open opens path for reading without following a final symlink and without
// blocking on a FIFO, then checks through the descriptor that it is a
// regular file. The returned Stat_t describes the file actually opened.
func Open(path string) (*os.File, unix.Stat_t, error) {
	var st unix.Stat_t
	f, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, st, err
	}
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		f.Close()
		return nil, st, err
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		f.Close()
		return nil, st, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	return f, st, nil
}

// ReadAll reads at most limit bytes from f.
func ReadAll(f *os.File, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, limit))
}
