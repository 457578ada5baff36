package safefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func noChown(*os.File, int, int) error { return nil }

func TestWriteSetsModeBeforeRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".traffic.json")

	var chownDir string
	var chownUID, chownGID int
	err := Write(path, []byte("{}"), 0o640, 0, 1001, func(f *os.File, uid, gid int) error {
		chownDir, chownUID, chownGID = filepath.Dir(f.Name()), uid, gid
		return nil
	})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	assert.Equal(t, dir, chownDir)
	assert.Equal(t, 0, chownUID)
	assert.Equal(t, 1001, chownGID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file left behind")
}

func TestWriteReplacesSymlink(t *testing.T) {
	dir := t.TempDir()
	victim := filepath.Join(t.TempDir(), "shadow")
	require.NoError(t, os.WriteFile(victim, []byte("secret"), 0o600))
	path := filepath.Join(dir, ".bandwidth-ceiling")
	require.NoError(t, os.Symlink(victim, path))

	require.NoError(t, Write(path, []byte("2mbit\n"), 0o640, 0, 0, noChown))

	fi, err := os.Lstat(path)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())

	vi, err := os.Stat(victim)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), vi.Mode().Perm())
	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "secret", string(data))
}

func TestWriteChownFailureLeavesTargetAlone(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))

	err := Write(path, []byte("new"), 0o640, 0, 0, func(*os.File, int, int) error {
		return os.ErrPermission
	})
	require.ErrorIs(t, err, os.ErrPermission)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenRejectsSymlinkAndFIFO(t *testing.T) {
	dir := t.TempDir()
	regular := filepath.Join(dir, "regular")
	require.NoError(t, os.WriteFile(regular, []byte("10mbit"), 0o640))

	f, _, err := Open(regular)
	require.NoError(t, err)
	data, err := ReadAll(f, 64)
	require.NoError(t, err)
	assert.Equal(t, "10mbit", string(data))
	require.NoError(t, f.Close())

	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(regular, link))
	_, _, err = Open(link)
	require.Error(t, err)

	fifo := filepath.Join(dir, "fifo")
	require.NoError(t, unix.Mkfifo(fifo, 0o644))
	done := make(chan error, 1)
	go func() {
		_, _, err := Open(fifo)
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrNotRegular)
	case <-time.After(5 * time.Second):
		t.Fatal("Open blocked on a FIFO")
	}
}
