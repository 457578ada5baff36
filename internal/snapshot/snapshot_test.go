package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/tenant"
	"github.com/vesaa/trafficgov/internal/tenant/tenanttest"
)

type chownCall struct {
	dir      string
	uid, gid int
}

func testDirectory(home string) *tenanttest.Directory {
	return tenanttest.NewDirectory().
		Add(tenant.Account{Name: "alice", UID: 1001, GID: 1001, HomeDir: home}).
		Add(tenant.Account{Name: "bob", UID: 1002, GID: 1002, HomeDir: home})
}

func sampleRecord() *models.TenantTrafficRecord {
	rec := models.NewTenantTrafficRecord()
	rec.Raw[models.WindowMonth] = 2048
	rec.Raw[models.WindowDay] = 100
	rec.Display[models.WindowMonth] = "2GiB"
	rec.Daily["2024/05/02"] = 100
	return rec
}

func newTestStore(t *testing.T) (*Store, string, *[]chownCall) {
	t.Helper()
	root := t.TempDir()
	home := filepath.Join(root, "home")
	require.NoError(t, os.MkdirAll(home, 0o755))

	var calls []chownCall
	s := NewStore(filepath.Join(root, "run"), testDirectory(home), nil)
	s.chown = func(f *os.File, uid, gid int) error {
		calls = append(calls, chownCall{filepath.Dir(f.Name()), uid, gid})
		return nil
	}
	return s, home, &calls
}

func TestStoreSave(t *testing.T) {
	s, home, calls := newTestStore(t)
	require.NoError(t, s.Save("alice", sampleRecord()))

	tenantPath := filepath.Join(home, ".traffic.json")
	cachePath := s.CachePath("alice")

	tenantBody, err := os.ReadFile(tenantPath)
	require.NoError(t, err)
	cacheBody, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, tenantBody, cacheBody)
	assert.JSONEq(t, `{"raw":{"month":2048,"week":0,"day":100,"hour":0,"15min":0},
		"display":{"month":"2GiB"},"daily":{"2024/05/02":100}}`, string(tenantBody))

	fi, err := os.Stat(tenantPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	fi, err = os.Stat(cachePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	assert.Equal(t, []chownCall{{home, 0, 1001}, {filepath.Dir(cachePath), 0, 0}}, *calls)
}

func TestStoreSaveLANCounter(t *testing.T) {
	s, home, calls := newTestStore(t)
	require.NoError(t, s.Save("alice-lan", sampleRecord()))

	lanPath := filepath.Join(home, ".traffic-lan.json")
	assert.FileExists(t, lanPath)
	assert.NoFileExists(t, filepath.Join(home, ".traffic.json"))
	assert.Equal(t, filepath.Join(filepath.Dir(s.CachePath("x")), "alice-lan.json"), s.CachePath("alice-lan"))
	require.Len(t, *calls, 2)
	assert.Equal(t, chownCall{home, 0, 1001}, (*calls)[0])
}

func TestStoreSaveBestEffort(t *testing.T) {
	s, home, _ := newTestStore(t)
	require.NoError(t, os.RemoveAll(home))

	err := s.Save("alice", sampleRecord())
	require.Error(t, err)
	// The cache copy is still written.
	assert.FileExists(t, s.CachePath("alice"))
}

func TestStoreSaveReplacesPlantedSymlink(t *testing.T) {
	s, home, _ := newTestStore(t)
	victim := filepath.Join(t.TempDir(), "shadow")
	require.NoError(t, os.WriteFile(victim, []byte("root only"), 0o600))
	tenantPath := filepath.Join(home, ".traffic.json")
	require.NoError(t, os.Symlink(victim, tenantPath))

	require.NoError(t, s.Save("alice", sampleRecord()))

	fi, err := os.Lstat(tenantPath)
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	assert.Equal(t, os.FileMode(0o640), fi.Mode().Perm())
	vi, err := os.Stat(victim)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), vi.Mode().Perm())
}

func TestStoreSaveUnknownTenant(t *testing.T) {
	s, _, calls := newTestStore(t)
	require.ErrorIs(t, s.Save("mallory", sampleRecord()), tenant.ErrUnknownAccount)
	assert.Empty(t, *calls)
}

// loaderWith returns a loader that reports the real permission bits but the
// given ownership, since tests cannot create root-owned files.
func loaderWith(t *testing.T, uid, gid uint32) *Loader {
	t.Helper()
	l := NewLoader(testDirectory(t.TempDir()), nil)
	l.fstat = func(f *os.File) (fileMeta, error) {
		fi, err := f.Stat()
		if err != nil {
			return fileMeta{}, err
		}
		return fileMeta{UID: uid, GID: gid, Mode: fi.Mode().Perm()}, nil
	}
	return l
}

func writeSnapshot(t *testing.T, body string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".traffic.json")
	require.NoError(t, os.WriteFile(path, []byte(body), mode))
	require.NoError(t, os.Chmod(path, mode))
	return path
}

const validBody = `{"raw":{"month":600,"week":1},"display":{"month":"600MiB"},"daily":{}}`

func TestLoaderAccepts(t *testing.T) {
	path := writeSnapshot(t, validBody, 0o640)

	rec, err := loaderWith(t, 0, 1001).Read(path, "alice")
	require.NoError(t, err)
	assert.Equal(t, 600.0, rec.MonthMiB())
	assert.Equal(t, "600MiB", rec.Display[models.WindowMonth])

	// The root-only cache copy is owned by group root.
	_, err = loaderWith(t, 0, 0).Read(path, "alice")
	require.NoError(t, err)
}

func TestLoaderRejects(t *testing.T) {
	tests := []struct {
		name     string
		uid, gid uint32
		body     string
		mode     os.FileMode
	}{
		{"non-root owner", 1001, 1001, validBody, 0o640},
		{"group write", 0, 1001, validBody, 0o660},
		{"other write", 0, 1001, validBody, 0o642},
		{"foreign group", 0, 1002, validBody, 0o640},
		{"unknown group", 0, 4242, validBody, 0o640},
		{"empty", 0, 1001, "  \n", 0o640},
		{"not json", 0, 1001, "month=600", 0o640},
		{"no raw.month", 0, 1001, `{"raw":{"week":1}}`, 0o640},
		{"string raw.month", 0, 1001, `{"raw":{"month":"600"}}`, 0o640},
		{"raw not an object", 0, 1001, `{"raw":600}`, 0o640},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeSnapshot(t, tt.body, tt.mode)
			_, err := loaderWith(t, tt.uid, tt.gid).Read(path, "alice")
			require.ErrorIs(t, err, ErrUntrusted)
		})
	}
}

func TestLoaderRejectsSymlink(t *testing.T) {
	target := writeSnapshot(t, validBody, 0o640)
	link := filepath.Join(t.TempDir(), ".traffic.json")
	require.NoError(t, os.Symlink(target, link))

	_, err := loaderWith(t, 0, 1001).Read(link, "alice")
	require.ErrorIs(t, err, ErrUntrusted)
	assert.Contains(t, err.Error(), "symlink")
}

func TestLoaderRejectsFIFO(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".traffic.json")
	require.NoError(t, unix.Mkfifo(path, 0o640))

	_, err := loaderWith(t, 0, 1001).Read(path, "alice")
	require.ErrorIs(t, err, ErrUntrusted)
}

func TestLoaderMissing(t *testing.T) {
	_, err := loaderWith(t, 0, 1001).Read(filepath.Join(t.TempDir(), "nope.json"), "alice")
	require.ErrorIs(t, err, ErrNoSnapshot)
	assert.NotErrorIs(t, err, ErrUntrusted)
}

func TestSaveThenRead(t *testing.T) {
	s, home, _ := newTestStore(t)
	rec := sampleRecord()
	require.NoError(t, s.Save("alice", rec))

	got, err := loaderWith(t, 0, 1001).Read(TenantPath(home, "alice"), "alice")
	require.NoError(t, err)
	assert.Equal(t, rec.Raw, got.Raw)
	assert.Equal(t, rec.Daily, got.Daily)
}
