package throttle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimitStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "limits")
	s := NewLimitStore(dir)

	gib, err := s.Get("alice")
	require.NoError(t, err)
	assert.Zero(t, gib)

	require.NoError(t, s.Set("alice", 500))
	gib, err = s.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, 500.0, gib)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bob"), []byte("lots\n"), 0o644))
	_, err = s.Get("bob")
	assert.ErrorIs(t, err, ErrMalformedLimit)

	require.NoError(t, s.Unset("alice"))
	require.NoError(t, s.Unset("alice"))
	gib, err = s.Get("alice")
	require.NoError(t, err)
	assert.Zero(t, gib)

	assert.ErrorIs(t, s.Set("carol", -1), ErrMalformedLimit)
}
