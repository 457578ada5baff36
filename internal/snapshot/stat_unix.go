//go:build unix

package snapshot

import (
	"os"

	"golang.org/x/sys/unix"
)

func fstatFile(f *os.File) (fileMeta, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return fileMeta{}, err
	}
	return fileMeta{
		UID:  st.Uid,
		GID:  st.Gid,
		Mode: os.FileMode(st.Mode & 0o7777),
	}, nil
}
