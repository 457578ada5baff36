package traffic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatMiB(t *testing.T) {
	tests := []struct {
		mib  float64
		want string
	}{
		{2097152, "2TiB"},
		{2048, "2GiB"},
		{100, "100MiB"},
		{0, "0MiB"},
		{1024, "1024MiB"},
		{1536, "1.5GiB"},
		{12.3456, "12.35MiB"},
		{1048576, "1024GiB"},
		{3 * 1048576 / 2, "1.5TiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatMiB(tt.mib), "FormatMiB(%v)", tt.mib)
	}
}
