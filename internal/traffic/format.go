package traffic

import (
	"math"
	"strconv"
)

// FormatMiB renders a MiB quantity with the largest unit it exceeds, rounded
// to two decimals: 2097152 -> "2TiB", 2048 -> "2GiB", 100 -> "100MiB".
func FormatMiB(mib float64) string {
	switch {
	case mib/1024/1024 > 1:
		return trimmed(mib/1024/1024) + "TiB"
	case mib/1024 > 1:
		return trimmed(mib/1024) + "GiB"
	default:
		return trimmed(mib) + "MiB"
	}
}

func trimmed(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}
