// Package uplink finds the public interface the shaper and the bogon filter
// attach to. It uses gopsutil for interface discovery and counters.
package uplink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	psnet "github.com/shirou/gopsutil/v4/net"
)

// ErrNoDefaultRoute is returned when the routing table has no default route.
var ErrNoDefaultRoute = errors.New("uplink: no default route")

var (
	routeTable  = "/proc/net/route"
	sysClassNet = "/sys/class/net"
)

// Route is one default route from the kernel routing table.
type Route struct {
	Iface   string
	Gateway string
	Metric  int
}

// Counters are the cumulative byte counters of the uplink.
type Counters struct {
	Iface     string
	BytesSent uint64
	BytesRecv uint64
}

// Resolve returns the uplink interface and its link speed. Configured values
// win; empty ones are detected.
func Resolve(iface, speed string) (string, string, error) {
	if iface == "" {
		route, err := DefaultRoute()
		if err != nil {
			return "", "", err
		}
		iface = route.Iface
	}
	if err := Validate(iface); err != nil {
		return "", "", err
	}
	if speed == "" {
		detected, ok := LinkSpeed(iface)
		if !ok {
			return "", "", fmt.Errorf("link speed of %s unknown; set link_speed", iface)
		}
		speed = detected
	}
	return iface, speed, nil
}

// DefaultRoute reads the lowest-metric default route from /proc/net/route.
func DefaultRoute() (Route, error) {
	f, err := os.Open(routeTable)
	if err != nil {
		return Route{}, fmt.Errorf("reading routing table: %w", err)
	}
	defer f.Close()
	return parseRoutes(f)
}

func parseRoutes(r io.Reader) (Route, error) {
	var (
		best  Route
		found bool
	)
	sc := bufio.NewScanner(r)
	sc.Scan() // header
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		// Destination and Mask both zero = default route
		if fields[1] != "00000000" || fields[7] != "00000000" {
			continue
		}
		metric, err := strconv.Atoi(fields[6])
		if err != nil {
			continue
		}
		if found && metric >= best.Metric {
			continue
		}
		best = Route{Iface: fields[0], Gateway: decodeHexIPv4(fields[2]), Metric: metric}
		found = true
	}
	if err := sc.Err(); err != nil {
		return Route{}, fmt.Errorf("reading routing table: %w", err)
	}
	if !found {
		return Route{}, ErrNoDefaultRoute
	}
	return best, nil
}

// decodeHexIPv4 decodes the little-endian hex address format of /proc/net/route.
func decodeHexIPv4(h string) string {
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil || len(h) != 8 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d.%d", byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// Validate checks that iface exists on this host.
func Validate(iface string) error {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return fmt.Errorf("listing interfaces: %w", err)
	}
	for _, i := range ifaces {
		if i.Name == iface {
			return nil
		}
	}
	return fmt.Errorf("uplink interface %q not found", iface)
}

// LinkSpeed reads the negotiated speed of iface as a shaper rate ("1000mbit").
// Virtual interfaces report no speed.
func LinkSpeed(iface string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(sysClassNet, iface, "speed"))
	if err != nil {
		return "", false
	}
	mbit, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || mbit <= 0 {
		return "", false
	}
	return strconv.Itoa(mbit) + "mbit", true
}

// ReadCounters returns the byte counters of iface.
func ReadCounters(iface string) (Counters, error) {
	stats, err := psnet.IOCounters(true)
	if err != nil {
		return Counters{}, fmt.Errorf("reading interface counters: %w", err)
	}
	for _, s := range stats {
		if s.Name == iface {
			return Counters{Iface: iface, BytesSent: s.BytesSent, BytesRecv: s.BytesRecv}, nil
		}
	}
	return Counters{}, fmt.Errorf("no counters for %q", iface)
}
