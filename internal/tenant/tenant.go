// Package tenant resolves tenant accounts against the system account list
// and reads the tenant roster.
package tenant

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"strings"
)

// LANSuffix marks a counter that only measures local-network traffic of the
// tenant named before it, e.g. "alice-lan".
const LANSuffix = "-lan"

// ErrUnknownAccount is returned when a name is absent from the account list.
var ErrUnknownAccount = errors.New("tenant: account not found")

// Account is the OS identity behind a tenant.
type Account struct {
	Name    string
	UID     int
	GID     int
	HomeDir string
}

// Directory looks up accounts and groups.
type Directory interface {
	Lookup(name string) (*Account, error)
	// LookupGroupID returns the gid of the named group.
	LookupGroupID(name string) (int, error)
	// GroupName returns the name of the group with the given gid.
	GroupName(gid int) (string, error)
}

var validName = regexp.MustCompile(`^[a-z_][a-z0-9_.-]{0,31}$`)

// ValidName reports whether name is usable as an account name and as a path
// component under the state directories. Names ending in LANSuffix are
// refused: their sample log and snapshots would collide with the
// local-network counter of another tenant.
func ValidName(name string) bool {
	return validName.MatchString(name) && name != "." && name != ".." &&
		!strings.HasSuffix(name, LANSuffix)
}

// BaseName strips the local-network suffix from a counter name.
func BaseName(counter string) string {
	return strings.TrimSuffix(counter, LANSuffix)
}

// IsLAN reports whether counter measures local-network-only traffic.
func IsLAN(counter string) bool {
	return strings.HasSuffix(counter, LANSuffix) && len(counter) > len(LANSuffix)
}

// SystemDirectory resolves accounts through the host's passwd and group databases.
type SystemDirectory struct{}

func (SystemDirectory) Lookup(name string) (*Account, error) {
	u, err := user.Lookup(name)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, name)
		}
		return nil, fmt.Errorf("looking up account %s: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("account %s has non-numeric uid %q", name, u.Uid)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("account %s has non-numeric gid %q", name, u.Gid)
	}
	return &Account{Name: u.Username, UID: uid, GID: gid, HomeDir: u.HomeDir}, nil
}

func (SystemDirectory) LookupGroupID(name string) (int, error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("looking up group %s: %w", name, err)
	}
	return strconv.Atoi(g.Gid)
}

func (SystemDirectory) GroupName(gid int) (string, error) {
	g, err := user.LookupGroupId(strconv.Itoa(gid))
	if err != nil {
		return "", fmt.Errorf("looking up gid %d: %w", gid, err)
	}
	return g.Name, nil
}

// ReadRoster parses a newline-delimited tenant list. Blank lines, comments
// and duplicates are dropped; order is preserved.
func ReadRoster(r io.Reader) ([]string, error) {
	var names []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" || strings.HasPrefix(name, "#") || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading roster: %w", err)
	}
	return names, nil
}

// LoadRoster reads the roster file at path.
func LoadRoster(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening roster: %w", err)
	}
	defer f.Close()
	return ReadRoster(f)
}
