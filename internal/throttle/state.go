// Package throttle decides which tenants are rate-limited. The only persisted
// state is one marker file per tenant: present means throttled, and its mtime
// is the last time the tenant was seen over its limit.
package throttle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// State is a tenant's throttle state.
type State int

const (
	StateNormal State = iota
	StateThrottled
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateThrottled:
		return "throttled"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status is State plus, while throttled, the marker's modification time.
type Status struct {
	State State
	Since time.Time
}

// Throttled reports whether the tenant currently holds a marker.
func (s Status) Throttled() bool { return s.State == StateThrottled }

// MarkerStore is the typed accessor over the marker directory. The on-disk
// format is unchanged: an empty root-owned file per tenant.
type MarkerStore struct {
	dir string
}

// NewMarkerStore keeps markers in dir.
func NewMarkerStore(dir string) *MarkerStore {
	return &MarkerStore{dir: dir}
}

// Path is the marker file for tenant.
func (m *MarkerStore) Path(tenant string) string {
	return filepath.Join(m.dir, tenant)
}

// Load derives the tenant's status from its marker.
func (m *MarkerStore) Load(tenant string) (Status, error) {
	fi, err := os.Stat(m.Path(tenant))
	if errors.Is(err, os.ErrNotExist) {
		return Status{State: StateNormal}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("reading marker for %s: %w", tenant, err)
	}
	return Status{State: StateThrottled, Since: fi.ModTime()}, nil
}

// Touch creates the marker if needed and sets its mtime to at.
func (m *MarkerStore) Touch(tenant string, at time.Time) error {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("creating marker dir: %w", err)
	}
	path := m.Path(tenant)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("creating marker for %s: %w", tenant, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("creating marker for %s: %w", tenant, err)
	}
	if err := os.Chtimes(path, at, at); err != nil {
		return fmt.Errorf("touching marker for %s: %w", tenant, err)
	}
	return nil
}

// Remove deletes the marker. A missing marker is not an error.
func (m *MarkerStore) Remove(tenant string) error {
	if err := os.Remove(m.Path(tenant)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing marker for %s: %w", tenant, err)
	}
	return nil
}

// List returns the tenants that currently hold a marker, sorted.
func (m *MarkerStore) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing markers: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
