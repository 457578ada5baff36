// Package tenanttest provides an in-memory tenant.Directory for tests.
package tenanttest

import (
	"fmt"
	"sync"

	"github.com/vesaa/trafficgov/internal/tenant"
)

// Directory is a fixed account and group table.
type Directory struct {
	mu       sync.Mutex
	accounts map[string]*tenant.Account
	groups   map[string]int
}

// NewDirectory returns a directory that already knows the root group.
func NewDirectory() *Directory {
	return &Directory{
		accounts: make(map[string]*tenant.Account),
		groups:   map[string]int{"root": 0},
	}
}

// Add registers an account and a same-named group with the account's gid.
func (d *Directory) Add(acct tenant.Account) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	a := acct
	d.accounts[acct.Name] = &a
	d.groups[acct.Name] = acct.GID
	return d
}

func (d *Directory) Lookup(name string) (*tenant.Account, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.accounts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", tenant.ErrUnknownAccount, name)
	}
	cp := *a
	return &cp, nil
}

func (d *Directory) LookupGroupID(name string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	gid, ok := d.groups[name]
	if !ok {
		return 0, fmt.Errorf("unknown group %s", name)
	}
	return gid, nil
}

func (d *Directory) GroupName(gid int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for name, g := range d.groups {
		if g == gid {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown gid %d", gid)
}
