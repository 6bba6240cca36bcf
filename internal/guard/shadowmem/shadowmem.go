// Package shadowmem reserves the fixed shadow memory window used for
// metadata of protected objects.
//
// The window is a sparse 2 TiB read/write anonymous mapping at a fixed
// address. It is not charged to swap accounting and is assigned to the
// protection domain, so it is unreachable while the domain is disabled.
//
// Reserve is not idempotent: a second reservation without Release conflicts
// with the first and fails with platform.ErrReserved.
package shadowmem

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/metaguard/internal/guard/platform"
)

const (
	// Address is the start of the shadow window.
	Address uintptr = 0x510000000000
	// Size is the length of the shadow window.
	Size uintptr = 0x20000000000
)

// Reservation is a live shadow memory window.
type Reservation struct {
	p    platform.Platform
	addr uintptr
	size uintptr
}

// Reserve maps the shadow window on p.
func Reserve(p platform.Platform) (*Reservation, error) {
	if err := p.MapFixed(Address, Size, platform.ProtReadWrite); err != nil {
		return nil, fmt.Errorf("failed to reserve shadow memory: %w", err)
	}
	if err := p.AssignDomain(Address, Size); err != nil {
		p.Unmap(Address, Size)
		return nil, fmt.Errorf("failed to protect shadow memory: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"addr":     fmt.Sprintf("%#x", Address),
		"size":     fmt.Sprintf("%#x", Size),
		"platform": p.Name(),
	}).Debug("Reserved shadow memory")
	return &Reservation{p: p, addr: Address, size: Size}, nil
}

// MustReserve is like Reserve but aborts the process on failure.
func MustReserve(p platform.Platform) *Reservation {
	r, err := Reserve(p)
	if err != nil {
		logrus.Fatalf("Unable to reserve shadow memory: %v", err)
	}
	return r
}

// Contains reports whether addr lies in the window.
func (r *Reservation) Contains(addr uintptr) bool {
	return r.addr <= addr && addr-r.addr < r.size
}

// Base returns the first address of the window.
func (r *Reservation) Base() uintptr { return r.addr }

// Len returns the window size.
func (r *Reservation) Len() uintptr { return r.size }

// Release unmaps the window.
func (r *Reservation) Release() error {
	if err := r.p.Unmap(r.addr, r.size); err != nil {
		return fmt.Errorf("failed to release shadow memory: %w", err)
	}
	return nil
}
