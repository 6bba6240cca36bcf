// Package platform abstracts the two hardware services the guard runtime
// depends on: the per-thread protection domain and anonymous memory
// mappings.
//
// Two implementations exist:
//   - Native (linux/amd64): a protection key from pkey_alloc, toggled through
//     the PKRU register, and mmap-backed mappings
//   - Sim: a portable model with per-thread domain flags and an ordered
//     table of mappings, used where protection keys are unavailable and in
//     tests
//
// Thread Safety: All Platform methods are safe for concurrent use. Domain
// methods act on the calling OS thread; callers keep the goroutine locked
// to its thread (runtime.LockOSThread) while the domain is disabled.
package platform

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// ErrReserved is returned when a fixed mapping overlaps an existing one.
	ErrReserved = errors.New("address range already mapped")
	// ErrFault is returned by Sim when an access would fault.
	ErrFault = errors.New("memory access fault")
	// ErrUnsupported is returned when the host lacks a required facility.
	ErrUnsupported = errors.New("not supported on this host")
	// ErrNotMapped is returned when unmapping a range that is not mapped.
	ErrNotMapped = errors.New("address range not mapped")
)

// Prot is the access permission of a mapping.
type Prot int

const (
	// ProtNone makes the mapping inaccessible.
	ProtNone Prot = iota
	// ProtReadWrite makes the mapping readable and writable.
	ProtReadWrite
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	if p == ProtReadWrite {
		return "rw"
	}
	return "none"
}

// Platform is the hardware abstraction used by the guard runtime.
type Platform interface {
	// Name identifies the implementation.
	Name() string
	// PageSize returns the mapping granularity.
	PageSize() uintptr

	// DisableDomain denies the calling thread access to memory assigned to
	// the protection domain.
	DisableDomain()
	// EnableDomain restores the calling thread's access.
	EnableDomain()
	// DomainEnabled reports whether the calling thread has access.
	DomainEnabled() bool
	// AssignDomain places [addr, addr+size) in the protection domain.
	AssignDomain(addr, size uintptr) error

	// Reserve maps an inaccessible span of size bytes at an address chosen
	// by the platform.
	Reserve(size uintptr) (uintptr, error)
	// MapFixed maps [addr, addr+size) anonymously without swap reservation.
	// It never replaces an existing mapping; an overlap fails with
	// ErrReserved.
	MapFixed(addr, size uintptr, prot Prot) error
	// MapGrowable maps a read/write region of size bytes that grows down
	// when the byte just below it is touched. The region is placed at hint
	// when possible; the actual address is returned.
	MapGrowable(hint, size uintptr) (uintptr, error)
	// Unmap removes [addr, addr+size).
	Unmap(addr, size uintptr) error
	// Touch writes one byte at addr. On Native an invalid access is fatal;
	// Sim reports it as ErrFault.
	Touch(addr uintptr) error
}

var (
	defaultOnce     sync.Once
	defaultPlatform Platform
)

// Default returns the native platform when the host supports protection
// keys, else a Sim. The choice is made once per process.
func Default() Platform {
	defaultOnce.Do(func() {
		n, err := NewNative()
		if err != nil {
			logrus.WithError(err).Warn("Protection keys unavailable, using simulated platform")
			defaultPlatform = NewSim()
			return
		}
		defaultPlatform = n
	})
	return defaultPlatform
}

// RoundUp rounds n up to a multiple of page, which must be a power of two.
func RoundUp(n, page uintptr) uintptr {
	return (n + page - 1) &^ (page - 1)
}
