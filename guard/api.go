package guard

import (
	"sync"

	internal "github.com/kolkov/metaguard/internal/guard/api"
	"github.com/kolkov/metaguard/internal/guard/shadowmem"
	"github.com/kolkov/metaguard/internal/guard/thread"
)

// Outcome is the result of isolated work: a value or a captured panic.
type Outcome[T any] = internal.Outcome[T]

// Synchronizer is implemented by protected pointer types; Synchronize is
// the type's validator.
type Synchronizer = internal.Synchronizer

// ThreadStats counts runtime events on one thread.
type ThreadStats = thread.Stats

var shadowOnce sync.Once

// ReserveShadowMemory reserves the shadow memory window and assigns it to
// the protection domain. It aborts the process if the window cannot be
// reserved. Calls after the first do nothing.
func ReserveShadowMemory() {
	shadowOnce.Do(func() {
		shadowmem.MustReserve(internal.Default().Platform())
	})
}

// RunIsolated runs work with the protection domain disabled on the calling
// thread and returns its result.
//
// If work panics, the domain is re-enabled first and the panic is then
// re-raised with its original value. Nested calls keep the domain disabled
// until the outermost call returns.
//
// Example:
//
//	sum := guard.RunIsolated(func() int {
//		return checksum(untrusted)
//	})
func RunIsolated[T any](work func() T) T {
	return internal.RunIsolated(internal.Default(), work)
}

// Run is RunIsolated for work without a result.
func Run(work func()) {
	internal.Run(internal.Default(), work)
}

// Try runs work like RunIsolated but returns a panic as part of the
// Outcome instead of re-raising it.
func Try[T any](work func() T) Outcome[T] {
	return internal.Call(internal.Default(), work)
}

// UnsafeRegionStart marks entry into an unsafe region. id is diagnostic.
func UnsafeRegionStart(id uint64) {
	internal.Default().RegionStart(id)
}

// UnsafeRegionEnd marks exit from an unsafe region.
func UnsafeRegionEnd(id uint64) {
	internal.Default().RegionEnd(id)
}

// Validate runs the validator of v.
func Validate(v Synchronizer) {
	internal.Default().Validate(v)
}

// SetTypeRegion writes the type-region side channel: 0 when the held type
// is or contains a protected pointer, 1 otherwise.
func SetTypeRegion(tag uint8) {
	internal.Default().SetTypeRegion(tag)
}

// TypeRegion reads the type-region side channel of the calling thread.
func TypeRegion() uint8 {
	return internal.Default().TypeRegion()
}

// Stats returns the counters of the calling thread. Lock the goroutine to
// its thread (runtime.LockOSThread) to read counters of the thread that ran
// earlier calls.
func Stats() ThreadStats {
	return internal.Default().Stats()
}
