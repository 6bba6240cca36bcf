// Package guard is the runtime half of metaguard: it isolates unsafe code
// from memory that only safe code may touch.
//
// Memory reserved by [ReserveShadowMemory] belongs to a hardware protection
// domain (a Linux protection key on amd64). Work passed to [RunIsolated]
// runs with that domain disabled for the calling thread and with a
// dedicated, guard-paged isolated stack as its execution region. The domain
// is re-enabled on every exit path before control returns to the caller,
// including panics and runtime.Goexit.
//
// # Quick Start
//
//	func main() {
//		guard.ReserveShadowMemory()
//
//		n := guard.RunIsolated(func() int {
//			return parseUntrusted(input) // cannot reach shadow memory
//		})
//		fmt.Println(n)
//	}
//
// # Instrumented Code
//
// The metaguard tool rewrites unsafe regions of a program to call into this
// package:
//
//	// Original code:
//	//metaguard:unsafe
//	b.Poke(1)
//
//	// Instrumented code:
//	guard.UnsafeRegionStart(1)
//	b.Poke(1)
//	guard.SetTypeRegion(1)
//	b.Synchronize()
//	guard.UnsafeRegionEnd(1)
//
// Region markers and the type-region side channel only do per-thread
// bookkeeping, visible through [Stats].
//
// # Platforms
//
// On hosts without protection keys a simulated platform is used: domain
// state and mappings are tracked but nothing is enforced in hardware. [GetInfo]
// reports which platform is active.
package guard
