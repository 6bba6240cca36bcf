// Package api implements the guard runtime entry points.
//
// Instrumented code reaches the runtime through four kinds of calls:
//   - RunIsolated / Run: execute a unit of work with the protection domain
//     disabled and the isolated stack active
//   - RegionStart / RegionEnd: boundary markers around unsafe regions
//   - Validate: the validator convention for protected pointers
//   - SetTypeRegion: the type-region side channel written after validated
//     calls
//
// All state is per OS thread and lives in a thread.Context resolved through
// the Runtime's registry.
//
// Flow of an isolated call:
//  1. Lock the goroutine to its OS thread
//  2. Resolve the thread context and ensure 8 pages of isolated stack
//  3. Disable the protection domain (outermost call only)
//  4. Switch the active stack pointer to the isolated stack
//  5. Run the work, capturing a panic into an Outcome
//  6. Restore the stack pointer, re-enable the domain (outermost call only)
//  7. Re-raise the captured panic, if any
//
// Step 6 also runs when the work calls runtime.Goexit.
package api

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/metaguard/internal/guard/platform"
	"github.com/kolkov/metaguard/internal/guard/stack"
	"github.com/kolkov/metaguard/internal/guard/thread"
)

// EnsurePages is the number of stack pages guaranteed to isolated work.
const EnsurePages = 8

// Runtime is one guard runtime instance.
//
// Thread Safety: Safe for concurrent use; each thread works on its own
// context.
type Runtime struct {
	p       platform.Platform
	threads *thread.Registry
	// fatalf reports invariant violations; it must not return.
	fatalf func(format string, args ...any)
}

// New creates a runtime on p.
func New(p platform.Platform, cfg stack.Config) *Runtime {
	return &Runtime{
		p:       p,
		threads: thread.NewRegistry(p, cfg),
		fatalf:  logrus.Fatalf,
	}
}

var (
	defaultOnce    sync.Once
	defaultRuntime *Runtime
)

// Default returns the process-wide runtime on platform.Default.
func Default() *Runtime {
	defaultOnce.Do(func() {
		defaultRuntime = New(platform.Default(), stack.Config{})
	})
	return defaultRuntime
}

// Platform returns the platform the runtime runs on.
func (rt *Runtime) Platform() platform.Platform { return rt.p }

// Threads returns the number of threads that have used the runtime.
func (rt *Runtime) Threads() int { return rt.threads.Len() }

// Stats returns the counters of the calling thread.
func (rt *Runtime) Stats() (st thread.Stats) {
	rt.onThread(func(ctx *thread.Context) {
		st = ctx.Stats
	})
	return st
}
