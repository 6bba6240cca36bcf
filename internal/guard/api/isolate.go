package api

import (
	"runtime"

	"github.com/kolkov/metaguard/internal/guard/thread"
)

// Outcome is the result of isolated work: either a value or the payload of
// a panic. It crosses the stack switch by value, so the panic is re-raised
// only after the caller's state has been restored.
type Outcome[T any] struct {
	Value T
	// Panicked is set when the work panicked; Panic holds the value passed
	// to panic.
	Panicked bool
	Panic    any
}

// Unwrap returns the value, or re-raises the captured panic unchanged.
func (o Outcome[T]) Unwrap() T {
	if o.Panicked {
		panic(o.Panic)
	}
	return o.Value
}

// capture runs work and converts a panic into an Outcome. A Goexit in work
// is not stopped.
func capture[T any](work func() T) (out Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome[T]{Panicked: true, Panic: r}
		}
	}()
	return Outcome[T]{Value: work()}
}

// switchState is what leave needs to undo enter.
type switchState struct {
	ctx   *thread.Context
	prev  uintptr
	outer bool
}

// enter disables the domain and activates the isolated stack. The goroutine
// must be locked to its thread.
func (rt *Runtime) enter() switchState {
	ctx := rt.threads.Current()
	st, err := ctx.Stack()
	if err != nil {
		rt.fatalf("Unable to allocate isolated stack: %v", err)
	}
	if err := st.Ensure(EnsurePages * rt.p.PageSize()); err != nil {
		rt.fatalf("Unable to grow isolated stack: %v", err)
	}

	s := switchState{ctx: ctx, outer: ctx.Depth == 0}
	if s.outer {
		ctx.Stats.IsolatedCalls++
		rt.p.DisableDomain()
	} else {
		ctx.Stats.NestedCalls++
	}
	ctx.Depth++
	s.prev = ctx.SwitchSP(st.SP())
	return s
}

// leave restores the stack pointer and, for the outermost call, the domain.
// It must run on the thread enter ran on; anything else means the work
// released the thread lock taken by Call, and the domain of the original
// thread can no longer be restored.
func (rt *Runtime) leave(s switchState) {
	if cur := rt.threads.Current(); cur != s.ctx {
		rt.fatalf("Isolated call entered on thread %d left on thread %d: work unlocked the OS thread", s.ctx.ID, cur.ID)
		return
	}
	s.ctx.SwitchSP(s.prev)
	s.ctx.Depth--
	if s.outer {
		rt.p.EnableDomain()
	}
}

// Call runs work isolated and returns its outcome without re-raising.
//
// The goroutine is locked to its OS thread for the duration of the call.
// work may lock and unlock the thread itself but must leave the lock count
// as it found it: calling runtime.UnlockOSThread more often than
// runtime.LockOSThread releases Call's own lock, and the mismatch is
// reported as fatal when the call returns on another thread.
//
// Example:
//
//	out := api.Call(rt, func() int { return parse(input) })
//	if out.Panicked {
//	    log.Printf("parser panicked: %v", out.Panic)
//	}
func Call[T any](rt *Runtime, work func() T) Outcome[T] {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := rt.enter()
	goexit := true
	defer func() {
		if goexit {
			// runtime.Goexit in work: restore while the goroutine unwinds.
			rt.leave(s)
		}
	}()
	out := capture(work)
	goexit = false
	rt.leave(s)

	if out.Panicked {
		s.ctx.Stats.Panics++
	}
	return out
}

// RunIsolated runs work with the protection domain disabled and returns its
// result. A panic in work is re-raised after the domain is re-enabled.
//
// Nested calls keep the domain disabled until the outermost call returns.
func RunIsolated[T any](rt *Runtime, work func() T) T {
	return Call(rt, work).Unwrap()
}

// Run is RunIsolated for work without a result.
func Run(rt *Runtime, work func()) {
	RunIsolated(rt, func() struct{} {
		work()
		return struct{}{}
	})
}
