package api

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/kolkov/metaguard/internal/guard/platform"
	"github.com/kolkov/metaguard/internal/guard/stack"
	"github.com/kolkov/metaguard/internal/guard/thread"
)

func newRuntime(t *testing.T) (*Runtime, *platform.Sim) {
	t.Helper()
	p := platform.NewSim()
	rt := New(p, stack.Config{Size: 0x4000, Guard: 0x10000})
	rt.fatalf = func(format string, args ...any) {
		t.Fatalf(format, args...)
	}
	return rt, p
}

func TestRunIsolated_Domain(t *testing.T) {
	rt, p := newRuntime(t)

	var inside bool
	var sp, stackSP uintptr
	got := RunIsolated(rt, func() int {
		inside = p.DomainEnabled()
		ctx := rt.threads.Current()
		st, _ := ctx.Stack()
		sp, stackSP = ctx.SP, st.SP()
		return 42
	})
	if got != 42 {
		t.Errorf("RunIsolated() = %d, want 42", got)
	}
	if inside {
		t.Errorf("domain enabled inside isolated work")
	}
	if sp == 0 || sp != stackSP {
		t.Errorf("active SP = %#x, want isolated stack SP %#x", sp, stackSP)
	}
	if p.DisabledThreads() != 0 {
		t.Errorf("domain left disabled after return")
	}
}

func TestRunIsolated_EnsuresStack(t *testing.T) {
	rt, p := newRuntime(t)
	var slack uintptr
	Run(rt, func() {
		st, _ := rt.threads.Current().Stack()
		slack = st.Slack()
	})
	if want := EnsurePages * p.PageSize(); slack < want {
		t.Errorf("slack = %#x, want at least %#x", slack, want)
	}
}

func TestRunIsolated_PanicRestoresDomain(t *testing.T) {
	rt, p := newRuntime(t)
	sentinel := errors.New("boom")

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var (
		recovered   any
		enabledThen bool
		ctx         *thread.Context
	)
	func() {
		defer func() {
			recovered = recover()
			enabledThen = p.DomainEnabled()
		}()
		Run(rt, func() {
			ctx = rt.threads.Current()
			panic(sentinel)
		})
	}()

	if recovered != sentinel {
		t.Errorf("recovered %v, want the original panic value", recovered)
	}
	if !enabledThen {
		t.Errorf("domain disabled when the panic reached the caller")
	}
	if ctx.Depth != 0 || ctx.SP != 0 {
		t.Errorf("context not restored: depth %d, SP %#x", ctx.Depth, ctx.SP)
	}
	if ctx.Stats.Panics != 1 {
		t.Errorf("Panics = %d, want 1", ctx.Stats.Panics)
	}
}

func TestCall_Outcome(t *testing.T) {
	rt, _ := newRuntime(t)

	ok := Call(rt, func() string { return "done" })
	if diff := cmp.Diff(Outcome[string]{Value: "done"}, ok); diff != "" {
		t.Errorf("Call() mismatch (-want +got):\n%s", diff)
	}

	bad := Call(rt, func() string { panic(fmt.Sprintf("bad %d", 1)) })
	if !bad.Panicked || bad.Panic != "bad 1" || bad.Value != "" {
		t.Errorf("Call() = %+v, want captured panic", bad)
	}

	var nilPanic *runtime.PanicNilError
	out := Call(rt, func() int { panic(nil) })
	if err, isErr := out.Panic.(error); !out.Panicked || !isErr || !errors.As(err, &nilPanic) {
		t.Errorf("panic(nil) outcome = %+v", out)
	}
}

func TestCall_GoexitRestoresDomain(t *testing.T) {
	rt, p := newRuntime(t)

	var (
		wg       sync.WaitGroup
		ctx      *thread.Context
		returned bool
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		Run(rt, func() {
			ctx = rt.threads.Current()
			runtime.Goexit()
		})
		returned = true
	}()
	wg.Wait()

	if returned {
		t.Errorf("Goexit did not terminate the goroutine")
	}
	if p.DisabledThreads() != 0 {
		t.Errorf("domain left disabled after Goexit")
	}
	if ctx.Depth != 0 || ctx.SP != 0 {
		t.Errorf("context not restored: depth %d, SP %#x", ctx.Depth, ctx.SP)
	}
}

func TestRunIsolated_Nested(t *testing.T) {
	rt, p := newRuntime(t)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var afterInner bool
	var innerSP, outerSP uintptr
	Run(rt, func() {
		outerSP = rt.threads.Current().SP
		Run(rt, func() {
			innerSP = rt.threads.Current().SP
		})
		afterInner = p.DomainEnabled()
		if sp := rt.threads.Current().SP; sp != outerSP {
			t.Errorf("SP after inner call = %#x, want %#x", sp, outerSP)
		}
	})
	if afterInner {
		t.Errorf("inner call re-enabled the domain")
	}
	if innerSP != outerSP {
		t.Errorf("inner SP = %#x, want %#x", innerSP, outerSP)
	}
	if p.DisabledThreads() != 0 {
		t.Errorf("domain left disabled")
	}
	st := rt.Stats()
	if st.IsolatedCalls != 1 || st.NestedCalls != 1 {
		t.Errorf("Stats() = %+v, want one isolated and one nested call", st)
	}
}

func TestRunIsolated_StackFailureIsFatal(t *testing.T) {
	rt := New(failing{platform.NewSim()}, stack.Config{})
	type fatal struct{ msg string }
	rt.fatalf = func(format string, args ...any) {
		panic(fatal{fmt.Sprintf(format, args...)})
	}

	defer func() {
		r := recover()
		if _, ok := r.(fatal); !ok {
			t.Errorf("recovered %v, want a fatal report", r)
		}
	}()
	Run(rt, func() { t.Errorf("work ran without a stack") })
}

func TestLeave_OtherThreadIsFatal(t *testing.T) {
	rt, p := newRuntime(t)
	var msg string
	rt.fatalf = func(format string, args ...any) {
		msg = fmt.Sprintf(format, args...)
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := rt.enter()
	entered := s.ctx
	s.ctx = &thread.Context{ID: -1}
	rt.leave(s)
	if !strings.Contains(msg, "unlocked the OS thread") {
		t.Errorf("fatal report = %q, want a thread mismatch", msg)
	}
	if p.DomainEnabled() {
		t.Errorf("leave on a foreign context re-enabled the domain")
	}

	s.ctx = entered
	rt.leave(s)
	if !p.DomainEnabled() || entered.Depth != 0 || entered.SP != 0 {
		t.Errorf("context not restored: enabled %v, depth %d, SP %#x", p.DomainEnabled(), entered.Depth, entered.SP)
	}
}

type failing struct {
	*platform.Sim
}

func (failing) Reserve(uintptr) (uintptr, error) {
	return 0, errors.New("out of address space")
}

func TestMarkers(t *testing.T) {
	rt, _ := newRuntime(t)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	rt.RegionStart(1)
	if rt.Region() != 1 {
		t.Errorf("Region() = %d, want 1", rt.Region())
	}
	rt.RegionEnd(1)
	rt.RegionEnd(1) // unbalanced
	rt.RegionStart(2)
	rt.RegionStart(3) // unbalanced
	rt.RegionEnd(3)

	rt.SetTypeRegion(1)
	if rt.TypeRegion() != 1 {
		t.Errorf("TypeRegion() = %d, want 1", rt.TypeRegion())
	}
	var c counter
	rt.Validate(&c)
	if c != 1 {
		t.Errorf("validator ran %d times", c)
	}

	want := thread.Stats{RegionStarts: 3, RegionEnds: 3, Unbalanced: 2, Validations: 1}
	if diff := cmp.Diff(want, rt.Stats()); diff != "" {
		t.Errorf("Stats() mismatch (-want +got):\n%s", diff)
	}
}

type counter int

func (c *counter) Synchronize() { *c++ }

func TestMarkers_Concurrent(t *testing.T) {
	rt, _ := newRuntime(t)
	const (
		goroutines = 64
		iterations = 500
	)

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var c counter
			for i := 0; i < iterations; i++ {
				id := uint64(g*iterations + i + 1)
				rt.RegionStart(id)
				rt.SetTypeRegion(uint8(i & 1))
				rt.Validate(&c)
				_ = rt.TypeRegion()
				_ = rt.Region()
				rt.RegionEnd(id)
				if i%50 == 0 {
					runtime.Gosched()
				}
			}
			if c != iterations {
				t.Errorf("validator ran %d times, want %d", c, iterations)
			}
			_ = rt.Stats()
		}()
	}
	wg.Wait()

	var total thread.Stats
	rt.threads.Range(func(ctx *thread.Context) bool {
		total.RegionStarts += ctx.Stats.RegionStarts
		total.RegionEnds += ctx.Stats.RegionEnds
		total.Validations += ctx.Stats.Validations
		return true
	})
	want := uint64(goroutines * iterations)
	if total.RegionStarts != want || total.RegionEnds != want || total.Validations != want {
		t.Errorf("totals = %d starts, %d ends, %d validations; want %d each",
			total.RegionStarts, total.RegionEnds, total.Validations, want)
	}
}
