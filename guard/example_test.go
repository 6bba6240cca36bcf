package guard_test

import (
	"fmt"
	"runtime"

	"github.com/kolkov/metaguard/guard"
)

// Example demonstrates running a unit of work in isolation.
func Example() {
	n := guard.RunIsolated(func() int {
		return len("untrusted input")
	})
	fmt.Println(n)

	// Output:
	// 15
}

// Example_panic demonstrates that a panic inside isolated work reaches the
// caller unchanged.
func Example_panic() {
	defer func() {
		fmt.Println("recovered:", recover())
	}()
	guard.Run(func() {
		panic("parser failure")
	})

	// Output:
	// recovered: parser failure
}

// ExampleTry demonstrates capturing a panic as a value.
func ExampleTry() {
	out := guard.Try(func() string {
		panic("bad header")
	})
	fmt.Println(out.Panicked, out.Panic)

	// Output:
	// true bad header
}

type box struct {
	v       int
	updates int
}

func (b *box) Synchronize() { b.updates++ }

// Example_instrumented shows the calls the metaguard tool inserts around an
// unsafe call on a protected pointer.
func Example_instrumented() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	before := guard.Stats()

	b := &box{}
	guard.UnsafeRegionStart(1)
	b.v = 7
	guard.SetTypeRegion(0)
	guard.Validate(b)
	guard.UnsafeRegionEnd(1)

	after := guard.Stats()
	fmt.Println(b.updates, guard.TypeRegion(), after.RegionStarts-before.RegionStarts, after.Unbalanced-before.Unbalanced)

	// Output:
	// 1 0 1 0
}
