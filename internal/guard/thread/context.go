package thread

import (
	"sync"
	"sync/atomic"

	"github.com/kolkov/metaguard/internal/guard/platform"
	"github.com/kolkov/metaguard/internal/guard/stack"
)

// Stats counts runtime events on one thread.
type Stats struct {
	IsolatedCalls uint64 // Outermost isolated calls entered
	NestedCalls   uint64 // Isolated calls entered while already isolated
	RegionStarts  uint64 // UnsafeRegionStart markers reached
	RegionEnds    uint64 // UnsafeRegionEnd markers reached
	Unbalanced    uint64 // Markers reached in the wrong state
	Validations   uint64 // Validator calls
	Panics        uint64 // Isolated calls that ended in a panic
}

// Context is the guard state of one OS thread.
//
// Invariant: Depth > 0 exactly while the thread runs isolated work, and the
// protection domain is disabled exactly while Depth > 0.
type Context struct {
	// ID is the platform thread id.
	ID int

	p     platform.Platform
	cfg   stack.Config
	stack *stack.Stack

	// SP is the active stack pointer handle; zero on the thread's own stack.
	SP uintptr
	// Depth is the nesting depth of isolated calls.
	Depth int
	// Region is the id of the open unsafe region, zero if none.
	Region uint64
	// TypeRegion is the last tag written to the side channel.
	TypeRegion uint8

	Stats Stats
}

// Stack returns the thread's isolated stack, creating it on first use.
func (c *Context) Stack() (*stack.Stack, error) {
	if c.stack == nil {
		s, err := stack.New(c.p, c.cfg)
		if err != nil {
			return nil, err
		}
		c.stack = s
	}
	return c.stack, nil
}

// HasStack reports whether the isolated stack has been created.
func (c *Context) HasStack() bool { return c.stack != nil }

// SwitchSP makes sp the active stack pointer handle and returns the
// previous one.
func (c *Context) SwitchSP(sp uintptr) uintptr {
	prev := c.SP
	c.SP = sp
	return prev
}

// Registry maps threads to their contexts.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	p        platform.Platform
	cfg      stack.Config
	contexts sync.Map // int (thread id) -> *Context
	count    atomic.Int64
}

// NewRegistry creates a registry whose contexts create stacks on p.
func NewRegistry(p platform.Platform, cfg stack.Config) *Registry {
	return &Registry{p: p, cfg: cfg}
}

// Current returns the context of the calling thread, creating it on first
// use.
func (r *Registry) Current() *Context {
	tid := platform.ThreadID()
	if v, ok := r.contexts.Load(tid); ok {
		return v.(*Context)
	}
	// Only this thread stores under tid, so there is no race to lose.
	ctx := &Context{ID: tid, p: r.p, cfg: r.cfg}
	r.contexts.Store(tid, ctx)
	r.count.Add(1)
	return ctx
}

// Range calls f for every context seen so far, stopping when f returns
// false. A context belongs to its thread: read it only after the goroutines
// that used it have finished.
func (r *Registry) Range(f func(ctx *Context) bool) {
	r.contexts.Range(func(_, v any) bool {
		return f(v.(*Context))
	})
}

// Len returns the number of threads seen.
func (r *Registry) Len() int { return int(r.count.Load()) }
