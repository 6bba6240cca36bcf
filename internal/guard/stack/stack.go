// Package stack implements the per-thread isolated execution stack.
//
// A stack is created in one step (Uninitialized -> Active):
//
//  1. reserve a guard+stack span and release it again, leaving a hole in
//     the address space
//  2. map the stack as a grows-down region at the top of the hole, falling
//     back to an address of the platform's choosing
//  3. fence the guard floor with one inaccessible page
//
// Growth touches the byte below the current limit, which makes the
// grows-down mapping extend by one page, then lowers the limit. It never
// shrinks. Growing past the guard floor faults; on real hardware the fault
// is fatal and is left to the operating system.
//
// Thread Safety: NOT thread-safe. A Stack is owned by exactly one thread.
package stack

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kolkov/metaguard/internal/guard/platform"
)

const (
	// DefaultSize is the initially committed stack size.
	DefaultSize = 1 << 20
	// DefaultGuard is the size of the guard region below the stack.
	DefaultGuard = 1 << 20
)

// Config sizes a stack. Zero fields take the defaults.
type Config struct {
	Size  uintptr
	Guard uintptr
}

func (c Config) withDefaults(page uintptr) Config {
	if c.Size == 0 {
		c.Size = DefaultSize
	}
	if c.Guard == 0 {
		c.Guard = DefaultGuard
	}
	c.Size = platform.RoundUp(c.Size, page)
	c.Guard = platform.RoundUp(c.Guard, page)
	return c
}

// Stack is an isolated execution stack.
type Stack struct {
	p    platform.Platform
	page uintptr

	top   uintptr // one past the highest usable byte
	sp    uintptr // last recorded stack pointer
	limit uintptr // lowest committed address
	floor uintptr // lowest address growth may reach
}

// New creates a stack on p.
func New(p platform.Platform, cfg Config) (*Stack, error) {
	page := p.PageSize()
	cfg = cfg.withDefaults(page)
	reserved := cfg.Guard + cfg.Size

	span, err := p.Reserve(reserved)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve stack span: %w", err)
	}
	if err := p.Unmap(span, reserved); err != nil {
		return nil, fmt.Errorf("failed to release stack span: %w", err)
	}

	want := span + cfg.Guard
	base, err := p.MapGrowable(want, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to map stack: %w", err)
	}
	s := &Stack{
		p:     p,
		page:  page,
		top:   base + cfg.Size,
		limit: base,
		floor: base - cfg.Guard,
	}
	s.sp = s.top

	if err := p.MapFixed(s.floor-page, page, platform.ProtNone); err != nil {
		// Something already lives below the guard region; it stops growth
		// just as well.
		logrus.WithError(err).Debug("Stack floor not fenced")
	}
	logrus.WithFields(logrus.Fields{
		"top":    fmt.Sprintf("%#x", s.top),
		"limit":  fmt.Sprintf("%#x", s.limit),
		"floor":  fmt.Sprintf("%#x", s.floor),
		"placed": base == want,
	}).Debug("Created isolated stack")
	return s, nil
}

// Ensure grows the stack until at least n bytes, rounded up to whole pages,
// lie between the stack pointer and the limit. Requests within the current
// slack do nothing.
func (s *Stack) Ensure(n uintptr) error {
	want := platform.RoundUp(n, s.page)
	grown := uintptr(0)
	for s.sp-s.limit < want {
		if err := s.p.Touch(s.limit - 1); err != nil {
			return fmt.Errorf("stack growth below %#x (floor %#x): %w", s.limit, s.floor, err)
		}
		s.limit -= s.page
		grown += s.page
	}
	if grown > 0 {
		logrus.WithFields(logrus.Fields{
			"grown": grown,
			"limit": fmt.Sprintf("%#x", s.limit),
		}).Debug("Grew isolated stack")
	}
	return nil
}

// Slack returns the usable bytes between the stack pointer and the limit.
func (s *Stack) Slack() uintptr { return s.sp - s.limit }

// SP returns the stack pointer handle the isolated unit starts from.
func (s *Stack) SP() uintptr { return s.sp }

// Top returns one past the highest address of the stack.
func (s *Stack) Top() uintptr { return s.top }

// Limit returns the lowest committed address.
func (s *Stack) Limit() uintptr { return s.limit }

// Floor returns the lowest address growth may reach.
func (s *Stack) Floor() uintptr { return s.floor }
