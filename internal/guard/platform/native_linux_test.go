package platform

import (
	"errors"
	"runtime"
	"testing"
)

func newNative(t *testing.T) Platform {
	t.Helper()
	n, err := NewNative()
	if errors.Is(err, ErrUnsupported) {
		t.Skipf("protection keys unavailable: %v", err)
	}
	if err != nil {
		t.Fatalf("NewNative() error = %v", err)
	}
	return n
}

func TestNative_Domain(t *testing.T) {
	n := newNative(t)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !n.DomainEnabled() {
		t.Fatalf("domain disabled initially")
	}
	n.DisableDomain()
	disabled := !n.DomainEnabled()
	n.EnableDomain()
	if !disabled {
		t.Errorf("DisableDomain() had no effect")
	}
	if !n.DomainEnabled() {
		t.Errorf("EnableDomain() did not restore access")
	}
}

func TestNative_MapFixedExclusive(t *testing.T) {
	n := newNative(t)
	page := n.PageSize()
	addr, err := n.Reserve(2 * page)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	defer n.Unmap(addr, 2*page)

	if err := n.MapFixed(addr, page, ProtReadWrite); !errors.Is(err, ErrReserved) {
		t.Errorf("MapFixed() over a reservation error = %v, want ErrReserved", err)
	}
}

func TestNative_GrowableTouch(t *testing.T) {
	n := newNative(t)
	page := n.PageSize()
	base, err := n.MapGrowable(0, 4*page)
	if err != nil {
		t.Fatalf("MapGrowable() error = %v", err)
	}
	defer n.Unmap(base, 4*page)
	if err := n.Touch(base); err != nil {
		t.Errorf("Touch() error = %v", err)
	}
}
