package platform

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Native is the linux platform: protection keys toggled through the PKRU
// register and real anonymous mappings.
type Native struct {
	pageSize uintptr
	pkey     int
	// mask holds the access-disable and write-disable bits of pkey.
	mask uint32
}

// NewNative allocates a protection key. It fails with ErrUnsupported when
// the CPU or kernel lacks protection keys.
func NewNative() (Platform, error) {
	key, err := pkeyAlloc()
	if err != nil {
		return nil, err
	}
	return &Native{
		pageSize: uintptr(unix.Getpagesize()),
		pkey:     key,
		mask:     3 << (2 * uint(key)),
	}, nil
}

// Name implements Platform.Name.
func (n *Native) Name() string { return fmt.Sprintf("linux-pkey%d", n.pkey) }

// PageSize implements Platform.PageSize.
func (n *Native) PageSize() uintptr { return n.pageSize }

// DisableDomain implements Platform.DisableDomain.
//
//go:nosplit
func (n *Native) DisableDomain() { wrpkru(rdpkru() | n.mask) }

// EnableDomain implements Platform.EnableDomain.
//
//go:nosplit
func (n *Native) EnableDomain() { wrpkru(rdpkru() &^ n.mask) }

// DomainEnabled implements Platform.DomainEnabled.
func (n *Native) DomainEnabled() bool { return rdpkru()&n.mask == 0 }

// AssignDomain implements Platform.AssignDomain.
func (n *Native) AssignDomain(addr, size uintptr) error {
	_, _, errno := unix.Syscall6(unix.SYS_PKEY_MPROTECT, addr, size,
		unix.PROT_READ|unix.PROT_WRITE, uintptr(n.pkey), 0, 0)
	if errno != 0 {
		return fmt.Errorf("pkey_mprotect %#x+%#x: %w", addr, size, errno)
	}
	return nil
}

const anonFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

// Reserve implements Platform.Reserve.
func (n *Native) Reserve(size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, nil, size, unix.PROT_NONE, anonFlags|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("mmap %#x bytes: %w", size, err)
	}
	return uintptr(p), nil
}

// MapFixed implements Platform.MapFixed.
func (n *Native) MapFixed(addr, size uintptr, prot Prot) error {
	want := unsafe.Pointer(addr)
	p, err := unix.MmapPtr(-1, 0, want, size, unixProt(prot),
		anonFlags|unix.MAP_NORESERVE|unix.MAP_FIXED_NOREPLACE)
	if errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("mmap %#x+%#x: %w", addr, size, ErrReserved)
	}
	if err != nil {
		return fmt.Errorf("mmap %#x+%#x: %w", addr, size, err)
	}
	if p != want {
		// Kernels before 4.17 treat the flag as a plain hint.
		unix.MunmapPtr(p, size)
		return fmt.Errorf("mmap %#x+%#x: %w", addr, size, ErrReserved)
	}
	return nil
}

// MapGrowable implements Platform.MapGrowable.
func (n *Native) MapGrowable(hint, size uintptr) (uintptr, error) {
	p, err := unix.MmapPtr(-1, 0, unsafe.Pointer(hint), size,
		unix.PROT_READ|unix.PROT_WRITE, anonFlags|unix.MAP_GROWSDOWN)
	if err != nil {
		return 0, fmt.Errorf("mmap growable %#x bytes: %w", size, err)
	}
	return uintptr(p), nil
}

// Unmap implements Platform.Unmap.
func (n *Native) Unmap(addr, size uintptr) error {
	if err := unix.MunmapPtr(unsafe.Pointer(addr), size); err != nil {
		return fmt.Errorf("munmap %#x+%#x: %w", addr, size, err)
	}
	return nil
}

// Touch implements Platform.Touch.
func (n *Native) Touch(addr uintptr) error {
	*(*byte)(unsafe.Pointer(addr)) = 0
	return nil
}

func unixProt(p Prot) int {
	if p == ProtReadWrite {
		return unix.PROT_READ | unix.PROT_WRITE
	}
	return unix.PROT_NONE
}
