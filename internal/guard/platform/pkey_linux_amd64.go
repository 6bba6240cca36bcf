package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pkeyAlloc allocates a protection key with full access rights.
func pkeyAlloc() (int, error) {
	key, _, errno := unix.Syscall(unix.SYS_PKEY_ALLOC, 0, 0, 0)
	if errno != 0 {
		return 0, fmt.Errorf("pkey_alloc: %w: %v", ErrUnsupported, errno)
	}
	return int(key), nil
}
