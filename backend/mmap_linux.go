//go:build linux

package backend

import (
	"fmt"
	"unsafe"

	"github.com/raffino/dfshm/cacheline"
	"github.com/raffino/dfshm/dfshmerr"
	"golang.org/x/sys/unix"
)

// mapFDAt maps fd into this process at hint if non-zero, falling back
// to an OS-chosen address otherwise. It returns a PlacementWarning
// (never an error) whenever the hint was not page-aligned or was not
// honored.
//
// golang.org/x/sys/unix.Mmap always passes a NULL address to the kernel,
// so the hint!=0 path goes around it with a raw mmap(2) syscall that
// carries the hint through as addr without MAP_FIXED — the kernel treats
// it as a placement hint, exactly as §4.1 requires ("map it ... at
// hint_addr if possible, otherwise at an address chosen by the OS").
func mapFDAt(fd int, size uintptr, hint uintptr) ([]byte, *dfshmerr.PlacementWarning, error) {
	const prot = unix.PROT_READ | unix.PROT_WRITE
	const flags = unix.MAP_SHARED

	if hint == 0 {
		data, err := unix.Mmap(fd, 0, int(size), prot, flags)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: mmap: %v", dfshmerr.ErrResourceExhausted, err)
		}
		return data, nil, nil
	}

	var warn *dfshmerr.PlacementWarning
	effectiveHint := hint
	if !cacheline.IsAligned(hint, uintptr(cacheline.PageSize())) {
		warn = &dfshmerr.PlacementWarning{Hint: hint, Misalign: true}
		effectiveHint = 0
	}

	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, effectiveHint, size, prot, flags, uintptr(fd), 0)
	if errno != 0 {
		return nil, warn, fmt.Errorf("%w: mmap: %v", dfshmerr.ErrResourceExhausted, errno)
	}
	if effectiveHint != 0 && addr != effectiveHint && warn == nil {
		warn = &dfshmerr.PlacementWarning{Hint: hint, Actual: addr}
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	return data, warn, nil
}

func unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("%w: munmap: %v", dfshmerr.ErrCleanupAnomaly, err)
	}
	return nil
}
