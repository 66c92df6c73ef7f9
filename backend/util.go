//go:build linux

package backend

import "unsafe"

// addrOf returns the starting address of a mapped byte slice as a
// uintptr. Shared memory must never be referenced through a raw
// pointer stored inside the region itself (see SPEC_FULL.md §9), but
// region.Region needs the starting address as a plain uintptr to hand
// to queue.Create and friends.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
