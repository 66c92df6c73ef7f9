// Package cacheline exposes the sizes every dfshm peer must agree on:
// cache-line size and page granularity. The cache-line size is fixed at
// compile time rather than probed at runtime, because two processes that
// disagree on it would silently place slots across shared cache lines
// (see queue.CalculateSize). The page size is not a build-time constant:
// PageSize queries it from the OS at runtime.
package cacheline

import "golang.org/x/sys/unix"

// Size is the cache-line size in bytes assumed by this build. The
// default file below covers amd64/arm64 on Linux; ports to other line
// widths (e.g. POWER's 128-byte lines) add a build-tagged override file
// rather than detecting it at runtime.
const Size = lineSize

// PageSize returns the OS page granularity, used to round region sizes
// up and to validate hint-address alignment. Unlike Size this is safe to
// query at runtime: every backend rounds its own allocation to whatever
// the kernel reports, and a mismatch there is just a wasted few KB, not
// a correctness bug.
func PageSize() int {
	return unix.Getpagesize()
}

// AlignUp rounds n up to the next multiple of align, which must be a
// power of two.
func AlignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr uintptr, align uintptr) bool {
	return addr&(align-1) == 0
}
