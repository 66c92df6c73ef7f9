//go:build darwin && arm64

package cacheline

// lineSize is 128 bytes on Apple Silicon's L2, which is the granularity
// that matters for avoiding false sharing between adjacent slots on
// macOS/arm64 builds. Both peers must be built with the same tag.
const lineSize = 128
