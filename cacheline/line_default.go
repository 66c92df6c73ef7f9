//go:build !(darwin && arm64)

package cacheline

// lineSize is 64 bytes on amd64 and on the overwhelming majority of
// arm64 parts (Cortex-A, Graviton, Linux-hosted Apple Silicon). Ports
// that need a wider line add their own build-tagged file the way
// line_darwin_arm64.go does; runtime detection is intentionally not
// offered (see cacheline.go) — two peers built with different constants
// would silently place slots across a shared cache line.
const lineSize = 64
