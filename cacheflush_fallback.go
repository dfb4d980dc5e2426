//go:build !arm64 || !cgo

package detour

// Not needed on amd64, where the instruction cache is coherent with
// writes. The arm64 cgo version uses the compiler builtin; without cgo we
// rely on the mprotect round trip to shoot down stale lines.
func cacheflush(buf []byte) {}
