//go:build !(linux && amd64)

package detour

// No portable way to ask for low addresses here; the relocator falls
// back to far-call thunks when the arena lands out of rel32 range.
const arenaMapFlags = 0
