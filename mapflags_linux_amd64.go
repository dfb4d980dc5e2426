package detour

import "golang.org/x/sys/unix"

// MAP_32BIT keeps the arena within rel32 range of the text segment, so
// most relocated calls don't need a far-call thunk.
const arenaMapFlags = unix.MAP_32BIT
