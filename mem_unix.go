//go:build unix

package detour

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	protRX  = unix.PROT_READ | unix.PROT_EXEC
	protRWX = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// protectCode changes the protection of the pages underlying buf.
func protectCode(buf []byte, prot int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := uintptr(os.Getpagesize())

	// Round the address down to a page boundary and round the length up
	// to cover complete pages.
	pageStart := addr &^ (pageSize - 1)
	regionSize := (addr - pageStart + uintptr(cap(buf)) + pageSize - 1) &^ (pageSize - 1)

	region := unsafe.Slice((*byte)(unsafe.Pointer(pageStart)), regionSize)
	return unix.Mprotect(region, prot)
}
