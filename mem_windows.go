//go:build windows

package detour

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

const (
	protRX  = windows.PAGE_EXECUTE_READ
	protRWX = windows.PAGE_EXECUTE_READWRITE
)

// protectCode changes the protection of the pages underlying buf.
func protectCode(buf []byte, prot int) error {
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(buf)))

	pageSize := uintptr(os.Getpagesize())

	pageStart := addr &^ (pageSize - 1)
	regionSize := (addr - pageStart + uintptr(cap(buf)) + pageSize - 1) &^ (pageSize - 1)

	var oldProt uint32
	return windows.VirtualProtect(pageStart, regionSize, uint32(prot), &oldProt)
}
