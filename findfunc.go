package detour

import (
	"fmt"
	"unsafe"
)

// The types below mirror the runtime's pclntab structures. They must stay
// layout-identical to the runtime of the toolchain building this package;
// any drift shows up as garbage function bounds.

type funcInfo struct {
	*_func
	datap *moduledata
}

type _func struct {
	entryOff uint32 // start pc, as offset from moduledata.text
	nameOff  int32  // function name, as index into moduledata.funcnametab

	args        int32
	deferreturn uint32

	pcsp      uint32
	pcfile    uint32
	pcln      uint32
	npcdata   uint32
	cuOffset  uint32
	startLine int32
	funcID    uint8
	flag      uint8
	_         [1]byte
	nfuncdata uint8 // must be last, must end on a uint32-aligned boundary
}

type moduledata struct {
	pcHeader     *pcHeader
	funcnametab  []byte
	cutab        []uint32
	filetab      []byte
	pctab        []byte
	pclntable    []byte
	ftab         []functab
	findfunctab  uintptr
	minpc, maxpc uintptr

	text, etext           uintptr
	noptrdata, enoptrdata uintptr
	data, edata           uintptr
	bss, ebss             uintptr
	noptrbss, enoptrbss   uintptr
	covctrs, ecovctrs     uintptr
	end, gcdata, gcbss    uintptr
	types, etypes         uintptr
	rodata                uintptr
	gofunc                uintptr

	// Struct continues, omitting unused fields.
}

type pcHeader struct {
	magic          uint32
	pad1, pad2     uint8
	minLC          uint8
	ptrSize        uint8
	nfunc          int
	nfiles         uint
	textStart      uintptr
	funcnameOffset uintptr
	cuOffset       uintptr
	filetabOffset  uintptr
	pctabOffset    uintptr
	pclnOffset     uintptr
}

type functab struct {
	entryoff uint32 // relative to runtime.text
	funcoff  uint32
}

//go:linkname findfunc runtime.findfunc
func findfunc(pc uintptr) funcInfo

// funcCode returns the live machine code of the function starting at
// entry, as a slice aliasing the text segment.
//
// The pclntab does not record function lengths, so the length is the gap
// to whichever function entry comes next in the module's function table.
// That includes any trailing alignment padding, which the relocator
// trims.
func funcCode(entry uintptr) ([]byte, error) {
	info := findfunc(entry)
	if info._func == nil || info.datap == nil {
		return nil, fmt.Errorf("no function at entry %#x", entry)
	}

	funcOffset := uint32(entry - info.datap.text)
	length := uint32(info.datap.etext - entry)

	for _, ft := range info.datap.ftab {
		if ft.entryoff <= funcOffset {
			continue
		}
		if gap := ft.entryoff - funcOffset; gap < length {
			length = gap
		}
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(entry)), int(length)), nil
}
