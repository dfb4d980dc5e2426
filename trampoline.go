package detour

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/pboyd/malloc"
)

// arena wraps an mmap-backed allocator that holds generated trampoline
// code. The pages are RX while trampolines run and flip to RWX only
// around allocation and relocation.
type arena struct {
	*malloc.Arena
	protect  func(int) error
	mu       sync.Mutex
	initOnce sync.Once
	// mutators counts open beginMutate windows. The pages stay RWX while
	// any window is open and flip back to RX when the last one closes, so
	// concurrent patchers never yank writability out from under each
	// other.
	mutators int
}

var codeArena = &arena{}

func (a *arena) init(startSize int) error {
	var err error
	a.initOnce.Do(func() {
		if min := settings().ArenaSize; min > startSize {
			startSize = min
		}

		be := malloc.MmapBackend(malloc.MmapProt(protRWX), malloc.MmapFlags(arenaMapFlags))
		if protBE, ok := be.(malloc.ProtectedArenaBackend); ok {
			a.protect = protBE.Protect
		} else {
			a.protect = func(int) error { return nil }
		}

		a.Arena = malloc.NewArena(uint64(startSize), malloc.Backend(be))
		if a.Arena == nil {
			err = errors.New("unable to initialize trampoline arena")
			return
		}
	})
	return err
}

func (a *arena) beginMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// beginMutate can run before the initial allocation, when there is
	// nothing to protect yet. A fresh mapping starts out RWX.
	if a.mutators == 0 && a.protect != nil {
		if err := a.protect(protRWX); err != nil {
			return err
		}
	}
	a.mutators++
	return nil
}

func (a *arena) endMutate() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mutators == 0 {
		return nil
	}
	a.mutators--
	if a.mutators > 0 || a.protect == nil {
		return nil
	}
	return a.protect(protRX)
}

func (a *arena) allocate(size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.init(size); err != nil {
		return nil, fmt.Errorf("error initializing arena: %w", err)
	}
	if a.mutators == 0 {
		panic("allocate called in immutable state")
	}

	return malloc.MallocSlice[byte](a.Arena, size)
}

func (a *arena) free(buf []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mutators == 0 {
		panic("free called in immutable state")
	}

	malloc.FreeSlice(a.Arena, buf)
}

// cloneCode copies the machine code in src into the arena, overlaying
// prologue (if non-nil) over the leading bytes first, and relocates
// PC-relative instructions for the new address. The overlay is how a
// trampoline captures pre-redirect behavior while a jump patch is live at
// the source: the caller hands in the bytes that were saved before the
// patch went down.
func cloneCode(src, prologue []byte) ([]byte, error) {
	if len(prologue) > len(src) {
		return nil, errors.New("saved prologue longer than function body")
	}

	staged := src
	if prologue != nil {
		staged = make([]byte, len(src))
		copy(staged, src)
		copy(staged, prologue)
	}

	if err := codeArena.beginMutate(); err != nil {
		return nil, err
	}
	defer codeArena.endMutate()

	block, err := codeArena.allocate(len(staged))
	if err != nil {
		return nil, err
	}

	// relocateFunc translates addresses as if staged still lived at the
	// source address, which it does except for the overlaid prologue.
	// The prologue bytes a redirect saves never hold PC-relative code
	// beyond the jump being undone.
	dest, err := relocateFunc(staged, uintptr(unsafe.Pointer(unsafe.SliceData(src))), block)
	if err != nil {
		codeArena.free(block)
		return nil, err
	}

	return dest, nil
}

// codeFunc adapts a block of executable code to a callable func value of
// the shape's type. The returned keepalive pointer must stay reachable
// for as long as the value is callable.
func codeFunc(code []byte, shape *CallShape) (reflect.Value, **byte, error) {
	if len(code) == 0 {
		return reflect.Value{}, nil, fmt.Errorf("%w: empty code block", ErrBadTrampoline)
	}

	// A Go func value is one word: a pointer to a funcval whose first
	// word is the code address. ref doubles as the funcval.
	codePtr := unsafe.SliceData(code)
	ref := &codePtr

	fv := reflect.NewAt(shape.FuncType(), unsafe.Pointer(&ref)).Elem()
	if fv.Kind() != reflect.Func || fv.IsNil() {
		return reflect.Value{}, nil, fmt.Errorf("%w: %v", ErrBadTrampoline, shape.FuncType())
	}

	return fv, ref, nil
}
