package detour

import (
	"fmt"
	"reflect"
)

// redirect is a single reroute of a function's entry point. It is
// created inert: nothing changes in the text segment until apply, which
// is what lets a trampoline be generated from the pre-redirect call path
// first. A redirect owns the trampoline code it generated and the saved
// prologue needed to undo itself.
type redirect struct {
	entry       uintptr
	replacement uintptr
	code        []byte // live code of the target, aliasing the text segment
	saved       []byte // pristine prologue, as it was before any redirect
	applied     bool

	trampCode []byte // arena-allocated trampoline body
	trampRef  **byte // keepalive for the fabricated func value
}

// newRedirect stages a reroute of entry to replacement without applying
// it. pristine carries the original prologue bytes when a previous
// redirect is still live at entry; pass nil when the live prologue is
// the real one.
func newRedirect(entry, replacement uintptr, pristine []byte) (*redirect, error) {
	code, err := funcCode(entry)
	if err != nil {
		return nil, err
	}
	if len(code) < jumpLen {
		return nil, fmt.Errorf("function at %#x too small to redirect: %d bytes", entry, len(code))
	}

	saved := make([]byte, jumpLen)
	if pristine != nil {
		copy(saved, pristine)
	} else {
		copy(saved, code)
	}

	return &redirect{
		entry:       entry,
		replacement: replacement,
		code:        code,
		saved:       saved,
	}, nil
}

// trampoline clones the pre-redirect code into the executable arena and
// adapts it to a callable of the shape's type. Must run before apply:
// cloning after the jump is live would capture the replacement's
// behavior instead of the original's.
func (r *redirect) trampoline(shape *CallShape) (reflect.Value, error) {
	cloned, err := cloneCode(r.code, r.saved)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("generate trampoline for %#x: %w", r.entry, err)
	}

	fv, ref, err := codeFunc(cloned, shape)
	if err != nil {
		codeArena.beginMutate()
		codeArena.free(cloned)
		codeArena.endMutate()
		return reflect.Value{}, err
	}

	r.trampCode = cloned
	r.trampRef = ref

	if settings().Debug {
		if asm, err := disassemble(cloned); err == nil {
			logger.WithField("entry", fmt.Sprintf("%#x", r.entry)).Debug("trampoline:\n" + asm)
		}
	}

	return fv, nil
}

// apply makes the reroute live.
func (r *redirect) apply() error {
	if err := protectCode(r.code, protRWX); err != nil {
		return fmt.Errorf("unprotect text pages: %w", err)
	}
	defer protectCode(r.code, protRX)

	if err := insertJump(r.code, r.replacement); err != nil {
		return err
	}
	cacheflush(r.code[:jumpLen])

	r.applied = true
	logger.WithField("entry", fmt.Sprintf("%#x", r.entry)).
		WithField("replacement", fmt.Sprintf("%#x", r.replacement)).
		Debug("redirect applied")
	return nil
}

// dispose restores the saved prologue if the reroute is live and releases
// the trampoline memory. A redirect must be disposed before its patcher
// installs a new one; leaking a pending reroute leaves a stale jump in
// the text segment.
func (r *redirect) dispose() error {
	if r.applied {
		if err := protectCode(r.code, protRWX); err != nil {
			return fmt.Errorf("unprotect text pages: %w", err)
		}
		copy(r.code, r.saved)
		protectCode(r.code, protRX)
		cacheflush(r.code[:jumpLen])
		r.applied = false
	}

	if r.trampCode != nil {
		codeArena.beginMutate()
		codeArena.free(r.trampCode)
		codeArena.endMutate()
		r.trampCode = nil
		r.trampRef = nil
	}

	logger.WithField("entry", fmt.Sprintf("%#x", r.entry)).Debug("redirect disposed")
	return nil
}
