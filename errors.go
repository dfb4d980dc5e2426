package detour

import "errors"

var (
	// ErrNotFunc means the value passed in is not a function.
	ErrNotFunc = errors.New("not a function")
	// ErrMissingTrampoline means a stand-in resolved a key with no
	// registry entry. There is no safe fallback for such a call, so
	// this surfaces as a panic at the call site.
	ErrMissingTrampoline = errors.New("no trampoline registered for key")
	// ErrBadTrampoline means generated code could not be adapted to the
	// reconstructed call shape.
	ErrBadTrampoline = errors.New("trampoline does not fit call shape")
	// ErrUnsupportedSignature means a call shape could not be derived
	// from the target.
	ErrUnsupportedSignature = errors.New("unsupported signature")
)
