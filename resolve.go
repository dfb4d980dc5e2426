package detour

import (
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// MethodPatcher is what the owning patch dispatcher drives once a
// resolution hook has claimed a candidate.
type MethodPatcher interface {
	PrepareStandIn() *StandIn
	Redirect(replacement any) (any, error)
	Unpatch() error
}

var _ MethodPatcher = (*Patcher)(nil)

// PatchResolution is the mutable per-candidate context a dispatcher
// threads through its resolution hooks. A hook that claims the candidate
// sets Patcher; an already claimed resolution is left alone.
type PatchResolution struct {
	// Target is the candidate function or method expression.
	Target any
	// IsMethod marks Target as a method expression whose first
	// parameter is the receiver.
	IsMethod bool
	// Patcher is the chosen implementation, nil until a hook claims the
	// candidate.
	Patcher MethodPatcher
}

// ResolveDetour claims candidates that have no inspectable body. It
// never panics for well-formed candidates; anything it cannot describe
// it simply declines.
func ResolveDetour(res *PatchResolution) {
	if res == nil || res.Patcher != nil {
		return
	}
	if v := reflect.ValueOf(res.Target); v.Kind() != reflect.Func {
		return
	}
	if HasInspectableBody(res.Target) {
		return
	}

	var (
		p   *Patcher
		err error
	)
	if res.IsMethod {
		p, err = NewMethodPatcher(res.Target)
	} else {
		p, err = NewPatcher(res.Target)
	}
	if err != nil {
		return
	}
	res.Patcher = p
}

// HasInspectableBody reports whether fn's implementation is visible to
// the Go side. Assembly implementations and externally linked entry
// points either have no source position at all or resolve to a .s file.
func HasInspectableBody(fn any) bool {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return false
	}
	f := runtime.FuncForPC(v.Pointer())
	if f == nil {
		return false
	}
	file, _ := f.FileLine(f.Entry())
	if file == "" || file == "?" {
		return false
	}
	return !strings.HasSuffix(file, ".s")
}

var (
	hooksMu sync.Mutex
	hooks   = []func(*PatchResolution){ResolveDetour}
)

// RegisterHook adds a resolution hook for dispatchers that consult this
// package. ResolveDetour is registered once at init.
func RegisterHook(h func(*PatchResolution)) {
	hooksMu.Lock()
	hooks = append(hooks, h)
	hooksMu.Unlock()
}

// Hooks returns the registered resolution hooks in registration order.
func Hooks() []func(*PatchResolution) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	out := make([]func(*PatchResolution), len(hooks))
	copy(out, hooks)
	return out
}

// Resolve runs every hook over a fresh resolution for target and returns
// it. Convenience for dispatchers that don't keep their own hook list.
func Resolve(target any, isMethod bool) *PatchResolution {
	res := &PatchResolution{Target: target, IsMethod: isMethod}
	for _, h := range Hooks() {
		h(res)
	}
	return res
}
