package detour

import (
	"fmt"
	"reflect"
	"sync"
)

// Patcher redirects a single target function and keeps the machinery a
// body-rewriting pipeline needs to pretend the target has an ordinary
// body: a synthesized stand-in and a trampoline to the pre-redirect
// behavior, published in a registry the stand-in consults at call time.
//
// A patcher moves through three states: constructed (shape
// reconstructed), stand-in prepared, redirected. Redirecting again while
// redirected is allowed and tears down the previous redirect/trampoline
// pair first. Disposal on destruction is the caller's job; see Unpatch.
type Patcher struct {
	desc  *MethodDescriptor
	shape *CallShape
	reg   *Registry

	mu      sync.Mutex
	standIn *StandIn
	active  *redirect
	// currentKey is the registry key currently published, zero until
	// the first redirect.
	currentKey int64
}

// NewPatcher builds a patcher for a plain function, using the default
// registry. The call shape is reconstructed once, here; an unsupported
// target fails construction rather than the eventual redirect.
func NewPatcher(target any) (*Patcher, error) {
	desc, err := DescribeFunc(target)
	if err != nil {
		return nil, err
	}
	return newPatcher(desc, DefaultRegistry), nil
}

// NewMethodPatcher builds a patcher for a method expression. The
// receiver becomes the leading parameter of the call shape.
func NewMethodPatcher(target any) (*Patcher, error) {
	desc, err := DescribeMethod(target)
	if err != nil {
		return nil, err
	}
	return newPatcher(desc, DefaultRegistry), nil
}

// NewPatcherWithRegistry is NewPatcher with an injected registry, for
// callers (and tests) that keep their trampolines out of the process
// default.
func NewPatcherWithRegistry(target any, reg *Registry) (*Patcher, error) {
	desc, err := DescribeFunc(target)
	if err != nil {
		return nil, err
	}
	return newPatcher(desc, reg), nil
}

func newPatcher(desc *MethodDescriptor, reg *Registry) *Patcher {
	return &Patcher{
		desc:  desc,
		shape: desc.Shape(),
		reg:   reg,
	}
}

// Descriptor returns the immutable description of the target.
func (p *Patcher) Descriptor() *MethodDescriptor { return p.desc }

// Shape returns the reconstructed call shape.
func (p *Patcher) Shape() *CallShape { return p.shape }

// PrepareStandIn synthesizes the callable stand-in for the target. It
// may be called more than once; every call regenerates the same shape
// under a fresh key, and the most recent stand-in is the one the next
// Redirect publishes its trampoline for.
func (p *Patcher) PrepareStandIn() *StandIn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepareLocked()
}

func (p *Patcher) prepareLocked() *StandIn {
	p.standIn = synthesize(p.desc, p.shape, p.reg)
	return p.standIn
}

// Redirect reroutes the target to replacement and publishes a trampoline
// to the pre-redirect behavior under the current stand-in's key. On
// success the returned value is the replacement itself.
//
// The ordering is the load-bearing part: the trampoline is generated
// from the pre-redirect call path, the registry swap of old key for new
// is atomic, and the jump only goes live after its trampoline is
// discoverable. A trampoline generation failure leaves the previous
// redirect, if any, installed and functional.
//
// The replacement must be a top-level function or a closure with no
// captured state: the redirect is a bare jump to its entry point, so
// captured variables would never be wired up.
func (p *Patcher) Redirect(replacement any) (any, error) {
	v := reflect.ValueOf(replacement)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("replacement is %w, kind: %v", ErrNotFunc, v.Kind())
	}
	if err := p.shape.conform(v.Type()); err != nil {
		return nil, fmt.Errorf("replacement for %s: %w", p.desc.Name, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.standIn == nil {
		p.prepareLocked()
	}

	// While a previous redirect is live the prologue in the text
	// segment is a jump, so the new redirect gets the pristine bytes
	// from the redirect that saved them.
	var pristine []byte
	if p.active != nil {
		pristine = p.active.saved
	}

	r, err := newRedirect(p.desc.Entry, v.Pointer(), pristine)
	if err != nil {
		return nil, err
	}

	tramp, err := r.trampoline(p.shape)
	if err != nil {
		return nil, err
	}

	key := p.standIn.Key
	displaced, hadOld := p.reg.Replace(p.currentKey, key, tramp)

	if p.active != nil {
		if err := p.active.dispose(); err != nil {
			// Roll the swap back: the previous redirect is still live, so
			// its trampoline must stay reachable.
			p.reg.Remove(key)
			if hadOld {
				p.reg.Publish(p.currentKey, displaced)
			}
			r.dispose()
			return nil, fmt.Errorf("tear down previous redirect: %w", err)
		}
		p.active = nil
	}

	if err := r.apply(); err != nil {
		p.reg.Remove(key)
		r.dispose()
		return nil, err
	}

	p.active = r
	p.currentKey = key

	logger.WithField("target", p.desc.Name).
		WithField("key", key).
		Debug("redirect installed")

	return replacement, nil
}

// Unpatch restores the target's original prologue and retires the
// published trampoline. A stand-in invoked after Unpatch fails its
// lookup: there is no entry left to reach.
func (p *Patcher) Unpatch() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == nil {
		return nil
	}

	err := p.active.dispose()
	p.reg.Remove(p.currentKey)
	p.active = nil
	p.currentKey = 0
	return err
}
