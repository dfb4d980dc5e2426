package detour

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/atomic"
)

// Registry is the process-wide table that maps a stand-in's key to the
// trampoline it must call. Stand-ins resolve their trampoline on every
// invocation, from arbitrary application threads, so Lookup sits on a hot
// path: all three operations serialize on one mutex and hold it only for
// the map access.
//
// The zero value is not usable; construct with NewRegistry. Patchers take
// a *Registry rather than reaching for the package default so tests can
// run against isolated instances.
type Registry struct {
	mu      sync.Mutex
	entries map[int64]reflect.Value
}

// DefaultRegistry backs every patcher that isn't given its own registry.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[int64]reflect.Value)}
}

// Publish inserts or overwrites the trampoline for key.
func (r *Registry) Publish(key int64, tramp reflect.Value) {
	r.mu.Lock()
	r.entries[key] = tramp
	r.mu.Unlock()
}

// Remove deletes the entry for key. Removing a key that was never
// published is a no-op: the first redirect a patcher installs has no
// prior entry to clear.
func (r *Registry) Remove(key int64) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()
}

// Lookup returns the trampoline registered for key.
func (r *Registry) Lookup(key int64) (reflect.Value, error) {
	r.mu.Lock()
	tramp, ok := r.entries[key]
	r.mu.Unlock()
	if !ok {
		return reflect.Value{}, fmt.Errorf("%w %d", ErrMissingTrampoline, key)
	}
	return tramp, nil
}

// Replace atomically retires the entry for old and publishes tramp under
// new. A concurrent Lookup sees either the state before or the state
// after, never the window in between, which is what lets a redirect be
// applied immediately afterwards without any caller racing an empty
// table. The displaced value is returned so a caller whose swap turns
// out to be premature can publish it back.
func (r *Registry) Replace(old, new int64, tramp reflect.Value) (reflect.Value, bool) {
	r.mu.Lock()
	displaced, ok := r.entries[old]
	delete(r.entries, old)
	r.entries[new] = tramp
	r.mu.Unlock()
	return displaced, ok
}

// keyCounter issues registry keys. Every synthesized stand-in gets a
// fresh key, so stand-ins from different patch attempts never collide
// even when an earlier attempt's entry is still published.
var keyCounter atomic.Int64

func nextKey() int64 {
	return keyCounter.Inc()
}
