package detour

import (
	"fmt"
	"reflect"
)

// StandIn is a synthesized callable with the same shape as the patch
// target. Its whole body is: resolve the trampoline for Key, forward
// every argument in order (receiver first for methods), return the
// results. It exists so body-rewriting tooling has something ordinary to
// chew on when the real target has nothing to inspect.
type StandIn struct {
	// Key identifies this stand-in's trampoline in the registry. Keys
	// are unique for the life of the process.
	Key int64
	// Name is a human-readable description of the synthesized unit,
	// derived from the target's symbol name and the key so repeated
	// patch attempts on one target stay distinguishable.
	Name string
	// Func is the callable body.
	Func reflect.Value

	shape *CallShape
}

// synthesize emits a stand-in for the descriptor. Each call issues a
// fresh key, even for the same target: the registry entry of a previous
// attempt may still be live.
func synthesize(desc *MethodDescriptor, shape *CallShape, reg *Registry) *StandIn {
	key := nextKey()
	s := &StandIn{
		Key:   key,
		Name:  fmt.Sprintf("%s_detour_%d", desc.Name, key),
		shape: shape,
	}

	variadic := shape.FuncType().IsVariadic()
	s.Func = reflect.MakeFunc(shape.FuncType(), func(args []reflect.Value) []reflect.Value {
		tramp, err := reg.Lookup(key)
		if err != nil {
			// A miss here is an ordering bug, not a recoverable
			// condition: there is nothing safe to dispatch to.
			panic(err)
		}
		if variadic {
			return tramp.CallSlice(args)
		}
		return tramp.Call(args)
	})

	logger.WithField("standin", s.Name).WithField("key", key).Debug("synthesized stand-in")
	return s
}

// Interface returns the stand-in as a value assignable to the target's
// func type.
func (s *StandIn) Interface() any {
	return s.Func.Interface()
}
