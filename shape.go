package detour

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MethodDescriptor captures the target of a patch: its entry point, the
// receiver type when the target is a method, and the formal parameter and
// return types. A descriptor is derived once from reflection and never
// mutated afterwards.
type MethodDescriptor struct {
	// Name is the symbol name as the runtime knows it.
	Name string
	// Entry is the first instruction of the function.
	Entry uintptr
	// Recv is the effective receiver type, nil for plain functions. For
	// pointer-receiver methods this is the pointer type, which matters:
	// flattening it to the element type would change the ABI of every
	// call that forwards the receiver.
	Recv reflect.Type
	// In holds the formal parameter types, receiver excluded.
	In []reflect.Type
	// Out holds the return types.
	Out []reflect.Type
	// ParamNames are synthesized placeholders ("recv", "arg0", ...) used
	// in stand-in names and logs. Go reflection does not retain source
	// parameter names, so these carry no semantic weight.
	ParamNames []string

	variadic bool
}

// CallShape is the reconstructed calling signature: the receiver first
// when there is one, then each formal parameter, then the returns. The
// stand-in's parameter list and the trampoline's func type are both built
// from the same shape, so they can never drift apart.
type CallShape struct {
	In  []reflect.Type
	Out []reflect.Type

	variadic bool
	ftype    reflect.Type
}

// DescribeFunc derives a descriptor for a plain function.
func DescribeFunc(fn any) (*MethodDescriptor, error) {
	return describe(fn, false)
}

// DescribeMethod derives a descriptor for a method expression, e.g.
// (*net.Resolver).LookupHost. The first parameter of the expression is
// the receiver and is recorded as such.
func DescribeMethod(fn any) (*MethodDescriptor, error) {
	return describe(fn, true)
}

func describe(fn any, method bool) (*MethodDescriptor, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w, kind: %v", ErrNotFunc, v.Kind())
	}

	t := v.Type()
	d := &MethodDescriptor{
		Entry:    v.Pointer(),
		variadic: t.IsVariadic(),
	}
	if f := runtime.FuncForPC(d.Entry); f != nil {
		d.Name = f.Name()
	}

	in := make([]reflect.Type, t.NumIn())
	for i := range in {
		in[i] = t.In(i)
	}
	if method {
		if len(in) == 0 {
			return nil, fmt.Errorf("%w: method expression has no receiver parameter", ErrUnsupportedSignature)
		}
		d.Recv = in[0]
		in = in[1:]
	}
	d.In = in

	d.Out = make([]reflect.Type, t.NumOut())
	for i := range d.Out {
		d.Out[i] = t.Out(i)
	}

	d.ParamNames = make([]string, 0, len(in)+1)
	if d.Recv != nil {
		d.ParamNames = append(d.ParamNames, "recv")
	}
	for i := range in {
		d.ParamNames = append(d.ParamNames, fmt.Sprintf("arg%d", i))
	}

	return d, nil
}

// Shape reconstructs the call shape for the descriptor. Shapes are pure
// derivations, so they are cached per entry point.
func (d *MethodDescriptor) Shape() *CallShape {
	cache := shapes()
	if s, ok := cache.Get(d.Entry); ok {
		return s
	}

	in := make([]reflect.Type, 0, len(d.In)+1)
	if d.Recv != nil {
		in = append(in, d.Recv)
	}
	in = append(in, d.In...)

	s := &CallShape{
		In:       in,
		Out:      d.Out,
		variadic: d.variadic,
		ftype:    reflect.FuncOf(in, d.Out, d.variadic),
	}
	cache.Add(d.Entry, s)
	return s
}

// FuncType returns the func type shared by the stand-in and the
// trampoline.
func (s *CallShape) FuncType() reflect.Type {
	return s.ftype
}

// NumIn returns the number of inputs, receiver included.
func (s *CallShape) NumIn() int { return len(s.In) }

// conform reports how t differs from the shape. The per-position detail
// makes ABI mismatches debuggable instead of crashing at the first
// forwarded call.
func (s *CallShape) conform(t reflect.Type) error {
	if t.Kind() != reflect.Func {
		return fmt.Errorf("%w, kind: %v", ErrNotFunc, t.Kind())
	}

	var errs []error
	if t.NumIn() != len(s.In) {
		errs = append(errs, fmt.Errorf("want %d inputs, have %d", len(s.In), t.NumIn()))
	} else {
		for i, want := range s.In {
			if t.In(i) != want {
				errs = append(errs, fmt.Errorf("input %d: %v != %v", i, want, t.In(i)))
			}
		}
	}
	if t.NumOut() != len(s.Out) {
		errs = append(errs, fmt.Errorf("want %d outputs, have %d", len(s.Out), t.NumOut()))
	} else {
		for i, want := range s.Out {
			if t.Out(i) != want {
				errs = append(errs, fmt.Errorf("output %d: %v != %v", i, want, t.Out(i)))
			}
		}
	}
	if t.IsVariadic() != s.variadic {
		errs = append(errs, errors.New("variadic mismatch"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("signatures do not match: %w", errors.Join(errs...))
	}
	return nil
}

var (
	shapeCache     *lru.Cache[uintptr, *CallShape]
	shapeCacheOnce sync.Once
)

func shapes() *lru.Cache[uintptr, *CallShape] {
	shapeCacheOnce.Do(func() {
		size := settings().ShapeCacheSize
		if size <= 0 {
			size = 128
		}
		// lru.New only fails on a non-positive size.
		shapeCache, _ = lru.New[uintptr, *CallShape](size)
	})
	return shapeCache
}
