package detour

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standinTarget(a, b int) int {
	return a + b
}

func TestSynthesize_ForwardsToTrampoline(t *testing.T) {
	reg := NewRegistry()
	desc, err := DescribeFunc(standinTarget)
	require.NoError(t, err)

	s := synthesize(desc, desc.Shape(), reg)
	reg.Publish(s.Key, reflect.ValueOf(func(a, b int) int { return a * b }))

	fn := s.Interface().(func(int, int) int)
	assert.Equal(t, 12, fn(3, 4))
}

func TestSynthesize_DistinctKeys(t *testing.T) {
	assert := assert.New(t)
	reg := NewRegistry()
	desc, err := DescribeFunc(standinTarget)
	require.NoError(t, err)

	s1 := synthesize(desc, desc.Shape(), reg)
	s2 := synthesize(desc, desc.Shape(), reg)

	assert.NotEqual(s1.Key, s2.Key)
	assert.NotEqual(s1.Name, s2.Name)
	assert.Contains(s1.Name, "standinTarget")
}

func TestSynthesize_MissingTrampoline(t *testing.T) {
	reg := NewRegistry()
	desc, err := DescribeFunc(standinTarget)
	require.NoError(t, err)

	s := synthesize(desc, desc.Shape(), reg)
	fn := s.Interface().(func(int, int) int)

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected stand-in to panic without a trampoline")
		err, ok := r.(error)
		require.True(t, ok, "panic value should be an error, got %T", r)
		assert.True(t, errors.Is(err, ErrMissingTrampoline))
	}()
	fn(1, 2)
}

func TestSynthesize_Method(t *testing.T) {
	reg := NewRegistry()
	desc, err := DescribeMethod((*shapeCounter).Add)
	require.NoError(t, err)

	s := synthesize(desc, desc.Shape(), reg)

	// The receiver is forwarded as the first argument.
	var got *shapeCounter
	reg.Publish(s.Key, reflect.ValueOf(func(c *shapeCounter, delta int) int {
		got = c
		return delta * 10
	}))

	c := &shapeCounter{}
	fn := s.Interface().(func(*shapeCounter, int) int)
	assert.Equal(t, 30, fn(c, 3))
	assert.Same(t, c, got)
}

func TestSynthesize_Variadic(t *testing.T) {
	reg := NewRegistry()
	desc, err := DescribeFunc(shapeVariadicFixture)
	require.NoError(t, err)

	s := synthesize(desc, desc.Shape(), reg)
	reg.Publish(s.Key, reflect.ValueOf(func(prefix string, vals ...int) int {
		return len(vals)
	}))

	fn := s.Interface().(func(string, ...int) int)
	assert.Equal(t, 3, fn("x", 7, 8, 9))
	assert.Equal(t, 0, fn("x"))
}

func TestSynthesize_PanicPropagates(t *testing.T) {
	reg := NewRegistry()
	desc, err := DescribeFunc(standinTarget)
	require.NoError(t, err)

	s := synthesize(desc, desc.Shape(), reg)
	reg.Publish(s.Key, reflect.ValueOf(func(a, b int) int {
		panic("boom")
	}))

	fn := s.Interface().(func(int, int) int)
	assert.PanicsWithValue(t, "boom", func() { fn(1, 2) })
}
