//go:build amd64

package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func detourTargetA() string {
	return "a"
}

func replacementB() string {
	return "b"
}

func replacementC() string {
	return "c"
}

//go:noinline
func detourAddOne(x int) int {
	return x + 1
}

func detourDouble(x int) int {
	return x * 2
}

func TestRedirect(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := NewRegistry()
	p, err := NewPatcherWithRegistry(detourTargetA, reg)
	require.NoError(err)
	t.Cleanup(func() { p.Unpatch() })

	s := p.PrepareStandIn()

	assert.Equal("a", detourTargetA())
	_, err = p.Redirect(replacementB)
	require.NoError(err)

	// Calls land on the replacement, while the stand-in still reaches
	// the pre-redirect behavior through its trampoline.
	assert.Equal("b", detourTargetA())
	assert.Equal("a", s.Interface().(func() string)())

	tramp, err := reg.Lookup(s.Key)
	require.NoError(err)
	assert.Equal("a", tramp.Interface().(func() string)())
}

func TestRedirect_ForwardsArguments(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := NewRegistry()
	p, err := NewPatcherWithRegistry(detourAddOne, reg)
	require.NoError(err)
	t.Cleanup(func() { p.Unpatch() })

	s := p.PrepareStandIn()

	assert.Equal(6, detourAddOne(5))
	_, err = p.Redirect(detourDouble)
	require.NoError(err)

	assert.Equal(10, detourAddOne(5))
	assert.Equal(6, s.Interface().(func(int) int)(5))
}

func TestReRedirect(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := NewRegistry()
	p, err := NewPatcherWithRegistry(detourTargetA, reg)
	require.NoError(err)
	t.Cleanup(func() { p.Unpatch() })

	s1 := p.PrepareStandIn()
	_, err = p.Redirect(replacementB)
	require.NoError(err)
	assert.Equal("b", detourTargetA())

	s2 := p.PrepareStandIn()
	_, err = p.Redirect(replacementC)
	require.NoError(err)
	assert.NotEqual(s1.Key, s2.Key)

	// The old key is retired, the new key holds a trampoline to the
	// original behavior (replacementC was never itself redirected).
	assert.Equal("c", detourTargetA())
	_, err = reg.Lookup(s1.Key)
	assert.ErrorIs(err, ErrMissingTrampoline)

	tramp, err := reg.Lookup(s2.Key)
	require.NoError(err)
	assert.Equal("a", tramp.Interface().(func() string)())
	assert.Equal("a", s2.Interface().(func() string)())
}

func TestRedirect_FailureLeavesPreviousLive(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := NewRegistry()
	p, err := NewPatcherWithRegistry(detourTargetA, reg)
	require.NoError(err)
	t.Cleanup(func() { p.Unpatch() })

	s := p.PrepareStandIn()
	_, err = p.Redirect(replacementB)
	require.NoError(err)

	_, err = p.Redirect(func(n int) int { return n })
	assert.Error(err)

	// The failed attempt committed nothing.
	assert.Equal("b", detourTargetA())
	_, err = reg.Lookup(s.Key)
	assert.NoError(err)
}

func TestUnpatch(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	reg := NewRegistry()
	p, err := NewPatcherWithRegistry(detourTargetA, reg)
	require.NoError(err)

	s := p.PrepareStandIn()
	_, err = p.Redirect(replacementB)
	require.NoError(err)
	assert.Equal("b", detourTargetA())

	require.NoError(p.Unpatch())
	assert.Equal("a", detourTargetA())

	_, err = reg.Lookup(s.Key)
	assert.ErrorIs(err, ErrMissingTrampoline)

	// Unpatch without an active redirect is a no-op.
	assert.NoError(p.Unpatch())
}
