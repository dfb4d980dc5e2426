package detour

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPatcher_NotAFunction(t *testing.T) {
	_, err := NewPatcher("not a function")
	assert.ErrorIs(t, err, ErrNotFunc)

	_, err = NewPatcher(nil)
	assert.ErrorIs(t, err, ErrNotFunc)
}

func TestPrepareStandIn_FreshKeys(t *testing.T) {
	assert := assert.New(t)

	p, err := NewPatcherWithRegistry(standinTarget, NewRegistry())
	require.NoError(t, err)

	s1 := p.PrepareStandIn()
	s2 := p.PrepareStandIn()

	assert.NotEqual(s1.Key, s2.Key)
	assert.Equal(p.Shape().FuncType(), s1.Func.Type())
	assert.Equal(p.Shape().FuncType(), s2.Func.Type())
}

func TestRedirect_BadReplacement(t *testing.T) {
	p, err := NewPatcherWithRegistry(standinTarget, NewRegistry())
	require.NoError(t, err)

	t.Run("not a function", func(t *testing.T) {
		_, err := p.Redirect(42)
		assert.ErrorIs(t, err, ErrNotFunc)
	})

	t.Run("signature mismatch", func(t *testing.T) {
		_, err := p.Redirect(func(s string) string { return s })
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "signatures do not match")
	})
}
