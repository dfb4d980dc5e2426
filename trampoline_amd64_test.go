//go:build amd64

package detour

import (
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cloneFixtureLoop(n int) int {
	sum := 0
	for i := 0; i < n; i++ {
		sum += i
	}
	return sum
}

func cloneFixtureString(v int) string {
	if v > 10 {
		return "large"
	}
	return "small"
}

func TestFuncCode(t *testing.T) {
	desc, err := DescribeFunc(cloneFixtureLoop)
	require.NoError(t, err)

	code, err := funcCode(desc.Entry)
	require.NoError(t, err)
	assert.NotEmpty(t, code)
}

func TestFuncCode_BadEntry(t *testing.T) {
	_, err := funcCode(0)
	assert.Error(t, err)
}

func TestCloneCode(t *testing.T) {
	for _, tc := range []struct {
		name string
		fn   any
		want any
	}{
		{
			name: "loop",
			fn:   cloneFixtureLoop,
			want: cloneFixtureLoop(10),
		},
		{
			name: "static data",
			fn:   cloneFixtureString,
			want: cloneFixtureString(10),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			desc, err := DescribeFunc(tc.fn)
			require.NoError(t, err)

			code, err := funcCode(desc.Entry)
			require.NoError(t, err)

			cloned, err := cloneCode(code, nil)
			require.NoError(t, err)

			fv, ref, err := codeFunc(cloned, desc.Shape())
			require.NoError(t, err)
			require.NotNil(t, ref)

			got := fv.Call([]reflect.Value{reflect.ValueOf(10)})
			require.Len(t, got, 1)
			assert.Equal(t, tc.want, got[0].Interface())
		})
	}
}

func TestCloneCode_PrologueOverlay(t *testing.T) {
	desc, err := DescribeFunc(cloneFixtureLoop)
	require.NoError(t, err)

	code, err := funcCode(desc.Entry)
	require.NoError(t, err)

	// Overlaying the code's own leading bytes must be a no-op clone.
	prologue := make([]byte, jumpLen)
	copy(prologue, code)

	cloned, err := cloneCode(code, prologue)
	require.NoError(t, err)

	fv, _, err := codeFunc(cloned, desc.Shape())
	require.NoError(t, err)
	assert.Equal(t, cloneFixtureLoop(25), fv.Interface().(func(int) int)(25))
}

func TestCloneCode_PrologueTooLong(t *testing.T) {
	_, err := cloneCode([]byte{0x90}, make([]byte, 16))
	assert.Error(t, err)
}

func TestArenaAllocate(t *testing.T) {
	require.NoError(t, codeArena.beginMutate())
	defer codeArena.endMutate()

	buf, err := codeArena.allocate(64)
	require.NoError(t, err)
	require.Len(t, buf, 64)
	codeArena.free(buf)
}

func TestArenaConcurrentMutators(t *testing.T) {
	// Overlapping mutation windows from independent goroutines must not
	// interleave into an allocate or free against protected pages.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, codeArena.beginMutate())
				buf, err := codeArena.allocate(32)
				if err == nil {
					codeArena.free(buf)
				}
				assert.NoError(t, codeArena.endMutate())
			}
		}()
	}
	wg.Wait()
}
