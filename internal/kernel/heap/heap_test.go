package heap

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateAndFree(t *testing.T) {
	h := New("test", 0)

	a, err := h.Allocate(7, 64, "msg", OwnerData)
	require.NoError(t, err)

	assert.Equal(t, 64, a.Size())
	assert.Equal(t, ProcessID(7), a.Owner())
	assert.Equal(t, OwnerData, a.Kind())
	assert.Equal(t, TypeTag("msg"), a.Type())
	assert.Equal(t, int64(64), h.Used())
	assert.True(t, h.Contains(a))

	last, err := h.Free(a)
	require.NoError(t, err)
	assert.True(t, last)
	assert.True(t, a.Freed())
	assert.Equal(t, int64(0), h.Used())
	assert.Equal(t, 0, h.Len())

	_, err = h.Free(a)
	assert.ErrorIs(t, err, ErrFreed)
}

func TestAllocateInvalidSize(t *testing.T) {
	h := New("test", 0)

	for _, size := range []int{0, -1} {
		_, err := h.Allocate(1, size, "x", OwnerData)
		assert.ErrorIs(t, err, ErrInvalidSize)
	}
}

func TestCapacityExhaustion(t *testing.T) {
	h := New("small", 100)

	_, err := h.Allocate(1, 80, "x", OwnerData)
	require.NoError(t, err)

	_, err = h.Allocate(1, 40, "x", OwnerData)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(80), h.Used())
}

func TestShareCountsReferences(t *testing.T) {
	h := New("test", 0)

	a, err := h.Allocate(1, 32, "x", OwnerEndpoint)
	require.NoError(t, err)

	alias, err := h.Share(a, 2, OwnerEndpointPeer, 0, 32)
	require.NoError(t, err)

	assert.True(t, a.SameBlock(alias))
	assert.Equal(t, 2, a.Shares())
	assert.Equal(t, ProcessID(2), alias.Owner())

	_, err = alias.WriteAt([]byte("hello"), 4)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = a.ReadAt(buf, 4)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	last, err := h.Free(a)
	require.NoError(t, err)
	assert.False(t, last)
	assert.Equal(t, int64(32), h.Used())

	last, err = h.Free(alias)
	require.NoError(t, err)
	assert.True(t, last)
	assert.Equal(t, int64(0), h.Used())
}

func TestShareOutOfRange(t *testing.T) {
	h := New("test", 0)
	a, err := h.Allocate(1, 16, "x", OwnerData)
	require.NoError(t, err)

	_, err = h.Share(a, 1, OwnerData, 8, 16)
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestShallowCopyIsIndependent(t *testing.T) {
	src := New("src", 0)
	dst := New("dst", 0)

	a, err := src.Allocate(1, 16, "x", OwnerEndpoint)
	require.NoError(t, err)
	_, err = a.WriteAt([]byte("abc"), 0)
	require.NoError(t, err)

	inner, err := src.Allocate(1, 8, "inner", OwnerData)
	require.NoError(t, err)
	require.NoError(t, a.SetPointerAt(8, inner))

	cp, err := dst.ShallowCopy(a, 2, OwnerEndpointPeer)
	require.NoError(t, err)
	assert.False(t, cp.SameBlock(a))
	assert.Equal(t, dst, cp.Heap())

	_, err = a.WriteAt([]byte("xyz"), 0)
	require.NoError(t, err)

	buf := make([]byte, 3)
	_, err = cp.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	p, err := cp.PointerAt(8)
	require.NoError(t, err)
	assert.Same(t, inner, p)
}

func TestMoveAcrossHeaps(t *testing.T) {
	src := New("src", 0)
	dst := New("dst", 0)

	a, err := src.Allocate(1, 16, "x", OwnerData)
	require.NoError(t, err)
	require.NoError(t, a.PutUint32At(0, 0xdeadbeef))

	moved, err := Move(a, dst, 9)
	require.NoError(t, err)

	assert.True(t, a.Freed())
	assert.Equal(t, dst, moved.Heap())
	assert.Equal(t, ProcessID(9), moved.Owner())
	assert.Equal(t, int64(0), src.Used())
	assert.Equal(t, int64(16), dst.Used())

	v, err := moved.Uint32At(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)
}

func TestMoveWithinHeapRelabels(t *testing.T) {
	h := New("h", 0)
	a, err := h.Allocate(1, 16, "x", OwnerData)
	require.NoError(t, err)

	moved, err := Move(a, h, 3)
	require.NoError(t, err)
	assert.Same(t, a, moved)
	assert.Equal(t, ProcessID(3), a.Owner())
}

func TestMoveFailsWithoutMutation(t *testing.T) {
	src := New("src", 0)
	dst := New("dst", 8)

	a, err := src.Allocate(1, 16, "x", OwnerData)
	require.NoError(t, err)

	_, err = Move(a, dst, 2)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.False(t, a.Freed())
	assert.True(t, src.Contains(a))
}

func TestFreeForeignAllocation(t *testing.T) {
	h1 := New("h1", 0)
	h2 := New("h2", 0)

	a, err := h1.Allocate(1, 8, "x", OwnerData)
	require.NoError(t, err)

	_, err = h2.Free(a)
	assert.ErrorIs(t, err, ErrNotOwned)
}

func TestPointerFields(t *testing.T) {
	h := New("h", 0)
	a, err := h.Allocate(1, 32, "x", OwnerData)
	require.NoError(t, err)
	b, err := h.Allocate(1, 8, "y", OwnerData)
	require.NoError(t, err)

	require.NoError(t, a.SetPointerAt(16, b))
	assert.Len(t, a.Pointers(), 1)

	require.NoError(t, a.SetPointerAt(16, nil))
	p, err := a.PointerAt(16)
	require.NoError(t, err)
	assert.Nil(t, p)

	assert.ErrorIs(t, a.SetPointerAt(64, b), ErrOutOfRange)
}

func TestConcurrentAllocateFree(t *testing.T) {
	h := New("h", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a, err := h.Allocate(1, 8, "x", OwnerData)
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := h.Free(a); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, h.Len())
	assert.Equal(t, int64(0), h.Used())
}
