package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

const bufferType heap.TypeTag = "msg.Buffer"

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func readString(t *testing.T, a *heap.Allocation, off, n int) string {
	t.Helper()
	buf := make([]byte, n)
	_, err := a.ReadAt(buf, off)
	require.NoError(t, err)
	return string(buf)
}

func TestDirectSend(t *testing.T) {
	f := newFixture(t, Options{})
	gamma, err := f.procs.Create("gamma", f.h1)
	require.NoError(t, err)
	a, b := f.connect(t, f.p1, gamma)

	peer, marshall := mustPeer(t, a)
	assert.False(t, marshall)
	assert.True(t, peer.SameBlock(mustBlock(t, b)))

	_, err = peer.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	data, err := f.h1.Allocate(f.p1.ID, 8, bufferType, heap.OwnerData)
	require.NoError(t, err)
	require.NoError(t, peer.SetPointerAt(64, data))

	require.NoError(t, a.BeginUpdate(0, 5, -1))
	require.NoError(t, a.MarshallPointer(64, bufferType))
	require.NoError(t, a.NotifyPeer())

	n, err := b.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	block := mustBlock(t, b)
	assert.Equal(t, "hello", readString(t, block, 0, 5))
	got, err := block.PointerAt(64)
	require.NoError(t, err)
	assert.Same(t, data, got)
	assert.Equal(t, gamma.ID, data.Owner())
}

func TestProxiedSend(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.connect(t, f.p1, f.p2)

	proxy, marshall := mustPeer(t, a)
	assert.True(t, marshall)
	assert.False(t, proxy.SameBlock(mustBlock(t, b)))
	assert.Same(t, f.h1, proxy.Heap())

	_, err := proxy.WriteAt([]byte("hello"), 0)
	require.NoError(t, err)
	require.NoError(t, proxy.PutUint32At(32, 7))
	data, err := f.h1.Allocate(f.p1.ID, 8, bufferType, heap.OwnerData)
	require.NoError(t, err)
	_, err = data.WriteAt([]byte("payload!"), 0)
	require.NoError(t, err)
	require.NoError(t, proxy.SetPointerAt(64, data))

	require.NoError(t, a.BeginUpdate(0, 5, 32))
	require.NoError(t, a.MarshallPointer(64, bufferType))
	assert.True(t, data.Freed())

	pending, err := a.PendingUpdates()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	// NotifyPeer commits the open batch
	require.NoError(t, a.NotifyPeer())
	pending, _ = a.PendingUpdates()
	assert.Equal(t, 1, pending)

	n, err := b.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	block := mustBlock(t, b)
	assert.Equal(t, "hello", readString(t, block, 0, 5))
	tag, err := block.Uint32At(32)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), tag)

	ptr, err := block.PointerAt(64)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	assert.Same(t, f.h2, ptr.Heap())
	assert.Equal(t, f.p2.ID, ptr.Owner())
	assert.Equal(t, bufferType, ptr.Type())
	assert.Equal(t, "payload!", readString(t, ptr, 0, 8))

	// only the two update buffers remain in the kernel heap
	assert.Equal(t, 2, f.kernel.Len())
	pending, _ = a.PendingUpdates()
	assert.Equal(t, 0, pending)
}

func TestPendingRecordsDeliveredInOrder(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.connect(t, f.p1, f.p2)
	proxy, _ := mustPeer(t, a)

	for i := 1; i <= 3; i++ {
		_, err := proxy.WriteAt([]byte{byte('0' + i)}, 8*i)
		require.NoError(t, err)
		require.NoError(t, proxy.PutUint32At(0, uint32(i)))
		require.NoError(t, a.BeginUpdate(8*i, 1, 0))
		require.NoError(t, a.EndUpdate())
	}
	pending, err := a.PendingUpdates()
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	n, err := b.AcceptUpdates()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	block := mustBlock(t, b)
	tag, err := block.Uint32At(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), tag)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, string(rune('0'+i)), readString(t, block, 8*i, 1))
	}

	pending, _ = a.PendingUpdates()
	assert.Equal(t, 0, pending)
}

func TestUpdateOverflowPanics(t *testing.T) {
	f := newFixture(t, Options{UpdateSlots: 2})
	a, _ := f.connect(t, f.p1, f.p2)

	for i := 0; i < 2; i++ {
		require.NoError(t, a.BeginUpdate(0, 1, -1))
		require.NoError(t, a.EndUpdate())
	}
	require.NoError(t, a.BeginUpdate(0, 1, -1))

	fault := recoverFault(t, func() { _ = a.EndUpdate() })
	assert.Equal(t, FaultConsistency, fault.Kind)
	assert.ErrorIs(t, fault, ErrUpdateOverflow)
}

func TestBatchMisuse(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.connect(t, f.p1, f.p2)

	assert.ErrorIs(t, a.EndUpdate(), ErrNoBatch)
	assert.ErrorIs(t, a.AbortUpdate(), ErrNoBatch)
	assert.ErrorIs(t, a.MarshallPointer(0, bufferType), ErrNoBatch)

	err := a.BeginUpdate(250, 10, -1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.True(t, IsUsage(err))
	assert.ErrorIs(t, a.BeginUpdate(0, 4, 254), ErrOutOfBounds)

	require.NoError(t, a.BeginUpdate(0, 4, -1))
	assert.ErrorIs(t, a.BeginUpdate(0, 4, -1), ErrBatchOpen)
	require.NoError(t, a.AbortUpdate())

	lone, err := f.reg.NewEndpoint(f.p1)
	require.NoError(t, err)
	assert.ErrorIs(t, lone.BeginUpdate(0, 4, -1), ErrNotConnected)
	_, _, err = lone.GetPeer()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMarshallPointerChecksType(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.connect(t, f.p1, f.p2)
	proxy, _ := mustPeer(t, a)

	data, err := f.h1.Allocate(f.p1.ID, 8, "other.Type", heap.OwnerData)
	require.NoError(t, err)
	require.NoError(t, proxy.SetPointerAt(16, data))

	require.NoError(t, a.BeginUpdate(0, 0, -1))
	err = a.MarshallPointer(16, bufferType)
	require.Error(t, err)
	assert.True(t, IsUsage(err))
	assert.ErrorIs(t, err, ErrTypeMismatch)

	// the pointer was left where it was
	assert.False(t, data.Freed())
	got, _ := proxy.PointerAt(16)
	assert.Same(t, data, got)

	// a null field is not an error
	assert.NoError(t, a.MarshallPointer(24, bufferType))
}

func TestMarshallPointerLimit(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.connect(t, f.p1, f.p2)
	proxy, _ := mustPeer(t, a)

	for i := 0; i <= MaxPointers; i++ {
		data, err := f.h1.Allocate(f.p1.ID, 4, bufferType, heap.OwnerData)
		require.NoError(t, err)
		require.NoError(t, proxy.SetPointerAt(8*i, data))
	}

	require.NoError(t, a.BeginUpdate(0, 0, -1))
	for i := 0; i < MaxPointers; i++ {
		require.NoError(t, a.MarshallPointer(8*i, bufferType))
	}
	assert.ErrorIs(t, a.MarshallPointer(8*MaxPointers, bufferType), ErrTooManyPointers)
}

func TestAbortUpdateRestoresPointers(t *testing.T) {
	f := newFixture(t, Options{})
	a, _ := f.connect(t, f.p1, f.p2)
	proxy, _ := mustPeer(t, a)

	data, err := f.h1.Allocate(f.p1.ID, 8, bufferType, heap.OwnerData)
	require.NoError(t, err)
	require.NoError(t, proxy.SetPointerAt(40, data))

	require.NoError(t, a.BeginUpdate(0, 0, -1))
	require.NoError(t, a.MarshallPointer(40, bufferType))
	got, _ := proxy.PointerAt(40)
	assert.Nil(t, got)

	require.NoError(t, a.AbortUpdate())

	got, err = proxy.PointerAt(40)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Same(t, f.h1, got.Heap())
	assert.Equal(t, f.p1.ID, got.Owner())
	assert.Equal(t, 2, f.kernel.Len())

	pending, _ := a.PendingUpdates()
	assert.Equal(t, 0, pending)
}

func TestUndeliveredPointersFreedOnRelease(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.connect(t, f.p1, f.p2)
	proxy, _ := mustPeer(t, a)

	data, err := f.h1.Allocate(f.p1.ID, 8, bufferType, heap.OwnerData)
	require.NoError(t, err)
	require.NoError(t, proxy.SetPointerAt(8, data))
	require.NoError(t, a.BeginUpdate(0, 0, -1))
	require.NoError(t, a.MarshallPointer(8, bufferType))
	require.NoError(t, a.EndUpdate())
	assert.Equal(t, 3, f.kernel.Len())

	f.closeAndFree(t, a, b)
	assert.Equal(t, 0, f.kernel.Len())
	assert.Equal(t, int64(0), f.kernel.Used())
	assert.Equal(t, 0, f.h1.Len())
	assert.Equal(t, 0, f.h2.Len())
}

func TestBidirectionalProxied(t *testing.T) {
	f := newFixture(t, Options{})
	a, b := f.connect(t, f.p1, f.p2)

	send := func(from Endpoint, msg string) {
		peer, marshall := mustPeer(t, from)
		require.True(t, marshall)
		_, err := peer.WriteAt([]byte(msg), 100)
		require.NoError(t, err)
		require.NoError(t, from.BeginUpdate(100, len(msg), -1))
		require.NoError(t, from.NotifyPeer())
	}

	send(a, "ping")
	_, err := b.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "ping", readString(t, mustBlock(t, b), 100, 4))

	send(b, "pong")
	_, err = a.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "pong", readString(t, mustBlock(t, a), 100, 4))
}
