package abi

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/AgentOS/channels/internal/channel"
	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
)

const bufferType heap.TypeTag = "msg.Buffer"

type testKernel struct {
	*Kernel
	metrics *monitoring.Metrics
}

func newKernel(t *testing.T) *testKernel {
	t.Helper()
	logger := zaptest.NewLogger(t)
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())
	reg, err := channel.NewRegistry(channel.Options{Logger: logger, Metrics: metrics})
	require.NoError(t, err)
	k, err := New(Options{Registry: reg, Logger: logger, Metrics: metrics})
	require.NoError(t, err)
	return &testKernel{Kernel: k, metrics: metrics}
}

func (k *testKernel) proc(t *testing.T, name, colocateWith string) heap.ProcessID {
	t.Helper()
	info, err := k.CreateProcess(name, colocateWith)
	require.NoError(t, err)
	return info.PID
}

// pair connects an export endpoint owned by expOwner with an import
// endpoint owned by impOwner.
func (k *testKernel) pair(t *testing.T, expOwner, impOwner heap.ProcessID) (exp, imp Handle) {
	t.Helper()
	exp, err := k.AllocateEndpoint(expOwner)
	require.NoError(t, err)
	imp, err = k.AllocateEndpoint(impOwner)
	require.NoError(t, err)
	require.NoError(t, k.Connect(imp, exp))
	return exp, imp
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSendAcrossHeaps(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	a, b := k.pair(t, alpha, beta)

	peer, err := k.GetPeer(a)
	require.NoError(t, err)
	assert.True(t, peer.MarshallNeeded)
	assert.Equal(t, "alpha", peer.Heap)

	require.NoError(t, k.Send(a, Message{Offset: 16, Payload: []byte("hello"), HasTag: true, TagOffset: 0, Tag: 9}))

	applied, err := k.Wait(waitCtx(t), b)
	require.NoError(t, err)
	assert.Equal(t, 1, applied)

	got, err := k.ReadSelf(b, 16, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	tag, err := k.ReadSelf(b, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 0, 0, 0}, tag)
}

func TestSendColocated(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "alpha")
	a, b := k.pair(t, alpha, beta)

	peer, err := k.GetPeer(a)
	require.NoError(t, err)
	assert.False(t, peer.MarshallNeeded)

	require.NoError(t, k.Send(b, Message{Offset: 0, Payload: []byte("pong")}))
	signalled, applied, err := k.TryWait(a)
	require.NoError(t, err)
	assert.True(t, signalled)
	assert.Zero(t, applied)

	got, err := k.ReadSelf(a, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(got))
}

func TestPointerRoundTrip(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	a, b := k.pair(t, alpha, beta)

	ref, err := k.AllocateBlock(alpha, 8, bufferType)
	require.NoError(t, err)
	require.NoError(t, k.WriteBlock(ref, 0, []byte("payload!")))
	require.NoError(t, k.AttachBlock(a, 64, ref))

	_, err = k.ReadBlock(ref, 0, 8)
	assert.ErrorIs(t, err, ErrInvalidBlock)

	require.NoError(t, k.BeginUpdate(a, 0, 0, -1))
	require.NoError(t, k.MarshallPointer(a, 64, bufferType))
	require.NoError(t, k.EndUpdate(a))
	require.NoError(t, k.NotifyPeer(a))

	_, err = k.Wait(waitCtx(t), b)
	require.NoError(t, err)

	got, err := k.DetachBlock(b, 64)
	require.NoError(t, err)
	data, err := k.ReadBlock(got, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, "payload!", string(data))

	blk, err := k.block(got)
	require.NoError(t, err)
	assert.Equal(t, beta, blk.Owner())
	assert.Equal(t, "beta", blk.Heap().Name())
	assert.Equal(t, 1, k.Stats().Blocks)

	_, err = k.DetachBlock(b, 64)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	require.NoError(t, k.FreeBlock(got))
	assert.ErrorIs(t, k.FreeBlock(got), ErrInvalidBlock)
}

func TestAbortUpdate(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	a, _ := k.pair(t, alpha, beta)

	assert.ErrorIs(t, k.EndUpdate(a), channel.ErrNoBatch)
	require.NoError(t, k.WritePeer(a, 0, []byte("draft")))
	require.NoError(t, k.BeginUpdate(a, 0, 5, -1))
	require.NoError(t, k.AbortUpdate(a))

	ep, err := k.Endpoint(a)
	require.NoError(t, err)
	pending, err := ep.PendingUpdates()
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestIdentityQueries(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	exp, imp := k.pair(t, alpha, beta)

	expID, err := k.GetChannelID(exp)
	require.NoError(t, err)
	impID, err := k.GetChannelID(imp)
	require.NoError(t, err)
	assert.Positive(t, expID)
	assert.Equal(t, -expID, impID)

	owner, err := k.GetOwnerProcessID(exp)
	require.NoError(t, err)
	assert.Equal(t, alpha, owner)
	peer, err := k.GetPeerProcessID(exp)
	require.NoError(t, err)
	assert.Equal(t, beta, peer)

	ownerPrincipal, err := k.GetOwnerPrincipalHandle(exp)
	require.NoError(t, err)
	peerPrincipal, err := k.GetPeerPrincipalHandle(exp)
	require.NoError(t, err)
	assert.NotEqual(t, ownerPrincipal, peerPrincipal)

	procs := k.ListProcesses()
	require.Len(t, procs, 3)
	assert.Equal(t, "kernel", procs[0].Name)
	assert.Equal(t, ownerPrincipal, procs[1].Principal)
	assert.Equal(t, peerPrincipal, procs[2].Principal)

	lone, err := k.AllocateEndpoint(alpha)
	require.NoError(t, err)
	id, err := k.GetChannelID(lone)
	require.NoError(t, err)
	assert.Zero(t, id)
	_, err = k.GetPeerProcessID(lone)
	assert.ErrorIs(t, err, channel.ErrNotConnected)
}

func TestLifecycleRetiresHandles(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	a, b := k.pair(t, alpha, beta)

	err := k.Free(a)
	assert.ErrorIs(t, err, channel.ErrNotClosed)
	assert.Equal(t, CodeFailedPrecondition, Classify(err))

	require.NoError(t, k.Dispose(a))
	closed, err := k.PeerClosed(b)
	require.NoError(t, err)
	assert.True(t, closed)
	closed, err = k.Closed(b)
	require.NoError(t, err)
	assert.False(t, closed)

	require.NoError(t, k.Close(b))
	closed, err = k.Closed(b)
	require.NoError(t, err)
	assert.True(t, closed)

	info, err := k.Describe(b)
	require.NoError(t, err)
	assert.Equal(t, channel.StateClosedBoth.String(), info.State)
	assert.Equal(t, beta, info.Owner)

	require.NoError(t, k.Free(a))
	require.NoError(t, k.Free(b))
	assert.Equal(t, []Handle{}, k.Handles())

	_, err = k.Closed(a)
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.Equal(t, CodeNotFound, Classify(err))

	s := k.Stats()
	assert.Zero(t, s.OpenChannels)
	assert.Zero(t, s.Handles)
	assert.Equal(t, 3, s.Processes)
}

func TestMoveEndpointOutOfColocation(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "alpha")
	gamma := k.proc(t, "gamma", "")
	a, b := k.pair(t, alpha, beta)

	require.NoError(t, k.MoveEndpoint(b, gamma))

	owner, err := k.GetOwnerProcessID(b)
	require.NoError(t, err)
	assert.Equal(t, gamma, owner)
	peer, err := k.GetPeer(a)
	require.NoError(t, err)
	assert.True(t, peer.MarshallNeeded)

	require.NoError(t, k.Send(a, Message{Offset: 8, Payload: []byte("moved")}))
	_, err = k.Wait(waitCtx(t), b)
	require.NoError(t, err)
	got, err := k.ReadSelf(b, 8, 5)
	require.NoError(t, err)
	assert.Equal(t, "moved", string(got))

	assert.Equal(t, CodeNotFound, Classify(k.MoveEndpoint(b, 99)))
}

func TestTransferBlockOwnership(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	_, b := k.pair(t, alpha, beta)

	ref, err := k.AllocateBlock(alpha, 4, bufferType)
	require.NoError(t, err)
	require.NoError(t, k.WriteBlock(ref, 0, []byte("data")))

	require.NoError(t, k.TransferBlockOwnership(ref, b))

	blk, err := k.block(ref)
	require.NoError(t, err)
	assert.Equal(t, beta, blk.Owner())
	assert.Equal(t, "beta", blk.Heap().Name())
	data, err := k.ReadBlock(ref, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	assert.ErrorIs(t, k.TransferBlockOwnership(BlockRef(12345), b), ErrInvalidBlock)
}

func TestTransferContentOwnership(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	gamma := k.proc(t, "gamma", "")
	a, b := k.pair(t, alpha, beta)
	c, _ := k.pair(t, gamma, alpha)

	ref, err := k.AllocateBlock(beta, 8, bufferType)
	require.NoError(t, err)
	require.NoError(t, k.AttachBlock(b, 24, ref))
	require.NoError(t, k.BeginUpdate(b, 0, 0, -1))
	require.NoError(t, k.MarshallPointer(b, 24, bufferType))
	require.NoError(t, k.NotifyPeer(b))
	_, err = k.Wait(waitCtx(t), a)
	require.NoError(t, err)

	require.NoError(t, k.TransferContentOwnership(a, c))

	got, err := k.DetachBlock(a, 24)
	require.NoError(t, err)
	blk, err := k.block(got)
	require.NoError(t, err)
	assert.Equal(t, gamma, blk.Owner())
	assert.Equal(t, "gamma", blk.Heap().Name())
}

func TestChannelsOwnerGlob(t *testing.T) {
	k := newKernel(t)
	a1 := k.proc(t, "app/alpha", "")
	a2 := k.proc(t, "app/beta", "")
	s1 := k.proc(t, "svc/gamma", "")
	k.pair(t, a1, a2)
	k.pair(t, s1, a1)
	k.pair(t, s1, s1)

	all, err := k.Channels("")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	apps, err := k.Channels("app/*")
	require.NoError(t, err)
	assert.Len(t, apps, 2)

	betas, err := k.Channels("**/beta")
	require.NoError(t, err)
	require.Len(t, betas, 1)
	assert.Equal(t, "app/beta", betas[0].Import.OwnerName)

	_, err = k.Channels("app/[")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCollections(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	a, b := k.pair(t, alpha, beta)

	c := k.NewCollection()
	require.NoError(t, k.LinkIntoCollection(b, c))
	require.NoError(t, k.Send(a, Message{Payload: []byte("x")}))
	require.NoError(t, k.WaitCollection(waitCtx(t), c))

	require.NoError(t, k.UnlinkFromCollection(b, c))
	require.NoError(t, k.ReleaseCollection(c))
	assert.Equal(t, CodeNotFound, Classify(k.ReleaseCollection(c)))
}

func TestCallMetrics(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	a, _ := k.pair(t, alpha, beta)
	_ = k.Free(a)
	_, _ = k.Closed(Handle(4242))

	assert.Equal(t, 1.0, testutil.ToFloat64(k.metrics.ABICalls.WithLabelValues(OpConnect, "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(k.metrics.ABICalls.WithLabelValues(OpCreateProcess, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(k.metrics.ABICalls.WithLabelValues(OpFree, "failed_precondition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(k.metrics.ABICalls.WithLabelValues(OpClosed, "not_found")))
}

func TestCreateProcessRejects(t *testing.T) {
	k := newKernel(t)
	k.proc(t, "alpha", "")

	_, err := k.CreateProcess("alpha", "")
	assert.Equal(t, CodeFailedPrecondition, Classify(err))
	_, err = k.CreateProcess("beta", "nobody")
	assert.Equal(t, CodeNotFound, Classify(err))
	_, err = k.AllocateEndpoint(heap.ProcessID(77))
	assert.Equal(t, CodeNotFound, Classify(err))
	_, err = k.AllocateBlock(heap.KernelProcessID, 8, "")
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestShutdown(t *testing.T) {
	k := newKernel(t)
	alpha := k.proc(t, "alpha", "")
	beta := k.proc(t, "beta", "")
	k.pair(t, alpha, beta)
	_, err := k.AllocateBlock(alpha, 16, bufferType)
	require.NoError(t, err)

	assert.Error(t, k.Shutdown())
	assert.Zero(t, k.Stats().Blocks)
	assert.NoError(t, k.Shutdown())

	_, err = k.AllocateEndpoint(alpha)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, CodeOK},
		{"unknown handle", ErrInvalidHandle, CodeNotFound},
		{"stale endpoint", &channel.Fault{Kind: channel.FaultUsage, Err: channel.ErrStaleEndpoint}, CodeNotFound},
		{"exhausted", &channel.Fault{Kind: channel.FaultExhausted, Err: heap.ErrOutOfMemory}, CodeExhausted},
		{"type mismatch", &channel.Fault{Kind: channel.FaultUsage, Err: channel.ErrTypeMismatch}, CodeInvalidArgument},
		{"not closed", &channel.Fault{Kind: channel.FaultUsage, Err: channel.ErrNotClosed}, CodeFailedPrecondition},
		{"heap range", heap.ErrOutOfRange, CodeInvalidArgument},
		{"wait timeout", context.DeadlineExceeded, CodeCanceled},
		{"other", assert.AnError, CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestOperationsTable(t *testing.T) {
	seen := make(map[string]bool)
	for _, op := range Operations() {
		assert.False(t, seen[op.Name], "duplicate %s", op.Name)
		seen[op.Name] = true
	}

	wait, ok := Lookup(OpWait)
	require.True(t, ok)
	assert.True(t, wait.MayBlock)

	connect, _ := Lookup(OpConnect)
	assert.True(t, connect.MayAllocate)
	assert.False(t, connect.MayBlock)

	for _, name := range []string{OpDispose, OpFree, OpClosed, OpPeerClosed, OpNotifyPeer, OpGetChannelID} {
		op, ok := Lookup(name)
		require.True(t, ok, name)
		assert.False(t, op.MayAllocate, name)
		assert.False(t, op.MayBlock, name)
	}

	_, ok = Lookup("Fork")
	assert.False(t, ok)
}
