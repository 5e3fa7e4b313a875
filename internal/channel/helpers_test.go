package channel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/GriffinCanCode/AgentOS/channels/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
)

type countingRecorder struct {
	nopRecorder

	connects atomic.Int64
	releases atomic.Int64
	faults   atomic.Int64

	mu          sync.Mutex
	transitions []string
}

func (c *countingRecorder) RecordConnect(int64) { c.connects.Add(1) }
func (c *countingRecorder) RecordRelease(int64) { c.releases.Add(1) }
func (c *countingRecorder) RecordFault(string) { c.faults.Add(1) }

func (c *countingRecorder) RecordMove(kind string) {
	c.mu.Lock()
	c.transitions = append(c.transitions, kind)
	c.mu.Unlock()
}

func (c *countingRecorder) moves() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.transitions...)
}

type recordingSink struct {
	mu     sync.Mutex
	events []tracing.Event
}

func (s *recordingSink) Emit(ev tracing.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) count(kind tracing.EventKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	reg    *Registry
	events *event.Table
	kernel *heap.Heap
	procs  *process.Table
	rec    *countingRecorder
	sink   *recordingSink

	h1, h2 *heap.Heap
	p1, p2 *process.Process
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()

	f := &fixture{
		kernel: heap.New("kernel", 0),
		rec:    &countingRecorder{},
		sink:   &recordingSink{},
		h1:     heap.New("h1", 0),
		h2:     heap.New("h2", 0),
	}
	if opts.Events == nil {
		f.events = event.NewTable()
		opts.Events = f.events
	}
	opts.KernelHeap = f.kernel
	opts.Metrics = f.rec
	opts.Tracer = f.sink
	opts.Logger = zaptest.NewLogger(t)

	reg, err := NewRegistry(opts)
	require.NoError(t, err)
	f.reg = reg

	f.procs = process.NewTable(f.kernel)
	f.p1, err = f.procs.Create("alpha", f.h1)
	require.NoError(t, err)
	f.p2, err = f.procs.Create("beta", f.h2)
	require.NoError(t, err)
	return f
}

// connect creates a channel whose export half belongs to expOwner and whose
// import half belongs to impOwner.
func (f *fixture) connect(t *testing.T, expOwner, impOwner *process.Process) (exp, imp Endpoint) {
	t.Helper()
	exp, err := f.reg.NewEndpoint(expOwner)
	require.NoError(t, err)
	imp, err = f.reg.NewEndpoint(impOwner)
	require.NoError(t, err)
	require.NoError(t, f.reg.Connect(nil, imp, exp))
	return exp, imp
}

func (f *fixture) closeAndFree(t *testing.T, eps ...Endpoint) {
	t.Helper()
	for _, ep := range eps {
		require.NoError(t, f.reg.Dispose(ep))
		require.NoError(t, f.reg.Free(ep))
	}
}

func mustBlock(t *testing.T, ep Endpoint) *heap.Allocation {
	t.Helper()
	b, err := ep.Block()
	require.NoError(t, err)
	return b
}

func mustPeer(t *testing.T, ep Endpoint) (*heap.Allocation, bool) {
	t.Helper()
	p, marshall, err := ep.GetPeer()
	require.NoError(t, err)
	return p, marshall
}

// recoverFault runs fn and returns the *Fault it panicked with.
func recoverFault(t *testing.T, fn func()) (fault *Fault) {
	t.Helper()
	defer func() {
		v := recover()
		require.NotNil(t, v, "expected a panic")
		var ok bool
		fault, ok = v.(*Fault)
		require.True(t, ok, "panic value %T is not *Fault", v)
	}()
	fn()
	return nil
}
