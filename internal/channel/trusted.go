package channel

import (
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/event"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/heap"
	"github.com/GriffinCanCode/AgentOS/channels/internal/kernel/process"
)

// EndpointType tags every user-visible endpoint block.
const EndpointType heap.TypeTag = "channel.Endpoint"

// channelState is shared by both halves of a connected channel. Its mutex
// serializes moves, frees and transfers on either half. An unconnected
// endpoint has a private one that Connect replaces.
type channelState struct {
	mu sync.RWMutex
}

const (
	batchNone uint32 = iota
	batchDirect
	batchLogged
)

// Trusted is the kernel-private half of an endpoint. It lives in the
// registry's slab and is only reachable through a generation-checked Endpoint.
type Trusted struct {
	gen    atomic.Uint64
	reg    *Registry
	serial uint64

	ch atomic.Pointer[channelState]

	channelID    atomic.Int64
	closed       atomic.Bool
	freed        atomic.Bool
	refCount     atomic.Int32
	receiveCount atomic.Int64
	batch        atomic.Uint32

	peer       atomic.Pointer[Trusted]
	owner      atomic.Pointer[process.Process]
	message    atomic.Uint64
	collection atomic.Uint64
	updates    atomic.Pointer[updates]

	// guarded by ch.mu
	self *heap.Allocation
	link PeerLink
}

func resetTrusted(t *Trusted) {
	gen := t.gen.Load()
	*t = Trusted{}
	t.gen.Store(gen + 1)
}

// lock takes the write lock of the channel t currently belongs to.
func (t *Trusted) lock() *channelState {
	for {
		ch := t.ch.Load()
		ch.mu.Lock()
		if t.ch.Load() == ch {
			return ch
		}
		ch.mu.Unlock()
	}
}

func (t *Trusted) rlock() *channelState {
	for {
		ch := t.ch.Load()
		ch.mu.RLock()
		if t.ch.Load() == ch {
			return ch
		}
		ch.mu.RUnlock()
	}
}

func (t *Trusted) connected() bool { return t.peer.Load() != nil }

// heapOf returns the heap holding t's block. Caller holds ch.mu.
func (t *Trusted) heapOf() *heap.Heap {
	if t.self == nil {
		return nil
	}
	return t.self.Heap()
}

// notify bumps the receive count, wakes the collection first and then the
// endpoint's own waiter.
func (t *Trusted) notify() {
	t.receiveCount.Add(1)
	events := t.reg.events
	if c := event.Handle(t.collection.Load()); c != event.Invalid {
		_ = events.Set(c)
	}
	if m := event.Handle(t.message.Load()); m != event.Invalid {
		_ = events.Set(m)
	}
	t.reg.metrics.RecordNotify()
}
